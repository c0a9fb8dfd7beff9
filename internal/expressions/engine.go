// Package expressions hosts the three expression engines the node types
// use: CEL for condition predicates, jq for transforms and aggregates, and
// expr-lang for filters. All engines cache compiled programs and are safe
// for concurrent use.
package expressions

import "context"

// Engine evaluates an expression against a read-only context snapshot.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Snapshot variable names exposed to every engine. The coordinator builds
// the map; engines must not mutate it.
const (
	ScopeInput     = "input"     // execution input payload
	ScopeNodes     = "nodes"     // node outputs keyed by node ID
	ScopeTrigger   = "trigger"   // trigger descriptor payload
	ScopeExecution = "execution" // execution metadata (id, graph_id, tenant_id)
	ScopeLoop      = "loop"      // loop iteration state (iteration counter)
)

var scopeKeys = []string{ScopeInput, ScopeNodes, ScopeTrigger, ScopeExecution, ScopeLoop}
