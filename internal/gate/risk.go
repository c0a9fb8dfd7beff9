// Package gate implements the approval gate: risk classification of
// side-effecting nodes and the pending-action workflow that suspends an
// execution until a human (or the autonomy policy) clears it.
package gate

import (
	"fmt"
	"strings"

	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/pkg/schema"
)

// baselineRisk is the default risk per node type. Only side-effecting node
// types rank above low; pure data and control nodes never trip the gate.
var baselineRisk = map[schema.NodeType]schema.RiskLevel{
	schema.NodeTypeAction:      schema.RiskMedium,
	schema.NodeTypeIntegration: schema.RiskHigh,
	schema.NodeTypeWebhook:     schema.RiskMedium,
	schema.NodeTypeAICall:      schema.RiskLow,
}

// actionRisk overrides the baseline for well-known action and capability
// names. Prefix entries (trailing dot) match a whole provider namespace.
var actionRisk = map[string]schema.RiskLevel{
	"http.request": schema.RiskMedium,
	"crm.delete":   schema.RiskCritical,
	"email.":       schema.RiskHigh,
	"billing.":     schema.RiskCritical,
}

// CheckRisk classifies a node's risk level. Precedence: graph-level
// overrides beat the static action table, which beats the per-type
// baseline. Reasons explain every factor that contributed so reviewers see
// why an approval was requested.
func CheckRisk(g *graph.Graph, node *graph.Node) (schema.RiskLevel, []string) {
	risk := schema.RiskLow
	var reasons []string

	if base, ok := baselineRisk[node.Type()]; ok {
		risk = base
		reasons = append(reasons, fmt.Sprintf("node type %s defaults to %s risk", node.Type(), base))
	}

	actionName := actionNameOf(node)
	if actionName != "" {
		if lvl, ok := lookupActionRisk(actionName); ok {
			risk = lvl
			reasons = append(reasons, fmt.Sprintf("action %q is classified %s", actionName, lvl))
		}
	}

	if g.Def.RiskOverrides != nil {
		key := actionName
		if key == "" {
			key = string(node.Type())
		}
		if lvl, ok := g.Def.RiskOverrides[key]; ok {
			risk = lvl
			reasons = append(reasons, fmt.Sprintf("graph overrides %q to %s", key, lvl))
		}
	}

	return risk, reasons
}

// actionNameOf extracts the action or capability name a node dispatches.
func actionNameOf(node *graph.Node) string {
	switch cfg := node.Config.(type) {
	case *schema.ActionConfig:
		return cfg.Action
	case *schema.IntegrationConfig:
		return cfg.Capability
	default:
		return ""
	}
}

func lookupActionRisk(name string) (schema.RiskLevel, bool) {
	if lvl, ok := actionRisk[name]; ok {
		return lvl, true
	}
	for prefix, lvl := range actionRisk {
		if strings.HasSuffix(prefix, ".") && strings.HasPrefix(name, prefix) {
			return lvl, true
		}
	}
	return "", false
}

// Gated reports whether a node type can ever require approval. The
// coordinator skips the gate entirely for pure nodes.
func Gated(t schema.NodeType) bool {
	_, ok := baselineRisk[t]
	return ok
}
