// Package validation checks graph documents against JSON Schema before
// they ever reach the compiler. Structural rules a schema cannot express
// (handle exclusivity, reachability, loop shape) live in internal/graph.
package validation

import "github.com/gridflow/gridflow/pkg/schema"

// Validator checks graph definitions and execution inputs for shape
// correctness. Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
