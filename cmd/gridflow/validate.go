package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/internal/validation"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph-file>",
		Short: "Validate a graph file without executing it",
		Long:  "Checks the document shape against the graph JSON Schema, then the structural invariants the compiler enforces (single trigger, reachability, handle exclusivity, loop shape).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFile(args[0])
		},
	}
}

func validateFile(path string) error {
	def, err := loadGraphFile(path)
	if err != nil {
		return err
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if violations := graph.Validate(def); len(violations) > 0 {
		for _, v := range violations {
			target := v.NodeID
			if target == "" {
				target = v.EdgeID
			}
			if target != "" {
				fmt.Printf("  %s (%s): %s\n", v.Code, target, v.Message)
			} else {
				fmt.Printf("  %s: %s\n", v.Code, v.Message)
			}
		}
		return fmt.Errorf("graph %s failed validation with %d violation(s)", def.ID, len(violations))
	}

	fmt.Printf("graph %s is valid (%d nodes, %d edges)\n", def.ID, len(def.Nodes), len(def.Edges))
	return nil
}
