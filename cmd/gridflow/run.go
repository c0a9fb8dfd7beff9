package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridflow/gridflow/internal/graph"
	"github.com/gridflow/gridflow/internal/store"
	"github.com/gridflow/gridflow/internal/validation"
	"github.com/gridflow/gridflow/pkg/schema"
)

func runCmd() *cobra.Command {
	var tenant string
	var inputJSON string

	cmd := &cobra.Command{
		Use:   "run <graph-file>",
		Short: "Execute a graph file once against an ephemeral in-memory store",
		Long:  "Validates and publishes the graph into an in-memory store, runs it as a manual trigger, and prints the execution result as JSON. Intended for local development of graph files.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(args[0], tenant, inputJSON)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "local", "tenant ID to run under")
	cmd.Flags().StringVar(&inputJSON, "input", "", "execution input as a JSON object")
	return cmd
}

func runOnce(path, tenant, inputJSON string) error {
	cfg := loadConfig()
	logger := newLogger(cfg)

	def, err := loadGraphFile(path)
	if err != nil {
		return err
	}
	if def.TenantID == "" {
		def.TenantID = tenant
	}

	var input map[string]any
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			return fmt.Errorf("parse --input: %w", err)
		}
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return err
	}

	published, err := graph.Publish(def)
	if err != nil {
		return err
	}

	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateGraph(ctx, published); err != nil {
		return err
	}

	a, err := buildApp(cfg, st, logger)
	if err != nil {
		return err
	}
	defer a.pool.Shutdown()

	exec, err := a.flows.Manual(ctx, def.TenantID, published.ID, input)
	if err != nil {
		return err
	}
	steps, err := st.ListSteps(ctx, def.TenantID, exec.ID)
	if err != nil {
		return err
	}

	out := map[string]any{
		"execution": exec,
		"steps":     steps,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if exec.Status != schema.ExecutionStatusCompleted {
		return fmt.Errorf("execution finished %s", exec.Status)
	}
	return nil
}
