package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridflow/gridflow/internal/diagram"
)

func diagramCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "diagram <graph-file>",
		Short: "Render a graph file as a Mermaid flowchart or PNG",
		Long:  "Builds a diagram from a graph definition file. Mermaid output goes to stdout unless -o is given; PNG output requires -o.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return renderDiagram(cmd.Context(), args[0], format, output)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid or png")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write output to this file")
	return cmd
}

func renderDiagram(ctx context.Context, path, format, output string) error {
	def, err := loadGraphFile(path)
	if err != nil {
		return err
	}
	model := diagram.FromDefinition(def)

	switch format {
	case "mermaid":
		out := diagram.RenderMermaid(model)
		if output == "" {
			fmt.Print(out)
			return nil
		}
		return os.WriteFile(output, []byte(out), 0o644)
	case "png":
		if output == "" {
			return fmt.Errorf("png output requires -o <file>")
		}
		data, err := diagram.RenderPNG(ctx, model)
		if err != nil {
			return err
		}
		return os.WriteFile(output, data, 0o644)
	default:
		return fmt.Errorf("unknown format %q (want mermaid or png)", format)
	}
}
