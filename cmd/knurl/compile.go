package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/knurl/pkg/intent"
	"github.com/chazu/knurl/pkg/worker"
)

var (
	outputPath   string
	outputFormat string
)

var compileCmd = &cobra.Command{
	Use:   "compile <intent-file>",
	Short: "Compile an intent file and export the resulting mesh",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompile,
}

func init() {
	compileCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default: intent file with format extension)")
	compileCmd.Flags().StringVarP(&outputFormat, "format", "f", "stl", "export format: stl or obj")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	var exportOp worker.Op
	switch outputFormat {
	case "stl":
		exportOp = worker.OpExportSTL
	case "obj":
		exportOp = worker.OpExportOBJ
	default:
		return fmt.Errorf("unsupported format %q, expected stl or obj", outputFormat)
	}

	source, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read intent: %w", err)
	}

	out := outputPath
	if out == "" {
		out = strings.TrimSuffix(args[0], ".lisp") + "." + outputFormat
	}

	s, err := newStack()
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if err := s.bridge.Initialize(ctx); err != nil {
		return fmt.Errorf("kernel initialization: %w", err)
	}

	var geometryID string
	switch res := s.bridge.CompileIntent(ctx, string(source)).(type) {
	case intent.Compiled:
		geometryID = res.GeometryID
		fmt.Fprintf(cmd.OutOrStdout(), "compiled %d triangles\n", res.Mesh.TriangleCount())
	case intent.Cached:
		geometryID = res.GeometryID
		fmt.Fprintf(cmd.OutOrStdout(), "cache hit, %d triangles\n", res.Mesh.TriangleCount())
	case intent.Fallback:
		return fmt.Errorf("kernel unavailable: %s", res.Reason)
	case intent.CompileError:
		return fmt.Errorf("compile failed: %s", res.Message)
	default:
		return fmt.Errorf("unexpected result %T", res)
	}

	raw, err := s.engine.Transport().Call(ctx, exportOp,
		worker.ExportPayload{GeometryID: geometryID, Filename: out}, 0)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	var exported worker.ExportResult
	if err := json.Unmarshal(raw, &exported); err != nil {
		return fmt.Errorf("decode export result: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", exported.Filename, exported.Bytes)
	return nil
}
