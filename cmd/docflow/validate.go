package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/docflow/pkg/config"
	"github.com/cuemby/docflow/pkg/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate [files...]",
	Short: "Parse and check workflow definitions",
	Long: `Parse and check workflow definitions without starting the daemon.
Without arguments every definition in the configured workflows
directory is checked. Exits non-zero if any definition is invalid.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			paths, err = workflowFiles(cfg.WorkflowsDir())
			if err != nil {
				return err
			}
		}
		if len(paths) == 0 {
			return fmt.Errorf("no workflow definitions found")
		}

		invalid := 0
		for _, path := range paths {
			wf, err := workflow.ParseFile(path)
			if err != nil {
				invalid++
				fmt.Printf("✗ %s\n  %v\n", path, err)
				continue
			}
			fmt.Printf("✓ %s: %s (%d nodes, %d edges, %d triggers)\n",
				path, wf.ID, len(wf.Nodes), len(wf.Edges), len(wf.Triggers))
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d definitions invalid", invalid, len(paths))
		}
		return nil
	},
}

// workflowFiles lists definition files the same way the registry loads
// them: .json, .yaml, and .yml directly under dir.
func workflowFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflow directory: %w", err)
	}

	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			out = append(out, filepath.Join(dir, entry.Name()))
		}
	}
	return out, nil
}
