package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"gigflow/bootstrap"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gigctl",
	Short:         "Operate a gigflow deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GIGFLOW_CONFIG"), "path to YAML config")
}

// withDeps opens the shared dependencies for the duration of fn.
func withDeps(ctx context.Context, fn func(*bootstrap.Deps) error) error {
	deps, err := bootstrap.Open(ctx, configPath)
	defer deps.Close()
	if err != nil {
		return err
	}
	return fn(deps)
}
