package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/config"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/observability"
)

type runtimeKey struct{}

// runtime carries the loaded configuration and logger to subcommands.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "control-tower",
		Short:         "Autonomous risk orchestration for shipments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.Logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := mustRuntime(cmd); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./control-tower.yaml)")

	root.AddCommand(newServeCmd(), newAssessCmd(), newMigrateCmd())
	return root
}

func mustRuntime(cmd *cobra.Command) (*runtime, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtime)
	if !ok {
		return nil, fmt.Errorf("%s: configuration not loaded", cmd.Name())
	}
	return rt, nil
}
