package main

import (
	"github.com/spf13/cobra"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/config"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/service"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := mustRuntime(cmd)
			if err != nil {
				return err
			}
			cfg := *rt.cfg
			cfg.Store.Backend = config.StorePostgres
			cfg.Database.MigrateOnStart = false
			c, err := service.NewComponents(cmd.Context(), &cfg, rt.logger)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			if err := c.Migrate(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("migrations applied")
			return nil
		},
	}
}
