package main

import (
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/httpx"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/service"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator loops and the query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := mustRuntime(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := service.NewComponents(ctx, rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer c.Shutdown()

			server := &http.Server{
				Addr:              rt.cfg.HTTP.Addr,
				Handler:           c.QueryHandler(),
				ReadHeaderTimeout: rt.cfg.HTTP.ReadHeaderTimeout,
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Orchestrator.Run(gctx) })
			g.Go(func() error {
				return httpx.Serve(gctx, server, rt.cfg.HTTP.ShutdownTimeout, rt.logger.Named("query-api"))
			})
			return g.Wait()
		},
	}
}
