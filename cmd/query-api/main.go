package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/config"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/httpx"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/observability"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/service"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONTROL_TOWER_CONFIG"))
	if err != nil {
		observability.NewLogger(config.LoggerConfig{Level: "info", Format: "console"}).Fatal("query-api config error", zap.Error(err))
	}
	cfg.Logger.ServiceName = "query-api"
	logger := observability.NewLogger(cfg.Logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := service.NewComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("query-api startup error", zap.Error(err))
	}
	defer components.Shutdown()
	components.WarnEphemeralStore("query-api")

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           components.QueryHandler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	if err := httpx.Serve(ctx, server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Error("query-api server error", zap.Error(err))
	}
}
