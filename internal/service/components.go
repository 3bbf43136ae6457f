// Package service assembles the control tower from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/action"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/api"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/bus"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/config"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/detect"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/mq"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/notify"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/orchestrator"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/risk"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/simulation"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/storage"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/storage/memstore"
)

// ShipmentStore is what both storage backends offer for shipments.
type ShipmentStore interface {
	domain.ShipmentRepository
	api.ShipmentWriter
}

// Components holds every wired part of the control tower.
type Components struct {
	Config       *config.Config
	Shipments    ShipmentStore
	Risks        domain.RiskRepository
	Simulations  domain.SimulationRepository
	Bus          domain.EventBus
	Detector     *detect.Detector
	Manager      *risk.Manager
	Simulator    *simulation.Simulator
	Executor     *action.Executor
	Notifier     *notify.Notifier
	Orchestrator *orchestrator.Orchestrator
	Pool         *pgxpool.Pool

	logger  *zap.Logger
	closers []func() error
}

func NewComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{Config: cfg, logger: logger.Named("components")}

	if err := c.initStore(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	if err := c.initBus(); err != nil {
		c.Shutdown()
		return nil, err
	}

	scorer, err := simulation.ScorerByName(cfg.Simulation.Strategy)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	statuses, err := cfg.Statuses()
	if err != nil {
		c.Shutdown()
		return nil, err
	}

	topics := cfg.Topics
	c.Detector = detect.NewDefault(logger, detect.NewStaticCongestion(cfg.Detection.CongestionOverrides()))
	c.Manager = risk.NewManager(c.Shipments, c.Risks, c.Detector, c.Bus, logger, risk.Options{
		Cooldown:          cfg.Detection.Cooldown,
		RiskDetectedTopic: topics.RiskDetected,
	})
	c.Simulator = simulation.NewSimulator(c.Shipments, c.Risks, c.Simulations, logger, simulation.Options{
		Timeout:    cfg.Simulation.Timeout,
		Strategies: simulation.DefaultStrategies(scorer),
	})
	c.Executor = action.NewExecutor(c.Shipments, c.Bus, logger, action.Options{ActionExecutedTopic: topics.ActionExecuted})

	prefs := notify.DefaultPreferences()
	c.Notifier = notify.New(c.Shipments, notify.BusSenders(c.Bus, topics.Notifications, prefs, cfg.Notify.OperationsChannel), logger, notify.Options{
		Preferences:       prefs,
		RatePerSecond:     cfg.Notify.RatePerSecond,
		Burst:             cfg.Notify.Burst,
		OperationsChannel: cfg.Notify.OperationsChannel,
	})

	c.Orchestrator = orchestrator.New(orchestrator.Config{
		MonitorInterval:     cfg.Orchestrator.MonitorInterval,
		AssessInterval:      cfg.Orchestrator.AssessInterval,
		WorkingSetRefresh:   cfg.Orchestrator.WorkingSetRefresh,
		ErrorBackoff:        cfg.Orchestrator.ErrorBackoff,
		PollWait:            cfg.Bus.PollWait,
		MonitorStatuses:     statuses,
		ConfidenceThreshold: cfg.Decision.ConfidenceThreshold,
		Topics:              topics,
		SettleTimeout:       cfg.Orchestrator.SettleTimeout,
		StallAfter:          cfg.Orchestrator.StallAfter,
	}, orchestrator.Deps{
		Shipments: c.Shipments,
		Manager:   c.Manager,
		Detector:  c.Detector,
		Simulator: c.Simulator,
		Executor:  c.Executor,
		Notifier:  c.Notifier,
		Bus:       c.Bus,
		Logger:    logger,
	})

	c.logger.Info("components initialised",
		zap.String("store", cfg.Store.Backend),
		zap.String("bus", cfg.Bus.Backend),
		zap.String("strategy", scorer.Name()))
	return c, nil
}

// WarnEphemeralStore logs a warning when the memory store backs a process
// other than serve. Each process starts with no shipments, so lookups by id
// fail unless the same process ingested them. It reports whether it warned.
func (c *Components) WarnEphemeralStore(process string) bool {
	if c.Config.Store.Backend != config.StoreMemory {
		return false
	}
	c.logger.Warn("memory store starts empty and is not shared; set store.backend=postgres to read persisted shipments",
		zap.String("process", process))
	return true
}

func (c *Components) initStore(ctx context.Context) error {
	switch c.Config.Store.Backend {
	case config.StorePostgres:
		pool, err := storage.Open(ctx, storage.PoolConfig{URL: c.Config.Database.URL, MaxConns: c.Config.Database.MaxConns})
		if err != nil {
			return err
		}
		c.Pool = pool
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		if c.Config.Database.MigrateOnStart {
			if err := storage.RunMigrations(ctx, pool); err != nil {
				return err
			}
		}
		repos := storage.NewRepositories(pool)
		c.Shipments, c.Risks, c.Simulations = repos.Shipments, repos.Risks, repos.Simulations
	case config.StoreMemory:
		store := memstore.New()
		c.Shipments, c.Risks, c.Simulations = store.Shipments, store.Risks, store.Simulations
	default:
		return fmt.Errorf("unknown store backend %q", c.Config.Store.Backend)
	}
	return nil
}

func (c *Components) initBus() error {
	var inner domain.EventBus
	switch c.Config.Bus.Backend {
	case config.BusKafka:
		kb := mq.NewKafkaBus(mq.Options{
			Brokers:        c.Config.Kafka.BrokerList(),
			GroupID:        c.Config.Kafka.ConsumerGroupPrefix + "-orchestrator",
			PublishTimeout: c.Config.Kafka.PublishTimeout,
		}, c.logger)
		c.closers = append(c.closers, kb.Close)
		inner = kb
	case config.BusMemory:
		mb := bus.NewMemoryBus(c.logger, c.Config.Bus.Buffer)
		c.closers = append(c.closers, func() error { mb.Close(); return nil })
		inner = mb
	default:
		return fmt.Errorf("unknown bus backend %q", c.Config.Bus.Backend)
	}
	c.Bus = bus.Mirror(inner, c.Config.Topics.Dashboard, c.logger)
	return nil
}

func (c *Components) QueryHandler() http.Handler {
	return api.NewQueryRouter(api.QueryDeps{
		Shipments:   c.Shipments,
		Risks:       c.Risks,
		Simulations: c.Simulations,
		Lifecycle:   c.Manager,
		Assessor:    c.Orchestrator,
		Simulator:   c.Simulator,
		Logger:      c.logger.Named("http"),
	})
}

func (c *Components) IngestHandler() http.Handler {
	return api.NewIngestRouter(api.IngestDeps{
		Shipments: c.Shipments,
		Bus:       c.Bus,
		Topic:     c.Config.Topics.Lifecycle,
		Logger:    c.logger.Named("http"),
	})
}

// Migrate applies the embedded schema. Only the postgres store has one.
func (c *Components) Migrate(ctx context.Context) error {
	if c.Pool == nil {
		return errors.New("migrate requires the postgres store backend")
	}
	return storage.RunMigrations(ctx, c.Pool)
}

// Shutdown releases resources in reverse order of creation.
func (c *Components) Shutdown() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("component close failed", zap.Error(err))
		}
	}
	c.closers = nil
}
