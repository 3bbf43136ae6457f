package domain

import (
	"context"
	"time"
)

type ShipmentRepository interface {
	Get(ctx context.Context, id string) (Shipment, error)
	ListActive(ctx context.Context, statuses ...ShipmentStatus) ([]Shipment, error)
	UpdateRiskRollup(ctx context.Context, id string, score float64, atRisk bool, checkedAt time.Time) error
	ApplyRouteChange(ctx context.Context, id string, change RouteChange, audit AuditEntry) (Route, error)
	ApplyModeChange(ctx context.Context, id string, mode TransportMode, audit AuditEntry) (TransportMode, error)
	ApplySchedule(ctx context.Context, id string, delta time.Duration, audit AuditEntry) (time.Time, error)
	Annotate(ctx context.Context, id string, audit AuditEntry) error
	ActiveRoute(ctx context.Context, id string) (Route, error)
}

type RiskRepository interface {
	FindActiveByTypeAndDescription(ctx context.Context, shipmentID string, riskType RiskType, description string) (*Risk, error)
	FindRecentlyClosed(ctx context.Context, shipmentID string, riskType RiskType, description string, since time.Time) (*Risk, error)
	// Insert must be atomic with respect to FindActiveByTypeAndDescription and
	// return ErrDuplicateActiveRisk when it loses.
	Insert(ctx context.Context, risk Risk) (Risk, error)
	Get(ctx context.Context, id string) (Risk, error)
	// UpdateStatus only applies when the stored status still equals from.
	UpdateStatus(ctx context.Context, id string, from, to RiskStatus, at time.Time) error
	UpdateMitigation(ctx context.Context, id string, patch MitigationPatch) error
	ListByShipment(ctx context.Context, shipmentID string) ([]Risk, error)
}

type SimulationRepository interface {
	Insert(ctx context.Context, sim Simulation) (Simulation, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateResults(ctx context.Context, id string, outcome SimulationOutcome) error
	Get(ctx context.Context, id string) (Simulation, error)
}

// Envelope is one message delivered by an EventBus.
type Envelope struct {
	Topic   string
	Key     string
	Payload []byte
	Time    time.Time
}

type Subscription interface {
	// Next waits at most wait for a message. ok is false when nothing
	// arrived, which callers treat as a heartbeat.
	Next(ctx context.Context, wait time.Duration) (env Envelope, ok bool, err error)
	Close() error
}

type EventBus interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
}
