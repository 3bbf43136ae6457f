package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/httpx"
)

// ShipmentWriter is implemented by both storage backends.
type ShipmentWriter interface {
	Get(ctx context.Context, id string) (domain.Shipment, error)
	Upsert(ctx context.Context, s domain.Shipment) (domain.Shipment, error)
}

type IngestDeps struct {
	Shipments ShipmentWriter
	Bus       domain.EventBus
	Topic     string
	Logger    *zap.Logger
	Timeout   time.Duration
	Now       func() time.Time
}

type ShipmentEventRequest struct {
	Type       contracts.EventType   `json:"type"`
	ShipmentID string                `json:"shipment_id,omitempty"`
	Status     domain.ShipmentStatus `json:"status,omitempty"`
	Shipment   *domain.Shipment      `json:"shipment,omitempty"`
}

type ingest struct {
	deps   IngestDeps
	logger *zap.Logger
}

// NewIngestRouter accepts shipment lifecycle events, stores the shipment
// and publishes the event on the lifecycle topic.
func NewIngestRouter(deps IngestDeps) http.Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 15 * time.Second
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	in := &ingest{deps: deps, logger: deps.Logger.Named("ingest")}
	router := newRouter(in.logger, deps.Timeout)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "ingest"})
	})
	router.Post("/v1/shipments/events", in.shipmentEvent)
	return router
}

func (in *ingest) shipmentEvent(w http.ResponseWriter, r *http.Request) {
	var req ShipmentEventRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	ctx := r.Context()

	var (
		shipment domain.Shipment
		err      error
	)
	switch req.Type {
	case contracts.EventShipmentCreated, contracts.EventShipmentUpdated:
		if req.Shipment == nil {
			httpx.BadRequest(w, "shipment is required")
			return
		}
		if req.Type == contracts.EventShipmentUpdated && strings.TrimSpace(req.Shipment.ID) == "" {
			httpx.BadRequest(w, "shipment.id is required for updates")
			return
		}
		shipment, err = in.deps.Shipments.Upsert(ctx, *req.Shipment)

	case contracts.EventShipmentStatusChanged, contracts.EventShipmentClosed:
		if strings.TrimSpace(req.ShipmentID) == "" {
			httpx.BadRequest(w, "shipment_id is required")
			return
		}
		status := req.Status
		if req.Type == contracts.EventShipmentStatusChanged && status == "" {
			httpx.BadRequest(w, "status is required")
			return
		}
		if status != "" {
			parsed, ok := domain.ParseShipmentStatus(string(status))
			if !ok {
				httpx.BadRequest(w, "unknown shipment status "+string(status))
				return
			}
			status = parsed
		}
		shipment, err = in.deps.Shipments.Get(ctx, req.ShipmentID)
		if err == nil && status != "" {
			shipment.Status = status
			shipment, err = in.deps.Shipments.Upsert(ctx, shipment)
		}

	default:
		httpx.BadRequest(w, "unknown event type "+string(req.Type))
		return
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}

	evt := contracts.ShipmentLifecycleEvent{
		Type:       req.Type,
		ShipmentID: shipment.ID,
		Status:     shipment.Status,
		Shipment:   &shipment,
		Timestamp:  in.deps.Now(),
	}
	if err := in.deps.Bus.Publish(ctx, in.deps.Topic, shipment.ID, evt); err != nil {
		in.logger.Error("publish lifecycle event failed", zap.String("shipment_id", shipment.ID), zap.Error(err))
		httpx.WriteError(w, err)
		return
	}

	in.logger.Info("shipment event accepted",
		zap.String("type", string(req.Type)),
		zap.String("shipment_id", shipment.ID),
		zap.String("status", string(shipment.Status)))
	httpx.WriteJSON(w, http.StatusAccepted, evt)
}
