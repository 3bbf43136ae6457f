package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/httpx"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/orchestrator"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/simulation"
)

type Assessor interface {
	AssessAndHandle(ctx context.Context, shipmentID string) ([]orchestrator.Decision, error)
}

type RiskLifecycle interface {
	Get(ctx context.Context, riskID string) (domain.Risk, error)
	Transition(ctx context.Context, riskID string, to domain.RiskStatus) (domain.Risk, error)
}

type SimulationRunner interface {
	Run(ctx context.Context, req simulation.Request) (domain.Simulation, error)
}

type QueryDeps struct {
	Shipments   domain.ShipmentRepository
	Risks       domain.RiskRepository
	Simulations domain.SimulationRepository
	Lifecycle   RiskLifecycle
	Assessor    Assessor
	Simulator   SimulationRunner
	Logger      *zap.Logger
	Timeout     time.Duration
}

type query struct {
	deps   QueryDeps
	logger *zap.Logger
}

// NewQueryRouter exposes shipments, risks and simulations for operators.
func NewQueryRouter(deps QueryDeps) http.Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = 15 * time.Second
	}
	q := &query{deps: deps, logger: deps.Logger.Named("query_api")}
	router := newRouter(q.logger, deps.Timeout)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "query-api"})
	})

	router.Route("/v1/shipments", func(r chi.Router) {
		r.Get("/", q.listShipments)
		r.Get("/{id}", q.getShipment)
		r.Get("/{id}/route", q.activeRoute)
		r.Get("/{id}/risks", q.listRisks)
		r.Post("/{id}/assess", q.assess)
	})
	router.Get("/v1/risks/{id}", q.getRisk)
	router.Patch("/v1/risks/{id}/status", q.transitionRisk)
	router.Post("/v1/simulations", q.runSimulation)
	router.Get("/v1/simulations/{id}", q.getSimulation)

	return router
}

func (q *query) listShipments(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.ShipmentStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if v := strings.TrimSpace(part); v != "" {
				statuses = append(statuses, domain.ShipmentStatus(strings.ToLower(v)))
			}
		}
	}
	limit := httpx.ParseLimit(r.URL.Query().Get("limit"), 100, 500)

	shipments, err := q.deps.Shipments.ListActive(r.Context(), statuses...)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if len(shipments) > limit {
		shipments = shipments[:limit]
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": shipments})
}

func (q *query) getShipment(w http.ResponseWriter, r *http.Request) {
	shipment, err := q.deps.Shipments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, shipment)
}

func (q *query) activeRoute(w http.ResponseWriter, r *http.Request) {
	route, err := q.deps.Shipments.ActiveRoute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, route)
}

func (q *query) listRisks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := q.deps.Shipments.Get(r.Context(), id); err != nil {
		httpx.WriteError(w, err)
		return
	}
	risks, err := q.deps.Risks.ListByShipment(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if active := r.URL.Query().Get("active"); active == "true" {
		filtered := risks[:0]
		for _, risk := range risks {
			if risk.Status.Active() {
				filtered = append(filtered, risk)
			}
		}
		risks = filtered
	}
	if risks == nil {
		risks = []domain.Risk{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": risks})
}

func (q *query) assess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	decisions, err := q.deps.Assessor.AssessAndHandle(r.Context(), id)
	if err != nil && len(decisions) == 0 {
		httpx.WriteError(w, err)
		return
	}
	body := map[string]any{"shipment_id": id, "decisions": decisions}
	if err != nil {
		body["error"] = err.Error()
	}
	httpx.WriteJSON(w, http.StatusOK, body)
}

func (q *query) getRisk(w http.ResponseWriter, r *http.Request) {
	risk, err := q.deps.Lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, risk)
}

// transitionRisk is the administrative path through the lifecycle manager.
// Illegal moves are answered with 409 and leave the risk untouched.
func (q *query) transitionRisk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	to, ok := domain.ParseRiskStatus(body.Status)
	if !ok {
		httpx.BadRequest(w, "unknown risk status "+body.Status)
		return
	}

	id := chi.URLParam(r, "id")
	risk, err := q.deps.Lifecycle.Transition(r.Context(), id, to)
	if err != nil {
		q.logger.Info("administrative transition rejected", zap.String("risk_id", id), zap.String("to", string(to)), zap.Error(err))
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, risk)
}

func (q *query) runSimulation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ShipmentID string         `json:"shipment_id"`
		RiskID     string         `json:"risk_id"`
		Type       string         `json:"type"`
		Parameters map[string]any `json:"parameters"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(body.ShipmentID) == "" {
		httpx.BadRequest(w, "shipment_id is required")
		return
	}

	sim, err := q.deps.Simulator.Run(r.Context(), simulation.Request{
		ShipmentID:  body.ShipmentID,
		RiskID:      body.RiskID,
		Type:        domain.ParseSimulationType(body.Type),
		Parameters:  body.Parameters,
		InitiatedBy: "api",
	})
	if err != nil {
		if sim.ID == "" {
			httpx.WriteError(w, err)
			return
		}
		// The failed run is recorded; return the stored record.
		if stored, gerr := q.deps.Simulations.Get(r.Context(), sim.ID); gerr == nil {
			sim = stored
		}
	}
	httpx.WriteJSON(w, http.StatusCreated, sim)
}

func (q *query) getSimulation(w http.ResponseWriter, r *http.Request) {
	sim, err := q.deps.Simulations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sim)
}
