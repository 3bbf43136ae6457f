// Package memstore keeps shipments, risks and simulations in process memory.
// It backs tests and the single-node development mode; every method is safe
// for concurrent use.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

type Store struct {
	Shipments   *ShipmentStore
	Risks       *RiskStore
	Simulations *SimulationStore
}

func New() *Store {
	return &Store{
		Shipments:   &ShipmentStore{shipments: make(map[string]domain.Shipment), routes: make(map[string][]domain.Route)},
		Risks:       &RiskStore{risks: make(map[string]domain.Risk)},
		Simulations: &SimulationStore{sims: make(map[string]domain.Simulation)},
	}
}

type ShipmentStore struct {
	mu        sync.RWMutex
	shipments map[string]domain.Shipment
	routes    map[string][]domain.Route
}

// Put inserts or replaces a shipment. An empty ID is assigned.
func (s *ShipmentStore) Put(shipment domain.Shipment) domain.Shipment {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if shipment.ID == "" {
		shipment.ID = uuid.NewString()
	}
	if shipment.CreatedAt.IsZero() {
		shipment.CreatedAt = now
	}
	shipment.UpdatedAt = now
	if shipment.Context == nil {
		shipment.Context = domain.Metadata{}
	}
	s.shipments[shipment.ID] = copyShipment(shipment)
	return copyShipment(shipment)
}

// Upsert replaces the descriptive fields of a shipment. Context keys are
// merged and the risk rollup of an existing record is kept.
func (s *ShipmentStore) Upsert(_ context.Context, shipment domain.Shipment) (domain.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if shipment.ID == "" {
		shipment.ID = uuid.NewString()
	}
	if shipment.Status == "" {
		shipment.Status = domain.ShipmentPending
	}
	if shipment.Mode == "" {
		shipment.Mode = domain.ModeSea
	}
	if existing, ok := s.shipments[shipment.ID]; ok {
		shipment.CreatedAt = existing.CreatedAt
		shipment.IsAtRisk = existing.IsAtRisk
		shipment.RiskScore = existing.RiskScore
		shipment.LastRiskCheck = copyTime(existing.LastRiskCheck)
		shipment.Context = existing.Context.Merge(shipment.Context)
	} else {
		shipment.CreatedAt = now
		shipment.Context = domain.Metadata{}.Merge(shipment.Context)
	}
	shipment.UpdatedAt = now
	s.shipments[shipment.ID] = copyShipment(shipment)
	return copyShipment(shipment), nil
}

func (s *ShipmentStore) Get(_ context.Context, id string) (domain.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	shipment, ok := s.shipments[id]
	if !ok {
		return domain.Shipment{}, fmt.Errorf("shipment %s: %w", id, domain.ErrNotFound)
	}
	return copyShipment(shipment), nil
}

func (s *ShipmentStore) ListActive(_ context.Context, statuses ...domain.ShipmentStatus) ([]domain.Shipment, error) {
	want := make(map[domain.ShipmentStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Shipment, 0, len(s.shipments))
	for _, shipment := range s.shipments {
		if len(want) == 0 && shipment.Status.Monitorable() || want[shipment.Status] {
			out = append(out, copyShipment(shipment))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *ShipmentStore) UpdateRiskRollup(_ context.Context, id string, score float64, atRisk bool, checkedAt time.Time) error {
	return s.mutate(id, func(shipment *domain.Shipment) error {
		shipment.RiskScore = score
		shipment.IsAtRisk = atRisk
		checked := checkedAt
		shipment.LastRiskCheck = &checked
		return nil
	})
}

func (s *ShipmentStore) ApplyRouteChange(_ context.Context, id string, change domain.RouteChange, audit domain.AuditEntry) (domain.Route, error) {
	var route domain.Route
	err := s.mutate(id, func(shipment *domain.Shipment) error {
		routes := s.routes[id]
		for i := range routes {
			routes[i].IsActive = false
		}
		route = domain.Route{
			ID:           uuid.NewString(),
			ShipmentID:   id,
			RouteType:    change.RouteType,
			Waypoints:    append([]string(nil), change.Waypoints...),
			NextPort:     change.NextPort,
			CostEstimate: change.CostEstimate,
			RiskScore:    change.RiskScore,
			IsActive:     true,
			CreatedAt:    audit.At,
		}
		s.routes[id] = append(routes, route)
		if change.NextPort != "" {
			shipment.NextPort = change.NextPort
		}
		shipment.Context = shipment.Context.Merge(audit.Metadata())
		return nil
	})
	return route, err
}

func (s *ShipmentStore) ApplyModeChange(_ context.Context, id string, mode domain.TransportMode, audit domain.AuditEntry) (domain.TransportMode, error) {
	var previous domain.TransportMode
	err := s.mutate(id, func(shipment *domain.Shipment) error {
		previous = shipment.Mode
		shipment.Mode = mode
		shipment.Context = shipment.Context.Merge(audit.Metadata()).Merge(domain.Metadata{"previous_mode": string(previous)})
		return nil
	})
	return previous, err
}

func (s *ShipmentStore) ApplySchedule(_ context.Context, id string, delta time.Duration, audit domain.AuditEntry) (time.Time, error) {
	var eta time.Time
	err := s.mutate(id, func(shipment *domain.Shipment) error {
		if shipment.EstimatedArrival == nil {
			return fmt.Errorf("shipment %s has no estimated arrival", id)
		}
		eta = shipment.EstimatedArrival.Add(delta)
		shipment.EstimatedArrival = &eta
		shipment.Context = shipment.Context.Merge(audit.Metadata())
		return nil
	})
	return eta, err
}

func (s *ShipmentStore) Annotate(_ context.Context, id string, audit domain.AuditEntry) error {
	return s.mutate(id, func(shipment *domain.Shipment) error {
		shipment.Context = shipment.Context.Merge(audit.Metadata())
		return nil
	})
}

func (s *ShipmentStore) ActiveRoute(_ context.Context, id string) (domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, route := range s.routes[id] {
		if route.IsActive {
			return route, nil
		}
	}
	return domain.Route{}, fmt.Errorf("active route for shipment %s: %w", id, domain.ErrNotFound)
}

// Routes returns every route ever recorded for a shipment, oldest first.
func (s *ShipmentStore) Routes(id string) []domain.Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Route(nil), s.routes[id]...)
}

func (s *ShipmentStore) mutate(id string, fn func(*domain.Shipment) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	shipment, ok := s.shipments[id]
	if !ok {
		return fmt.Errorf("shipment %s: %w", id, domain.ErrNotFound)
	}
	shipment = copyShipment(shipment)
	if err := fn(&shipment); err != nil {
		return err
	}
	shipment.UpdatedAt = time.Now().UTC()
	s.shipments[id] = shipment
	return nil
}

type RiskStore struct {
	mu    sync.RWMutex
	risks map[string]domain.Risk
}

func (s *RiskStore) FindActiveByTypeAndDescription(_ context.Context, shipmentID string, riskType domain.RiskType, description string) (*domain.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.findActive(shipmentID, riskType, description); ok {
		return &r, nil
	}
	return nil, nil
}

func (s *RiskStore) FindRecentlyClosed(_ context.Context, shipmentID string, riskType domain.RiskType, description string, since time.Time) (*domain.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.risks {
		if r.ShipmentID == shipmentID && r.Type == riskType && r.Description == description &&
			r.Status.Terminal() && !r.UpdatedAt.Before(since) {
			found := copyRisk(r)
			return &found, nil
		}
	}
	return nil, nil
}

// Insert performs the dedup check and the write under one lock, the
// in-memory equivalent of the partial unique index in Postgres.
func (s *RiskStore) Insert(_ context.Context, risk domain.Risk) (domain.Risk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.findActive(risk.ShipmentID, risk.Type, risk.Description); exists && risk.Status.Active() {
		return domain.Risk{}, domain.ErrDuplicateActiveRisk
	}
	if risk.ID == "" {
		risk.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	risk.CreatedAt, risk.UpdatedAt = now, now
	s.risks[risk.ID] = copyRisk(risk)
	return copyRisk(risk), nil
}

func (s *RiskStore) Get(_ context.Context, id string) (domain.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.risks[id]
	if !ok {
		return domain.Risk{}, fmt.Errorf("risk %s: %w", id, domain.ErrNotFound)
	}
	return copyRisk(r), nil
}

func (s *RiskStore) UpdateStatus(_ context.Context, id string, from, to domain.RiskStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.risks[id]
	if !ok {
		return fmt.Errorf("risk %s: %w", id, domain.ErrNotFound)
	}
	if r.Status != from {
		return domain.ErrStaleTransition
	}
	r.Status = to
	r.UpdatedAt = at
	if to == domain.StatusResolved {
		resolved := at
		r.ResolvedAt = &resolved
	}
	s.risks[id] = r
	return nil
}

func (s *RiskStore) UpdateMitigation(_ context.Context, id string, patch domain.MitigationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.risks[id]
	if !ok {
		return fmt.Errorf("risk %s: %w", id, domain.ErrNotFound)
	}
	if patch.Proposed != nil {
		r.ProposedMitigations = append([]domain.ScoredScenario(nil), patch.Proposed...)
	}
	if patch.Selected != nil {
		selected := *patch.Selected
		r.SelectedMitigation = &selected
	}
	if patch.Result != nil {
		result := *patch.Result
		r.MitigationResult = &result
	}
	r.UpdatedAt = time.Now().UTC()
	s.risks[id] = r
	return nil
}

func (s *RiskStore) ListByShipment(_ context.Context, shipmentID string) ([]domain.Risk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Risk
	for _, r := range s.risks {
		if r.ShipmentID == shipmentID {
			out = append(out, copyRisk(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *RiskStore) findActive(shipmentID string, riskType domain.RiskType, description string) (domain.Risk, bool) {
	for _, r := range s.risks {
		if r.ShipmentID == shipmentID && r.Type == riskType && r.Description == description && r.Status.Active() {
			return copyRisk(r), true
		}
	}
	return domain.Risk{}, false
}

type SimulationStore struct {
	mu   sync.RWMutex
	sims map[string]domain.Simulation
}

func (s *SimulationStore) Insert(_ context.Context, sim domain.Simulation) (domain.Simulation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sim.ID == "" {
		sim.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sim.CreatedAt, sim.UpdatedAt = now, now
	if sim.Status == "" {
		sim.Status = domain.SimulationPending
	}
	s.sims[sim.ID] = sim
	return sim, nil
}

func (s *SimulationStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sim, ok := s.sims[id]
	if !ok {
		return fmt.Errorf("simulation %s: %w", id, domain.ErrNotFound)
	}
	if sim.Status.Terminal() {
		return domain.ErrSimulationClosed
	}
	sim.Status = domain.SimulationRunning
	sim.UpdatedAt = time.Now().UTC()
	s.sims[id] = sim
	return nil
}

func (s *SimulationStore) UpdateResults(_ context.Context, id string, outcome domain.SimulationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sim, ok := s.sims[id]
	if !ok {
		return fmt.Errorf("simulation %s: %w", id, domain.ErrNotFound)
	}
	if sim.Status.Terminal() {
		return domain.ErrSimulationClosed
	}
	now := time.Now().UTC()
	sim.Status = outcome.Status
	sim.Results = append([]domain.ScoredScenario(nil), outcome.Results...)
	sim.BestOption = outcome.BestOption
	sim.ConfidenceScore = outcome.Confidence
	sim.ExecutionTime = outcome.ExecutionTime
	sim.Error = outcome.Error
	sim.UpdatedAt = now
	if outcome.Status.Terminal() {
		sim.CompletedAt = &now
	}
	s.sims[id] = sim
	return nil
}

func (s *SimulationStore) Get(_ context.Context, id string) (domain.Simulation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sim, ok := s.sims[id]
	if !ok {
		return domain.Simulation{}, fmt.Errorf("simulation %s: %w", id, domain.ErrNotFound)
	}
	return sim, nil
}

// List returns every simulation, oldest first.
func (s *SimulationStore) List() []domain.Simulation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Simulation, 0, len(s.sims))
	for _, sim := range s.sims {
		out = append(out, sim)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyShipment(s domain.Shipment) domain.Shipment {
	s.Context = s.Context.Clone()
	s.EstimatedDeparture = copyTime(s.EstimatedDeparture)
	s.EstimatedArrival = copyTime(s.EstimatedArrival)
	s.ActualDeparture = copyTime(s.ActualDeparture)
	s.ActualArrival = copyTime(s.ActualArrival)
	s.LastRiskCheck = copyTime(s.LastRiskCheck)
	return s
}

func copyRisk(r domain.Risk) domain.Risk {
	r.Metadata = r.Metadata.Clone()
	r.AffectedParties = append([]string(nil), r.AffectedParties...)
	r.ProposedMitigations = append([]domain.ScoredScenario(nil), r.ProposedMitigations...)
	r.ResolvedAt = copyTime(r.ResolvedAt)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
