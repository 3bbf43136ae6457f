package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

type Request struct {
	ShipmentID  string
	RiskID      string
	Type        domain.SimulationType
	Parameters  map[string]any
	InitiatedBy string
}

type Options struct {
	// Timeout bounds one simulation run. Failed runs are never retried.
	Timeout    time.Duration
	Strategies map[domain.SimulationType]Scorer
}

// DefaultStrategies uses the configured scorer for mitigation analysis and
// the digital twin for exploratory runs.
func DefaultStrategies(mitigation Scorer) map[domain.SimulationType]Scorer {
	if mitigation == nil {
		mitigation = SimpleScorer{}
	}
	return map[domain.SimulationType]Scorer{
		domain.SimulationMitigation:        mitigation,
		domain.SimulationRouteOptimization: mitigation,
		domain.SimulationWhatIf:            DigitalTwinScorer{},
		domain.SimulationCostBenefit:       DigitalTwinScorer{},
	}
}

// Simulator builds the scenario menu for a risk, scores and ranks it, and
// keeps the simulation record in step.
type Simulator struct {
	shipments   domain.ShipmentRepository
	risks       domain.RiskRepository
	simulations domain.SimulationRepository
	logger      *zap.Logger
	opts        Options
}

func NewSimulator(shipments domain.ShipmentRepository, risks domain.RiskRepository, simulations domain.SimulationRepository, logger *zap.Logger, opts Options) *Simulator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Strategies == nil {
		opts.Strategies = DefaultStrategies(nil)
	}
	return &Simulator{
		shipments:   shipments,
		risks:       risks,
		simulations: simulations,
		logger:      logger.Named("simulator"),
		opts:        opts,
	}
}

// Simulate runs a mitigation analysis for the risk and returns the ranked
// scenarios. A failed run is recorded and returned as an error.
func (s *Simulator) Simulate(ctx context.Context, r domain.Risk, shipment domain.Shipment) ([]domain.ScoredScenario, error) {
	sim, err := s.run(ctx, Request{
		ShipmentID:  shipment.ID,
		RiskID:      r.ID,
		Type:        domain.SimulationMitigation,
		InitiatedBy: "orchestrator",
	}, r, shipment)
	if err != nil {
		return nil, err
	}
	return sim.Results, nil
}

// Run loads the shipment and optional risk and runs a simulation of any
// type. Without a risk, parameters["risk_type"] and
// parameters["expected_delay_hours"] describe a hypothetical one.
func (s *Simulator) Run(ctx context.Context, req Request) (domain.Simulation, error) {
	shipment, err := s.shipments.Get(ctx, req.ShipmentID)
	if err != nil {
		return domain.Simulation{}, fmt.Errorf("load shipment: %w", err)
	}

	var r domain.Risk
	if req.RiskID != "" {
		r, err = s.risks.Get(ctx, req.RiskID)
		if err != nil {
			return domain.Simulation{}, fmt.Errorf("load risk: %w", err)
		}
	} else {
		r = hypotheticalRisk(shipment.ID, req.Parameters)
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "api"
	}
	return s.run(ctx, req, r, shipment)
}

func (s *Simulator) run(ctx context.Context, req Request, r domain.Risk, shipment domain.Shipment) (domain.Simulation, error) {
	scorer, ok := s.opts.Strategies[req.Type]
	if !ok {
		scorer = SimpleScorer{}
	}

	params := make(map[string]any, len(req.Parameters)+1)
	for k, v := range req.Parameters {
		params[k] = v
	}
	if req.RiskID != "" {
		params["risk_id"] = req.RiskID
	}

	sim, err := s.simulations.Insert(ctx, domain.Simulation{
		ShipmentID:  req.ShipmentID,
		RiskID:      req.RiskID,
		Type:        req.Type,
		Status:      domain.SimulationPending,
		Strategy:    scorer.Name(),
		Parameters:  params,
		InitiatedBy: req.InitiatedBy,
	})
	if err != nil {
		return domain.Simulation{}, fmt.Errorf("create simulation: %w", err)
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	ranked, err := s.evaluate(runCtx, sim.ID, req, r, shipment, scorer)
	elapsed := time.Since(start)
	if err == nil {
		err = runCtx.Err()
	}
	if err != nil {
		s.fail(ctx, sim.ID, elapsed, err)
		return sim, fmt.Errorf("simulation %s: %w", sim.ID, err)
	}

	outcome := domain.SimulationOutcome{
		Status:        domain.SimulationCompleted,
		Results:       ranked,
		ExecutionTime: elapsed,
	}
	if len(ranked) > 0 {
		best := ranked[0]
		outcome.BestOption = &best
		outcome.Confidence = best.Confidence()
	}
	if err := s.simulations.UpdateResults(runCtx, sim.ID, outcome); err != nil {
		s.fail(ctx, sim.ID, elapsed, err)
		return sim, fmt.Errorf("store simulation results: %w", err)
	}

	s.logger.Info("simulation completed",
		zap.String("simulation_id", sim.ID),
		zap.String("shipment_id", req.ShipmentID),
		zap.String("risk_id", req.RiskID),
		zap.String("strategy", scorer.Name()),
		zap.Int("scenarios", len(ranked)),
		zap.Float64("confidence", outcome.Confidence),
		zap.Duration("elapsed", elapsed))

	sim.Status = outcome.Status
	sim.Results = outcome.Results
	sim.BestOption = outcome.BestOption
	sim.ConfidenceScore = outcome.Confidence
	sim.ExecutionTime = elapsed
	return sim, nil
}

func (s *Simulator) evaluate(ctx context.Context, simID string, req Request, r domain.Risk, shipment domain.Shipment, scorer Scorer) ([]domain.ScoredScenario, error) {
	if err := s.simulations.MarkRunning(ctx, simID); err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}

	var scenarios []domain.Scenario
	switch req.Type {
	case domain.SimulationRouteOptimization:
		scenarios = RouteTemplates(shipment)
	default:
		scenarios = Templates(r, shipment)
	}
	if len(scenarios) == 0 {
		return nil, errors.New("no scenarios for risk type " + string(r.Type))
	}

	scored := make([]domain.ScoredScenario, 0, len(scenarios))
	for _, sc := range scenarios {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scored = append(scored, scorer.Score(sc, r, shipment))
	}
	return Rank(scored), nil
}

func (s *Simulator) fail(ctx context.Context, simID string, elapsed time.Duration, cause error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()
	err := s.simulations.UpdateResults(writeCtx, simID, domain.SimulationOutcome{
		Status:        domain.SimulationFailed,
		ExecutionTime: elapsed,
		Error:         cause.Error(),
	})
	if err != nil {
		s.logger.Error("mark simulation failed", zap.String("simulation_id", simID), zap.Error(err))
		return
	}
	s.logger.Warn("simulation failed", zap.String("simulation_id", simID), zap.Error(cause))
}

func hypotheticalRisk(shipmentID string, params map[string]any) domain.Risk {
	r := domain.Risk{
		ShipmentID: shipmentID,
		Type:       domain.RiskOther,
		Severity:   domain.SeverityMedium,
		Status:     domain.StatusDetected,
	}
	if raw, ok := params["risk_type"].(string); ok {
		r.Type = domain.ParseRiskType(raw)
	}
	if raw, ok := params["severity"].(string); ok {
		r.Severity = domain.ParseSeverity(raw)
	}
	if _, ok := params["expected_delay_hours"]; ok {
		delay := domain.Metadata(params).Float("expected_delay_hours", 0)
		r.ExpectedDelayHours = &delay
	}
	return r
}
