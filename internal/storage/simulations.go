package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

const simulationColumns = `id, shipment_id, COALESCE(risk_id::text, ''), simulation_type, status, strategy, parameters,
            results, best_option, confidence_score, initiated_by, error, execution_time_ms,
            created_at, updated_at, completed_at`

type SimulationRepo struct {
	pool DBPool
}

func NewSimulationRepo(pool DBPool) *SimulationRepo {
	return &SimulationRepo{pool: pool}
}

func scanSimulation(row rowScanner) (domain.Simulation, error) {
	var (
		s                              domain.Simulation
		simType, status                string
		paramsRaw, resultsRaw, bestRaw []byte
		executionMS                    int64
	)
	if err := row.Scan(
		&s.ID,
		&s.ShipmentID,
		&s.RiskID,
		&simType,
		&status,
		&s.Strategy,
		&paramsRaw,
		&resultsRaw,
		&bestRaw,
		&s.ConfidenceScore,
		&s.InitiatedBy,
		&s.Error,
		&executionMS,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.CompletedAt,
	); err != nil {
		return domain.Simulation{}, err
	}
	s.Type = domain.ParseSimulationType(simType)
	s.Status = domain.SimulationStatus(status)
	s.ExecutionTime = time.Duration(executionMS) * time.Millisecond

	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &s.Parameters); err != nil {
			return domain.Simulation{}, fmt.Errorf("decode simulation parameters: %w", err)
		}
	}
	if len(resultsRaw) > 0 {
		if err := json.Unmarshal(resultsRaw, &s.Results); err != nil {
			return domain.Simulation{}, fmt.Errorf("decode simulation results: %w", err)
		}
	}
	if len(bestRaw) > 0 {
		if err := json.Unmarshal(bestRaw, &s.BestOption); err != nil {
			return domain.Simulation{}, fmt.Errorf("decode simulation best option: %w", err)
		}
	}
	return s, nil
}

func (r *SimulationRepo) Insert(ctx context.Context, sim domain.Simulation) (domain.Simulation, error) {
	if sim.ID == "" {
		sim.ID = uuid.NewString()
	}
	if sim.Status == "" {
		sim.Status = domain.SimulationPending
	}
	params, err := json.Marshal(sim.Parameters)
	if err != nil {
		return domain.Simulation{}, fmt.Errorf("marshal simulation parameters: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
        INSERT INTO simulations
            (id, shipment_id, risk_id, simulation_type, status, strategy, parameters, initiated_by)
        VALUES
            ($1, $2, $3, $4, $5, $6, COALESCE($7::jsonb, '{}'::jsonb), $8)
        RETURNING created_at, updated_at
    `, sim.ID, sim.ShipmentID, nullableUUID(sim.RiskID), string(sim.Type), string(sim.Status), sim.Strategy,
		string(params), sim.InitiatedBy).Scan(&sim.CreatedAt, &sim.UpdatedAt)
	if err != nil {
		return domain.Simulation{}, fmt.Errorf("insert simulation: %w", err)
	}
	return sim, nil
}

func (r *SimulationRepo) MarkRunning(ctx context.Context, id string) error {
	cmd, err := r.pool.Exec(ctx, `
        UPDATE simulations
        SET status = 'running',
            updated_at = NOW()
        WHERE id = $1
          AND status IN ('pending', 'running')
    `, id)
	if err != nil {
		return fmt.Errorf("mark simulation running %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return r.closedOrMissing(ctx, id)
	}
	return nil
}

// UpdateResults writes the outcome unless the record is already terminal.
func (r *SimulationRepo) UpdateResults(ctx context.Context, id string, outcome domain.SimulationOutcome) error {
	results, err := json.Marshal(outcome.Results)
	if err != nil {
		return fmt.Errorf("marshal simulation results: %w", err)
	}
	if outcome.Results == nil {
		results = []byte("[]")
	}
	best, err := nullableJSON(outcome.BestOption, outcome.BestOption != nil)
	if err != nil {
		return fmt.Errorf("marshal best option: %w", err)
	}

	cmd, err := r.pool.Exec(ctx, `
        UPDATE simulations
        SET status = $2,
            results = $3::jsonb,
            best_option = $4::jsonb,
            confidence_score = $5,
            execution_time_ms = $6,
            error = $7,
            updated_at = NOW(),
            completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE completed_at END
        WHERE id = $1
          AND status IN ('pending', 'running')
    `, id, string(outcome.Status), string(results), best, outcome.Confidence, outcome.ExecutionTime.Milliseconds(), outcome.Error)
	if err != nil {
		return fmt.Errorf("update simulation results %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return r.closedOrMissing(ctx, id)
	}
	return nil
}

func (r *SimulationRepo) Get(ctx context.Context, id string) (domain.Simulation, error) {
	sim, err := scanSimulation(r.pool.QueryRow(ctx, `SELECT `+simulationColumns+` FROM simulations WHERE id = $1`, id))
	if err != nil {
		return domain.Simulation{}, notFound("simulation", id, err)
	}
	return sim, nil
}

func (r *SimulationRepo) closedOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM simulations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check simulation %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("simulation %s: %w", id, domain.ErrNotFound)
	}
	return domain.ErrSimulationClosed
}

func nullableUUID(v string) any {
	if v == "" {
		return nil
	}
	return v
}

var _ domain.SimulationRepository = (*SimulationRepo)(nil)
