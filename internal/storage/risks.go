package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

const riskColumns = `id, shipment_id, risk_type, severity, status, description, confidence, detected_at, resolved_at,
            expected_delay_hours, expected_cost_impact, affected_parties, proposed_mitigations,
            selected_mitigation, mitigation_result, source, metadata, created_at, updated_at`

type RiskRepo struct {
	pool DBPool
}

func NewRiskRepo(pool DBPool) *RiskRepo {
	return &RiskRepo{pool: pool}
}

func scanRisk(row rowScanner) (domain.Risk, error) {
	var (
		r                                    domain.Risk
		riskType, severity, status           string
		partiesRaw, proposedRaw, selectedRaw []byte
		resultRaw, metadataRaw               []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.ShipmentID,
		&riskType,
		&severity,
		&status,
		&r.Description,
		&r.Confidence,
		&r.DetectedAt,
		&r.ResolvedAt,
		&r.ExpectedDelayHours,
		&r.ExpectedCostImpact,
		&partiesRaw,
		&proposedRaw,
		&selectedRaw,
		&resultRaw,
		&r.Source,
		&metadataRaw,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return domain.Risk{}, err
	}
	r.Type = domain.ParseRiskType(riskType)
	r.Severity = domain.ParseSeverity(severity)
	st, ok := domain.ParseRiskStatus(status)
	if !ok {
		return domain.Risk{}, fmt.Errorf("risk %s has unknown status %q", r.ID, status)
	}
	r.Status = st

	for _, field := range []struct {
		raw  []byte
		dest any
		name string
	}{
		{partiesRaw, &r.AffectedParties, "affected_parties"},
		{proposedRaw, &r.ProposedMitigations, "proposed_mitigations"},
		{selectedRaw, &r.SelectedMitigation, "selected_mitigation"},
		{resultRaw, &r.MitigationResult, "mitigation_result"},
		{metadataRaw, &r.Metadata, "metadata"},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return domain.Risk{}, fmt.Errorf("decode risk %s: %w", field.name, err)
		}
	}
	return r, nil
}

func (r *RiskRepo) FindActiveByTypeAndDescription(ctx context.Context, shipmentID string, riskType domain.RiskType, description string) (*domain.Risk, error) {
	risk, err := scanRisk(r.pool.QueryRow(ctx, `
        SELECT `+riskColumns+`
        FROM risks
        WHERE shipment_id = $1
          AND risk_type = $2
          AND description = $3
          AND status IN ('detected', 'analyzing', 'mitigating')
        LIMIT 1
    `, shipmentID, string(riskType), description))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active risk: %w", err)
	}
	return &risk, nil
}

// FindRecentlyClosed returns the latest terminal risk with the same key whose
// last update is at or after since.
func (r *RiskRepo) FindRecentlyClosed(ctx context.Context, shipmentID string, riskType domain.RiskType, description string, since time.Time) (*domain.Risk, error) {
	risk, err := scanRisk(r.pool.QueryRow(ctx, `
        SELECT `+riskColumns+`
        FROM risks
        WHERE shipment_id = $1
          AND risk_type = $2
          AND description = $3
          AND status IN ('resolved', 'escalated')
          AND updated_at >= $4
        ORDER BY updated_at DESC
        LIMIT 1
    `, shipmentID, string(riskType), description, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find recently closed risk: %w", err)
	}
	return &risk, nil
}

// Insert relies on the partial unique index over active risks; losing the
// race returns ErrDuplicateActiveRisk.
func (r *RiskRepo) Insert(ctx context.Context, risk domain.Risk) (domain.Risk, error) {
	if risk.ID == "" {
		risk.ID = uuid.NewString()
	}
	if risk.Status == "" {
		risk.Status = domain.StatusDetected
	}
	parties, err := json.Marshal(nonNilStrings(risk.AffectedParties))
	if err != nil {
		return domain.Risk{}, fmt.Errorf("marshal affected parties: %w", err)
	}
	metadata, err := json.Marshal(risk.Metadata)
	if err != nil {
		return domain.Risk{}, fmt.Errorf("marshal risk metadata: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
        INSERT INTO risks
            (id, shipment_id, risk_type, severity, status, description, confidence, detected_at,
             expected_delay_hours, expected_cost_impact, affected_parties, source, metadata)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, COALESCE($13::jsonb, '{}'::jsonb))
        ON CONFLICT (shipment_id, risk_type, description)
            WHERE status IN ('detected', 'analyzing', 'mitigating')
        DO NOTHING
        RETURNING created_at, updated_at
    `, risk.ID, risk.ShipmentID, string(risk.Type), string(risk.Severity), string(risk.Status), risk.Description,
		risk.Confidence, risk.DetectedAt, risk.ExpectedDelayHours, risk.ExpectedCostImpact, string(parties),
		risk.Source, string(metadata)).Scan(&risk.CreatedAt, &risk.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Risk{}, domain.ErrDuplicateActiveRisk
	}
	if err != nil {
		return domain.Risk{}, fmt.Errorf("insert risk: %w", err)
	}
	return risk, nil
}

func (r *RiskRepo) Get(ctx context.Context, id string) (domain.Risk, error) {
	risk, err := scanRisk(r.pool.QueryRow(ctx, `SELECT `+riskColumns+` FROM risks WHERE id = $1`, id))
	if err != nil {
		return domain.Risk{}, notFound("risk", id, err)
	}
	return risk, nil
}

// UpdateStatus is a compare-and-set on the stored status.
func (r *RiskRepo) UpdateStatus(ctx context.Context, id string, from, to domain.RiskStatus, at time.Time) error {
	cmd, err := r.pool.Exec(ctx, `
        UPDATE risks
        SET status = $3,
            updated_at = $4,
            resolved_at = CASE WHEN $3 = 'resolved' THEN $4 ELSE resolved_at END
        WHERE id = $1
          AND status = $2
    `, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("update risk status %s: %w", id, err)
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}

	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("risk %s: %w", id, domain.ErrNotFound)
	}
	return domain.ErrStaleTransition
}

func (r *RiskRepo) UpdateMitigation(ctx context.Context, id string, patch domain.MitigationPatch) error {
	proposed, err := nullableJSON(patch.Proposed, patch.Proposed != nil)
	if err != nil {
		return fmt.Errorf("marshal proposed mitigations: %w", err)
	}
	selected, err := nullableJSON(patch.Selected, patch.Selected != nil)
	if err != nil {
		return fmt.Errorf("marshal selected mitigation: %w", err)
	}
	result, err := nullableJSON(patch.Result, patch.Result != nil)
	if err != nil {
		return fmt.Errorf("marshal mitigation result: %w", err)
	}

	cmd, err := r.pool.Exec(ctx, `
        UPDATE risks
        SET proposed_mitigations = COALESCE($2::jsonb, proposed_mitigations),
            selected_mitigation = COALESCE($3::jsonb, selected_mitigation),
            mitigation_result = COALESCE($4::jsonb, mitigation_result),
            updated_at = NOW()
        WHERE id = $1
    `, id, proposed, selected, result)
	if err != nil {
		return fmt.Errorf("update mitigation %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("risk %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RiskRepo) ListByShipment(ctx context.Context, shipmentID string) ([]domain.Risk, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT `+riskColumns+`
        FROM risks
        WHERE shipment_id = $1
        ORDER BY detected_at ASC
    `, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("query risks: %w", err)
	}
	defer rows.Close()

	var out []domain.Risk
	for rows.Next() {
		risk, err := scanRisk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan risk: %w", err)
		}
		out = append(out, risk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate risks: %w", err)
	}
	return out, nil
}

func (r *RiskRepo) exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM risks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check risk %s: %w", id, err)
	}
	return exists, nil
}

// nullableJSON marshals v when set, otherwise returns SQL NULL so COALESCE
// keeps the stored value.
func nullableJSON(v any, set bool) (any, error) {
	if !set {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

var _ domain.RiskRepository = (*RiskRepo)(nil)
