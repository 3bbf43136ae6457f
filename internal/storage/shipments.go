package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

const shipmentColumns = `id, tracking_number, origin, destination, current_location, current_port, next_port,
            status, mode, estimated_departure, estimated_arrival, actual_departure, actual_arrival,
            shipper, carrier, consignee, customs_broker, is_at_risk, risk_score, last_risk_check,
            context, created_at, updated_at`

const routeColumns = `id, shipment_id, route_type, waypoints, next_port, cost_estimate, risk_score, is_active, created_at`

type ShipmentRepo struct {
	pool DBPool
}

func NewShipmentRepo(pool DBPool) *ShipmentRepo {
	return &ShipmentRepo{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (domain.Shipment, error) {
	var (
		s          domain.Shipment
		status     string
		mode       string
		contextRaw []byte
	)
	if err := row.Scan(
		&s.ID,
		&s.TrackingNumber,
		&s.Origin,
		&s.Destination,
		&s.CurrentLocation,
		&s.CurrentPort,
		&s.NextPort,
		&status,
		&mode,
		&s.EstimatedDeparture,
		&s.EstimatedArrival,
		&s.ActualDeparture,
		&s.ActualArrival,
		&s.Shipper,
		&s.Carrier,
		&s.Consignee,
		&s.CustomsBroker,
		&s.IsAtRisk,
		&s.RiskScore,
		&s.LastRiskCheck,
		&contextRaw,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return domain.Shipment{}, err
	}
	s.Status = domain.ShipmentStatus(status)
	s.Mode = domain.TransportMode(mode)
	s.Context = domain.Metadata{}
	if len(contextRaw) > 0 {
		if err := json.Unmarshal(contextRaw, &s.Context); err != nil {
			return domain.Shipment{}, fmt.Errorf("decode shipment context: %w", err)
		}
	}
	return s, nil
}

func scanRoute(row rowScanner) (domain.Route, error) {
	var (
		r            domain.Route
		waypointsRaw []byte
	)
	if err := row.Scan(&r.ID, &r.ShipmentID, &r.RouteType, &waypointsRaw, &r.NextPort, &r.CostEstimate, &r.RiskScore, &r.IsActive, &r.CreatedAt); err != nil {
		return domain.Route{}, err
	}
	if len(waypointsRaw) > 0 {
		if err := json.Unmarshal(waypointsRaw, &r.Waypoints); err != nil {
			return domain.Route{}, fmt.Errorf("decode route waypoints: %w", err)
		}
	}
	return r, nil
}

func (r *ShipmentRepo) Get(ctx context.Context, id string) (domain.Shipment, error) {
	s, err := scanShipment(r.pool.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if err != nil {
		return domain.Shipment{}, notFound("shipment", id, err)
	}
	return s, nil
}

// ListActive returns shipments in the given statuses, or every monitorable
// shipment when none are given.
func (r *ShipmentRepo) ListActive(ctx context.Context, statuses ...domain.ShipmentStatus) ([]domain.Shipment, error) {
	if len(statuses) == 0 {
		statuses = []domain.ShipmentStatus{domain.ShipmentPending, domain.ShipmentInTransit, domain.ShipmentDelayed}
	}
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}

	rows, err := r.pool.Query(ctx, `
        SELECT `+shipmentColumns+`
        FROM shipments
        WHERE status = ANY($1)
        ORDER BY id
    `, names)
	if err != nil {
		return nil, fmt.Errorf("query shipments: %w", err)
	}
	defer rows.Close()

	var out []domain.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shipment: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shipments: %w", err)
	}
	return out, nil
}

// Upsert inserts or replaces a shipment record. Routes and risks are kept.
func (r *ShipmentRepo) Upsert(ctx context.Context, s domain.Shipment) (domain.Shipment, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.ShipmentPending
	}
	if s.Mode == "" {
		s.Mode = domain.ModeSea
	}
	contextJSON, err := json.Marshal(s.Context)
	if err != nil {
		return domain.Shipment{}, fmt.Errorf("marshal shipment context: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
        INSERT INTO shipments
            (id, tracking_number, origin, destination, current_location, current_port, next_port,
             status, mode, estimated_departure, estimated_arrival, actual_departure, actual_arrival,
             shipper, carrier, consignee, customs_broker, context)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, COALESCE($18::jsonb, '{}'::jsonb))
        ON CONFLICT (id) DO UPDATE SET
            tracking_number = EXCLUDED.tracking_number,
            origin = EXCLUDED.origin,
            destination = EXCLUDED.destination,
            current_location = EXCLUDED.current_location,
            current_port = EXCLUDED.current_port,
            next_port = EXCLUDED.next_port,
            status = EXCLUDED.status,
            mode = EXCLUDED.mode,
            estimated_departure = EXCLUDED.estimated_departure,
            estimated_arrival = EXCLUDED.estimated_arrival,
            actual_departure = EXCLUDED.actual_departure,
            actual_arrival = EXCLUDED.actual_arrival,
            shipper = EXCLUDED.shipper,
            carrier = EXCLUDED.carrier,
            consignee = EXCLUDED.consignee,
            customs_broker = EXCLUDED.customs_broker,
            context = shipments.context || EXCLUDED.context,
            updated_at = NOW()
        RETURNING created_at, updated_at
    `, s.ID, s.TrackingNumber, s.Origin, s.Destination, s.CurrentLocation, s.CurrentPort, s.NextPort,
		string(s.Status), string(s.Mode), s.EstimatedDeparture, s.EstimatedArrival, s.ActualDeparture, s.ActualArrival,
		s.Shipper, s.Carrier, s.Consignee, s.CustomsBroker, string(contextJSON)).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Shipment{}, fmt.Errorf("upsert shipment %s: %w", s.ID, err)
	}
	return s, nil
}

func (r *ShipmentRepo) UpdateRiskRollup(ctx context.Context, id string, score float64, atRisk bool, checkedAt time.Time) error {
	cmd, err := r.pool.Exec(ctx, `
        UPDATE shipments
        SET risk_score = $2,
            is_at_risk = $3,
            last_risk_check = $4,
            updated_at = NOW()
        WHERE id = $1
    `, id, score, atRisk, checkedAt)
	if err != nil {
		return fmt.Errorf("update risk rollup %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("shipment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ApplyRouteChange deactivates the current route and inserts the new active
// one in a single transaction.
func (r *ShipmentRepo) ApplyRouteChange(ctx context.Context, id string, change domain.RouteChange, audit domain.AuditEntry) (domain.Route, error) {
	waypoints, err := json.Marshal(nonNilStrings(change.Waypoints))
	if err != nil {
		return domain.Route{}, fmt.Errorf("marshal waypoints: %w", err)
	}
	auditJSON, err := json.Marshal(audit.Metadata())
	if err != nil {
		return domain.Route{}, fmt.Errorf("marshal audit: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Route{}, fmt.Errorf("begin reroute: %w", err)
	}
	defer rollback(ctx, tx)

	cmd, err := tx.Exec(ctx, `
        UPDATE shipments
        SET next_port = CASE WHEN $2 = '' THEN next_port ELSE $2 END,
            context = context || $3::jsonb,
            updated_at = NOW()
        WHERE id = $1
    `, id, change.NextPort, string(auditJSON))
	if err != nil {
		return domain.Route{}, fmt.Errorf("update shipment route %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.Route{}, fmt.Errorf("shipment %s: %w", id, domain.ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `UPDATE routes SET is_active = FALSE WHERE shipment_id = $1 AND is_active`, id); err != nil {
		return domain.Route{}, fmt.Errorf("deactivate routes %s: %w", id, err)
	}

	route, err := scanRoute(tx.QueryRow(ctx, `
        INSERT INTO routes
            (id, shipment_id, route_type, waypoints, next_port, cost_estimate, risk_score, is_active, created_at)
        VALUES
            ($1, $2, $3, $4::jsonb, $5, $6, $7, TRUE, $8)
        RETURNING `+routeColumns,
		uuid.NewString(), id, change.RouteType, string(waypoints), change.NextPort, change.CostEstimate, change.RiskScore, audit.At))
	if err != nil {
		return domain.Route{}, fmt.Errorf("insert route %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Route{}, fmt.Errorf("commit reroute %s: %w", id, err)
	}
	return route, nil
}

func (r *ShipmentRepo) ApplyModeChange(ctx context.Context, id string, mode domain.TransportMode, audit domain.AuditEntry) (domain.TransportMode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin mode change: %w", err)
	}
	defer rollback(ctx, tx)

	var previous string
	if err := tx.QueryRow(ctx, `SELECT mode FROM shipments WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
		return "", notFound("shipment", id, err)
	}

	meta := audit.Metadata().Merge(domain.Metadata{"previous_mode": previous})
	auditJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal audit: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        UPDATE shipments
        SET mode = $2,
            context = context || $3::jsonb,
            updated_at = NOW()
        WHERE id = $1
    `, id, string(mode), string(auditJSON)); err != nil {
		return "", fmt.Errorf("update mode %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit mode change %s: %w", id, err)
	}
	return domain.TransportMode(previous), nil
}

func (r *ShipmentRepo) ApplySchedule(ctx context.Context, id string, delta time.Duration, audit domain.AuditEntry) (time.Time, error) {
	auditJSON, err := json.Marshal(audit.Metadata())
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal audit: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin schedule change: %w", err)
	}
	defer rollback(ctx, tx)

	var eta *time.Time
	if err := tx.QueryRow(ctx, `SELECT estimated_arrival FROM shipments WHERE id = $1 FOR UPDATE`, id).Scan(&eta); err != nil {
		return time.Time{}, notFound("shipment", id, err)
	}
	if eta == nil {
		return time.Time{}, fmt.Errorf("shipment %s has no estimated arrival", id)
	}

	next := eta.Add(delta)
	if _, err := tx.Exec(ctx, `
        UPDATE shipments
        SET estimated_arrival = $2,
            context = context || $3::jsonb,
            updated_at = NOW()
        WHERE id = $1
    `, id, next, string(auditJSON)); err != nil {
		return time.Time{}, fmt.Errorf("update schedule %s: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, fmt.Errorf("commit schedule change %s: %w", id, err)
	}
	return next, nil
}

func (r *ShipmentRepo) Annotate(ctx context.Context, id string, audit domain.AuditEntry) error {
	auditJSON, err := json.Marshal(audit.Metadata())
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	cmd, err := r.pool.Exec(ctx, `
        UPDATE shipments
        SET context = context || $2::jsonb,
            updated_at = NOW()
        WHERE id = $1
    `, id, string(auditJSON))
	if err != nil {
		return fmt.Errorf("annotate shipment %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("shipment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *ShipmentRepo) ActiveRoute(ctx context.Context, id string) (domain.Route, error) {
	route, err := scanRoute(r.pool.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE shipment_id = $1 AND is_active`, id))
	if err != nil {
		return domain.Route{}, notFound("active route for shipment", id, err)
	}
	return route, nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

var _ domain.ShipmentRepository = (*ShipmentRepo)(nil)
