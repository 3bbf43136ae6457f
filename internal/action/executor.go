package action

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

type Request struct {
	ShipmentID string
	RiskID     string
	ActionType string
	Parameters map[string]any
	Reason     string
	Reasoning  string
}

type Result struct {
	Success    bool           `json:"success"`
	ActionType string         `json:"action_type"`
	Detail     map[string]any `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// MitigationResult converts an execution result into the record kept on
// the risk.
func (r Result) MitigationResult() domain.MitigationResult {
	status := domain.MitigationCompleted
	if !r.Success {
		status = domain.MitigationFailed
	}
	return domain.MitigationResult{
		Status:     status,
		ActionType: r.ActionType,
		Detail:     r.Detail,
		Error:      r.Error,
		RecordedAt: r.ExecutedAt,
	}
}

type Options struct {
	ActionExecutedTopic string
	Now                 func() time.Time
}

// Executor applies a mitigation to a shipment. Every mutation goes through
// a repository call that also writes the audit entry, so no action lands
// without a record of when and why it was taken.
type Executor struct {
	shipments domain.ShipmentRepository
	bus       domain.EventBus
	logger    *zap.Logger
	opts      Options
}

func NewExecutor(shipments domain.ShipmentRepository, bus domain.EventBus, logger *zap.Logger, opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.ActionExecutedTopic == "" {
		opts.ActionExecutedTopic = contracts.DefaultTopics().ActionExecuted
	}
	return &Executor{shipments: shipments, bus: bus, logger: logger.Named("executor"), opts: opts}
}

func (e *Executor) Execute(ctx context.Context, req Request) Result {
	now := e.opts.Now()
	audit := domain.AuditEntry{
		Action:    req.ActionType,
		RiskID:    req.RiskID,
		Reason:    req.Reason,
		Reasoning: req.Reasoning,
		At:        now,
	}

	var (
		detail map[string]any
		err    error
	)
	switch req.ActionType {
	case "reroute":
		detail, err = e.reroute(ctx, req, audit)
	case "mode_switch":
		detail, err = e.modeSwitch(ctx, req, audit)
	case "expedite_customs":
		detail, err = e.expediteCustoms(ctx, req, audit)
	case "delay":
		detail, err = e.delay(ctx, req, audit)
	default:
		e.logger.Warn("no execution binding for action, recording as no-op",
			zap.String("action_type", req.ActionType),
			zap.String("shipment_id", req.ShipmentID),
			zap.String("risk_id", req.RiskID))
		audit.Extra = domain.Metadata{"action_parameters": req.Parameters}
		err = e.shipments.Annotate(ctx, req.ShipmentID, audit)
		detail = map[string]any{"executed": "noop"}
	}

	if err != nil {
		e.logger.Error("action failed",
			zap.String("action_type", req.ActionType),
			zap.String("shipment_id", req.ShipmentID),
			zap.String("risk_id", req.RiskID),
			zap.Error(err))
		return Result{ActionType: req.ActionType, Error: err.Error(), ExecutedAt: now}
	}

	result := Result{Success: true, ActionType: req.ActionType, Detail: detail, ExecutedAt: now}
	evt := contracts.ActionExecutedEvent{
		Type:       contracts.EventActionExecuted,
		ShipmentID: req.ShipmentID,
		RiskID:     req.RiskID,
		ActionType: req.ActionType,
		Success:    true,
		Detail:     detail,
		ExecutedAt: now,
	}
	if err := e.bus.Publish(ctx, e.opts.ActionExecutedTopic, req.ShipmentID, evt); err != nil {
		e.logger.Warn("publish action executed failed", zap.String("shipment_id", req.ShipmentID), zap.Error(err))
	}

	e.logger.Info("action executed",
		zap.String("action_type", req.ActionType),
		zap.String("shipment_id", req.ShipmentID),
		zap.String("risk_id", req.RiskID))
	return result
}

func (e *Executor) reroute(ctx context.Context, req Request, audit domain.AuditEntry) (map[string]any, error) {
	port, _ := req.Parameters["alternative_port"].(string)
	change := domain.RouteChange{
		RouteType:    "alternative",
		Waypoints:    stringsParam(req.Parameters, "waypoints"),
		NextPort:     port,
		CostEstimate: domain.Metadata(req.Parameters).Float("cost_estimate", 0),
		RiskScore:    domain.Metadata(req.Parameters).Float("risk_score", 0.5),
	}
	audit.Extra = domain.Metadata{
		"rerouted_at":    audit.At.UTC().Format(time.RFC3339),
		"reroute_reason": req.Reason,
	}
	route, err := e.shipments.ApplyRouteChange(ctx, req.ShipmentID, change, audit)
	if err != nil {
		return nil, fmt.Errorf("reroute: %w", err)
	}
	return map[string]any{"route_id": route.ID, "new_port": port}, nil
}

func (e *Executor) modeSwitch(ctx context.Context, req Request, audit domain.AuditEntry) (map[string]any, error) {
	raw, _ := req.Parameters["new_mode"].(string)
	if raw == "" {
		return nil, errors.New("mode_switch: new_mode is required")
	}
	mode, err := domain.ParseTransportMode(raw)
	if err != nil {
		return nil, fmt.Errorf("mode_switch: %w", err)
	}
	audit.Extra = domain.Metadata{"mode_switched_at": audit.At.UTC().Format(time.RFC3339)}
	previous, err := e.shipments.ApplyModeChange(ctx, req.ShipmentID, mode, audit)
	if err != nil {
		return nil, fmt.Errorf("mode_switch: %w", err)
	}
	return map[string]any{"old_mode": string(previous), "new_mode": string(mode)}, nil
}

func (e *Executor) expediteCustoms(ctx context.Context, req Request, audit domain.AuditEntry) (map[string]any, error) {
	level, _ := req.Parameters["service_level"].(string)
	if level == "" {
		level = "premium"
	}
	clearance := audit.At.Add(4 * time.Hour)
	audit.Extra = domain.Metadata{
		domain.KeyCustomsStatus:       "expedited",
		"customs_expedited_at":        audit.At.UTC().Format(time.RFC3339),
		"customs_service_level":       level,
		"customs_estimated_clearance": clearance.UTC().Format(time.RFC3339),
	}
	if err := e.shipments.Annotate(ctx, req.ShipmentID, audit); err != nil {
		return nil, fmt.Errorf("expedite_customs: %w", err)
	}
	return map[string]any{"service_level": level, "estimated_clearance_hours": 4}, nil
}

func (e *Executor) delay(ctx context.Context, req Request, audit domain.AuditEntry) (map[string]any, error) {
	hours := domain.Metadata(req.Parameters).Float("delay_hours", 12)
	reason, _ := req.Parameters["reason"].(string)
	audit.Extra = domain.Metadata{
		"schedule_adjusted_at": audit.At.UTC().Format(time.RFC3339),
		"adjustment_reason":    reason,
		"delay_hours":          hours,
	}
	delta := time.Duration(math.Round(hours * float64(time.Hour)))
	eta, err := e.shipments.ApplySchedule(ctx, req.ShipmentID, delta, audit)
	if err != nil {
		return nil, fmt.Errorf("delay: %w", err)
	}
	return map[string]any{"delay_hours": hours, "new_eta": eta.UTC().Format(time.RFC3339)}, nil
}

func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
