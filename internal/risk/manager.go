package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/detect"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

type Options struct {
	// Cooldown suppresses re-creating a risk whose key was closed within the
	// window. Zero disables it.
	Cooldown          time.Duration
	RiskDetectedTopic string
	Now               func() time.Time
}

// Manager owns the risk lifecycle: dedup on record, the status state
// machine, mitigation payloads and the shipment rollup.
type Manager struct {
	shipments domain.ShipmentRepository
	risks     domain.RiskRepository
	detector  *detect.Detector
	bus       domain.EventBus
	logger    *zap.Logger
	opts      Options
}

func NewManager(shipments domain.ShipmentRepository, risks domain.RiskRepository, detector *detect.Detector, bus domain.EventBus, logger *zap.Logger, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RiskDetectedTopic == "" {
		opts.RiskDetectedTopic = contracts.DefaultTopics().RiskDetected
	}
	return &Manager{
		shipments: shipments,
		risks:     risks,
		detector:  detector,
		bus:       bus,
		logger:    logger.Named("risk_manager"),
		opts:      opts,
	}
}

// Assess runs detection for one shipment, records new risks and refreshes
// the rollup. It returns only the risks created by this call.
func (m *Manager) Assess(ctx context.Context, shipmentID string) ([]domain.Risk, error) {
	shipment, err := m.shipments.Get(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("load shipment: %w", err)
	}

	candidates := m.detector.Detect(ctx, shipment, m.opts.Now())
	created, recordErr := m.Record(ctx, shipment, candidates)

	if _, err := m.Rollup(ctx, shipmentID); err != nil {
		return created, errors.Join(recordErr, err)
	}
	return created, recordErr
}

// Record persists candidates that do not match an active risk. Losing the
// insert race to another loop is not an error.
func (m *Manager) Record(ctx context.Context, shipment domain.Shipment, candidates []domain.Candidate) ([]domain.Risk, error) {
	var (
		created []domain.Risk
		errs    []error
	)
	for _, c := range candidates {
		r, err := m.recordOne(ctx, shipment, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if r == nil {
			continue
		}
		created = append(created, *r)

		if err := m.bus.Publish(ctx, m.opts.RiskDetectedTopic, r.ShipmentID, contracts.NewRiskDetected(*r)); err != nil {
			m.logger.Warn("publish risk detected failed", zap.String("risk_id", r.ID), zap.Error(err))
		}
	}
	return created, errors.Join(errs...)
}

func (m *Manager) recordOne(ctx context.Context, shipment domain.Shipment, c domain.Candidate) (*domain.Risk, error) {
	existing, err := m.risks.FindActiveByTypeAndDescription(ctx, shipment.ID, c.Type, c.Description)
	if err != nil {
		return nil, fmt.Errorf("find active risk: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	now := m.opts.Now()
	if m.opts.Cooldown > 0 {
		closed, err := m.risks.FindRecentlyClosed(ctx, shipment.ID, c.Type, c.Description, now.Add(-m.opts.Cooldown))
		if err != nil {
			return nil, fmt.Errorf("check risk cooldown: %w", err)
		}
		if closed != nil {
			m.logger.Debug("risk in cooldown",
				zap.String("shipment_id", shipment.ID),
				zap.String("type", string(c.Type)),
				zap.String("closed_risk_id", closed.ID))
			return nil, nil
		}
	}

	delay := c.ExpectedDelayHours
	inserted, err := m.risks.Insert(ctx, domain.Risk{
		ShipmentID:         shipment.ID,
		Type:               c.Type,
		Severity:           c.Severity,
		Status:             domain.StatusDetected,
		Description:        c.Description,
		Confidence:         c.Confidence,
		DetectedAt:         now,
		ExpectedDelayHours: &delay,
		AffectedParties:    parties(shipment),
		Source:             c.Source,
		Metadata:           c.Metadata.Clone(),
	})
	if errors.Is(err, domain.ErrDuplicateActiveRisk) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert risk: %w", err)
	}

	m.logger.Info("risk detected",
		zap.String("risk_id", inserted.ID),
		zap.String("shipment_id", shipment.ID),
		zap.String("type", string(inserted.Type)),
		zap.String("severity", string(inserted.Severity)),
		zap.Float64("confidence", inserted.Confidence))
	return &inserted, nil
}

// Rollup recomputes the shipment aggregate from its risks and writes it.
func (m *Manager) Rollup(ctx context.Context, shipmentID string) (domain.Rollup, error) {
	risks, err := m.risks.ListByShipment(ctx, shipmentID)
	if err != nil {
		return domain.Rollup{}, fmt.Errorf("list risks: %w", err)
	}

	out := domain.Rollup{ShipmentID: shipmentID, CheckedAt: m.opts.Now()}
	for _, r := range risks {
		if r.Status.Terminal() {
			continue
		}
		out.Active++
		out.RiskScore = math.Max(out.RiskScore, r.Confidence)
		if r.Status == domain.StatusDetected {
			out.IsAtRisk = true
		}
	}

	if err := m.shipments.UpdateRiskRollup(ctx, shipmentID, out.RiskScore, out.IsAtRisk, out.CheckedAt); err != nil {
		return domain.Rollup{}, fmt.Errorf("update rollup: %w", err)
	}
	return out, nil
}

// Transition moves a risk along the state machine. Illegal moves and lost
// races both come back as *domain.TransitionError and leave storage as is.
func (m *Manager) Transition(ctx context.Context, riskID string, to domain.RiskStatus) (domain.Risk, error) {
	r, err := m.risks.Get(ctx, riskID)
	if err != nil {
		return domain.Risk{}, fmt.Errorf("load risk: %w", err)
	}
	if !domain.CanTransition(r.Status, to) {
		return r, &domain.TransitionError{RiskID: riskID, From: r.Status, To: to, Err: domain.ErrIllegalTransition}
	}

	at := m.opts.Now()
	if err := m.risks.UpdateStatus(ctx, riskID, r.Status, to, at); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			return r, &domain.TransitionError{RiskID: riskID, From: r.Status, To: to, Err: domain.ErrStaleTransition}
		}
		return r, fmt.Errorf("update risk status: %w", err)
	}

	m.logger.Info("risk transitioned",
		zap.String("risk_id", riskID),
		zap.String("from", string(r.Status)),
		zap.String("to", string(to)))

	r.Status = to
	r.UpdatedAt = at
	if to == domain.StatusResolved {
		r.ResolvedAt = &at
	}
	return r, nil
}

// ApplyMitigationResult stores the outcome and resolves the risk only when
// the action completed.
func (m *Manager) ApplyMitigationResult(ctx context.Context, riskID string, result domain.MitigationResult) (domain.Risk, error) {
	if result.RecordedAt.IsZero() {
		result.RecordedAt = m.opts.Now()
	}
	if err := m.risks.UpdateMitigation(ctx, riskID, domain.MitigationPatch{Result: &result}); err != nil {
		return domain.Risk{}, fmt.Errorf("record mitigation result: %w", err)
	}
	if result.Status != domain.MitigationCompleted {
		return m.risks.Get(ctx, riskID)
	}
	return m.Transition(ctx, riskID, domain.StatusResolved)
}

func (m *Manager) ProposeMitigations(ctx context.Context, riskID string, ranked []domain.ScoredScenario) error {
	if ranked == nil {
		ranked = []domain.ScoredScenario{}
	}
	if err := m.risks.UpdateMitigation(ctx, riskID, domain.MitigationPatch{Proposed: ranked}); err != nil {
		return fmt.Errorf("record proposed mitigations: %w", err)
	}
	return nil
}

func (m *Manager) SelectMitigation(ctx context.Context, riskID string, scenario domain.ScoredScenario) error {
	if err := m.risks.UpdateMitigation(ctx, riskID, domain.MitigationPatch{Selected: &scenario}); err != nil {
		return fmt.Errorf("record selected mitigation: %w", err)
	}
	return nil
}

// Pending lists the shipment's risks still waiting in detected.
func (m *Manager) Pending(ctx context.Context, shipmentID string) ([]domain.Risk, error) {
	risks, err := m.risks.ListByShipment(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list risks: %w", err)
	}
	out := risks[:0]
	for _, r := range risks {
		if r.Status == domain.StatusDetected {
			out = append(out, r)
		}
	}
	return out, nil
}

// Stalled lists the shipment's risks still in analyzing or mitigating whose
// last update is before cutoff.
func (m *Manager) Stalled(ctx context.Context, shipmentID string, cutoff time.Time) ([]domain.Risk, error) {
	risks, err := m.risks.ListByShipment(ctx, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list risks: %w", err)
	}
	var out []domain.Risk
	for _, r := range risks {
		if (r.Status == domain.StatusAnalyzing || r.Status == domain.StatusMitigating) && r.UpdatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) Get(ctx context.Context, riskID string) (domain.Risk, error) {
	return m.risks.Get(ctx, riskID)
}

func parties(s domain.Shipment) []string {
	var out []string
	for _, p := range []string{s.Shipper, s.Consignee, s.Carrier, s.CustomsBroker} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
