package detect

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

// Rule inspects one shipment snapshot and returns zero or more findings.
// Rules are independent of each other and of storage.
type Rule interface {
	Name() string
	Check(ctx context.Context, shipment domain.Shipment, now time.Time) ([]domain.Candidate, error)
}

type Detector struct {
	rules  []Rule
	logger *zap.Logger
}

func New(logger *zap.Logger, rules ...Rule) *Detector {
	return &Detector{rules: rules, logger: logger.Named("detector")}
}

// NewDefault wires the four standard rules.
func NewDefault(logger *zap.Logger, congestion CongestionSource) *Detector {
	return New(logger,
		&PortCongestionRule{Source: congestion, Threshold: 0.7, HighAbove: 0.8},
		&CustomsDelayRule{},
		&QualityHoldRule{},
		&ScheduleDeviationRule{MinDelay: 4 * time.Hour, HighAbove: 24 * time.Hour},
	)
}

// Detect returns the union of every rule's findings. A failing rule is
// logged and skipped so the others still report.
func (d *Detector) Detect(ctx context.Context, shipment domain.Shipment, now time.Time) []domain.Candidate {
	var out []domain.Candidate
	for _, rule := range d.rules {
		found, err := rule.Check(ctx, shipment, now)
		if err != nil {
			d.logger.Warn("detector rule failed",
				zap.String("rule", rule.Name()),
				zap.String("shipment_id", shipment.ID),
				zap.Error(err))
			continue
		}
		out = append(out, found...)
	}
	return out
}

type PortCongestionRule struct {
	Source    CongestionSource
	Threshold float64
	HighAbove float64
}

func (r *PortCongestionRule) Name() string { return "port_congestion" }

// Check looks the port up case-insensitively. The description carries the
// shipment's next_port exactly as stored.
func (r *PortCongestionRule) Check(ctx context.Context, s domain.Shipment, _ time.Time) ([]domain.Candidate, error) {
	port := strings.ToUpper(strings.TrimSpace(s.NextPort))
	if port == "" || r.Source == nil {
		return nil, nil
	}
	level, err := r.Source.Level(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("congestion level for %s: %w", port, err)
	}
	if level <= r.Threshold {
		return nil, nil
	}

	severity := domain.SeverityMedium
	if level > r.HighAbove {
		severity = domain.SeverityHigh
	}
	return []domain.Candidate{{
		Type:               domain.RiskPortCongestion,
		Severity:           severity,
		Description:        "Port congestion detected at " + s.NextPort,
		Confidence:         level,
		ExpectedDelayHours: level * 48,
		Source:             r.Name(),
		Metadata:           domain.Metadata{"port": port, "congestion_level": level},
	}}, nil
}

type CustomsDelayRule struct{}

func (CustomsDelayRule) Name() string { return "customs_delay" }

func (r CustomsDelayRule) Check(_ context.Context, s domain.Shipment, _ time.Time) ([]domain.Candidate, error) {
	status := s.Context.CustomsStatus()
	switch status {
	case "delayed", "held", "under_review":
	default:
		return nil, nil
	}
	return []domain.Candidate{{
		Type:               domain.RiskCustomsDelay,
		Severity:           domain.SeverityHigh,
		Description:        "Customs clearance " + status,
		Confidence:         0.85,
		ExpectedDelayHours: 24,
		Source:             r.Name(),
		Metadata:           domain.Metadata{domain.KeyCustomsStatus: status},
	}}, nil
}

type QualityHoldRule struct{}

func (QualityHoldRule) Name() string { return "quality_hold" }

func (r QualityHoldRule) Check(_ context.Context, s domain.Shipment, _ time.Time) ([]domain.Candidate, error) {
	status := s.Context.QualityStatus()
	if status != "hold" && status != "inspection" {
		return nil, nil
	}
	return []domain.Candidate{{
		Type:               domain.RiskQualityHold,
		Severity:           domain.SeverityMedium,
		Description:        "Quality inspection " + status,
		Confidence:         0.9,
		ExpectedDelayHours: 12,
		Source:             r.Name(),
		Metadata:           domain.Metadata{domain.KeyQualityStatus: status},
	}}, nil
}

// ScheduleDeviationRule fires once a shipment runs past its ETA by more than
// MinDelay. The description is bucketed by severity so repeated checks of a
// growing delay deduplicate against the same active risk.
type ScheduleDeviationRule struct {
	MinDelay  time.Duration
	HighAbove time.Duration
}

func (ScheduleDeviationRule) Name() string { return "schedule_deviation" }

func (r ScheduleDeviationRule) Check(_ context.Context, s domain.Shipment, now time.Time) ([]domain.Candidate, error) {
	if s.EstimatedArrival == nil || !now.After(*s.EstimatedArrival) {
		return nil, nil
	}
	delay := now.Sub(*s.EstimatedArrival)
	if delay <= r.MinDelay {
		return nil, nil
	}

	hours := delay.Hours()
	severity, bucket := domain.SeverityMedium, r.MinDelay
	if delay > r.HighAbove {
		severity, bucket = domain.SeverityHigh, r.HighAbove
	}
	return []domain.Candidate{{
		Type:               domain.RiskOther,
		Severity:           severity,
		Description:        fmt.Sprintf("Shipment delayed more than %d hours", int(bucket.Hours())),
		Confidence:         math.Min(0.9, hours/48),
		ExpectedDelayHours: hours,
		Source:             r.Name(),
		Metadata:           domain.Metadata{"delay_hours": math.Round(hours*10) / 10},
	}}, nil
}
