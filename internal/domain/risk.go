package domain

import (
	"strings"
	"time"
)

type RiskType string

const (
	RiskPortCongestion   RiskType = "port_congestion"
	RiskCustomsDelay     RiskType = "customs_delay"
	RiskQualityHold      RiskType = "quality_hold"
	RiskWeatherImpact    RiskType = "weather_impact"
	RiskEquipmentFailure RiskType = "equipment_failure"
	RiskLaborStrike      RiskType = "labor_strike"
	RiskSecurityIssue    RiskType = "security_issue"
	RiskRouteBlockage    RiskType = "route_blockage"
	RiskCapacityShortage RiskType = "capacity_shortage"
	RiskOther            RiskType = "other"
)

var riskTypes = map[RiskType]struct{}{
	RiskPortCongestion: {}, RiskCustomsDelay: {}, RiskQualityHold: {}, RiskWeatherImpact: {},
	RiskEquipmentFailure: {}, RiskLaborStrike: {}, RiskSecurityIssue: {}, RiskRouteBlockage: {},
	RiskCapacityShortage: {}, RiskOther: {},
}

// ParseRiskType normalises a stored or transported risk type. Unknown values
// become RiskOther so detection never fails on partially populated data.
func ParseRiskType(raw string) RiskType {
	t := RiskType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := riskTypes[t]; ok {
		return t
	}
	return RiskOther
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalises a severity string, falling back to SeverityMedium.
func ParseSeverity(raw string) Severity {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s
	default:
		return SeverityMedium
	}
}

type RiskStatus string

const (
	StatusDetected   RiskStatus = "detected"
	StatusAnalyzing  RiskStatus = "analyzing"
	StatusMitigating RiskStatus = "mitigating"
	StatusResolved   RiskStatus = "resolved"
	StatusEscalated  RiskStatus = "escalated"
)

// ParseRiskStatus returns false for anything outside the lifecycle.
func ParseRiskStatus(raw string) (RiskStatus, bool) {
	switch s := RiskStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusDetected, StatusAnalyzing, StatusMitigating, StatusResolved, StatusEscalated:
		return s, true
	default:
		return "", false
	}
}

// Terminal statuses end the automated pipeline. Reopening a risk means
// creating a new one.
func (s RiskStatus) Terminal() bool {
	return s == StatusResolved || s == StatusEscalated
}

func (s RiskStatus) Active() bool { return !s.Terminal() }

var transitions = map[RiskStatus][]RiskStatus{
	StatusDetected:   {StatusAnalyzing},
	StatusAnalyzing:  {StatusMitigating, StatusEscalated},
	StatusMitigating: {StatusResolved, StatusEscalated},
}

func CanTransition(from, to RiskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Candidate is a detector finding that has not been persisted yet.
type Candidate struct {
	Type               RiskType
	Severity           Severity
	Description        string
	Confidence         float64
	ExpectedDelayHours float64
	Source             string
	Metadata           Metadata
}

type Risk struct {
	ID                  string            `json:"id"`
	ShipmentID          string            `json:"shipment_id"`
	Type                RiskType          `json:"type"`
	Severity            Severity          `json:"severity"`
	Status              RiskStatus        `json:"status"`
	Description         string            `json:"description"`
	Confidence          float64           `json:"confidence"`
	DetectedAt          time.Time         `json:"detected_at"`
	ResolvedAt          *time.Time        `json:"resolved_at,omitempty"`
	ExpectedDelayHours  *float64          `json:"expected_delay_hours,omitempty"`
	ExpectedCostImpact  *float64          `json:"expected_cost_impact,omitempty"`
	AffectedParties     []string          `json:"affected_parties,omitempty"`
	ProposedMitigations []ScoredScenario  `json:"proposed_mitigations,omitempty"`
	SelectedMitigation  *ScoredScenario   `json:"selected_mitigation,omitempty"`
	MitigationResult    *MitigationResult `json:"mitigation_result,omitempty"`
	Source              string            `json:"source"`
	Metadata            Metadata          `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Key is the dedup identity of a risk within its shipment.
func (r Risk) Key() string { return string(r.Type) + "|" + r.Description }

// Scenario is a mitigation template instantiated for one risk.
type Scenario struct {
	Name                string         `json:"name"`
	ActionType          string         `json:"action_type"`
	Parameters          map[string]any `json:"parameters"`
	CostImpact          float64        `json:"cost_impact"`
	TimeSavingsHours    float64        `json:"time_savings_hours"`
	ImplementationHours float64        `json:"implementation_hours"`
	Complexity          string         `json:"complexity"`
}

type ScoredScenario struct {
	Scenario
	TimeScore      float64 `json:"time_score"`
	CostScore      float64 `json:"cost_score"`
	RiskReduction  float64 `json:"risk_reduction"`
	Feasibility    float64 `json:"feasibility"`
	OverallScore   float64 `json:"overall_score"`
	Rank           int     `json:"rank"`
	Strategy       string  `json:"strategy"`
	Recommendation string  `json:"recommendation,omitempty"`
}

// Confidence is the decision gate value. It is the overall score by contract.
func (s ScoredScenario) Confidence() float64 { return s.OverallScore }

const (
	MitigationCompleted = "completed"
	MitigationFailed    = "failed"
)

type MitigationResult struct {
	Status     string         `json:"status"`
	ActionType string         `json:"action_type"`
	Detail     map[string]any `json:"detail,omitempty"`
	Error      string         `json:"error,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// MitigationPatch updates the mitigation payloads of a risk. Nil fields are
// left as they are.
type MitigationPatch struct {
	Proposed []ScoredScenario
	Selected *ScoredScenario
	Result   *MitigationResult
}
