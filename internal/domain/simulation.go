package domain

import (
	"strings"
	"time"
)

type SimulationType string

const (
	SimulationMitigation        SimulationType = "mitigation_analysis"
	SimulationRouteOptimization SimulationType = "route_optimization"
	SimulationWhatIf            SimulationType = "what_if_scenario"
	SimulationCostBenefit       SimulationType = "cost_benefit"
)

func ParseSimulationType(raw string) SimulationType {
	switch t := SimulationType(strings.ToLower(strings.TrimSpace(raw))); t {
	case SimulationMitigation, SimulationRouteOptimization, SimulationWhatIf, SimulationCostBenefit:
		return t
	default:
		return SimulationMitigation
	}
}

type SimulationStatus string

const (
	SimulationPending   SimulationStatus = "pending"
	SimulationRunning   SimulationStatus = "running"
	SimulationCompleted SimulationStatus = "completed"
	SimulationFailed    SimulationStatus = "failed"
)

func (s SimulationStatus) Terminal() bool {
	return s == SimulationCompleted || s == SimulationFailed
}

type Simulation struct {
	ID              string           `json:"id"`
	ShipmentID      string           `json:"shipment_id"`
	RiskID          string           `json:"risk_id,omitempty"`
	Type            SimulationType   `json:"type"`
	Status          SimulationStatus `json:"status"`
	Strategy        string           `json:"strategy"`
	Parameters      map[string]any   `json:"parameters"`
	Results         []ScoredScenario `json:"results,omitempty"`
	BestOption      *ScoredScenario  `json:"best_option,omitempty"`
	ConfidenceScore float64          `json:"confidence_score"`
	InitiatedBy     string           `json:"initiated_by"`
	Error           string           `json:"error,omitempty"`
	ExecutionTime   time.Duration    `json:"execution_time"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// SimulationOutcome is the final write for a simulation record.
type SimulationOutcome struct {
	Status        SimulationStatus
	Results       []ScoredScenario
	BestOption    *ScoredScenario
	Confidence    float64
	ExecutionTime time.Duration
	Error         string
}
