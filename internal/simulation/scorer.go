package simulation

import (
	"fmt"
	"math"
	"sort"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

// Scorer maps a scenario in the context of its risk and shipment to a
// normalised score. Implementations must be pure.
type Scorer interface {
	Name() string
	Score(sc domain.Scenario, r domain.Risk, s domain.Shipment) domain.ScoredScenario
}

const (
	StrategySimple      = "simple"
	StrategyDigitalTwin = "digital_twin"
)

// ScorerByName resolves a configured strategy name.
func ScorerByName(name string) (Scorer, error) {
	switch name {
	case StrategySimple, "":
		return SimpleScorer{}, nil
	case StrategyDigitalTwin:
		return DigitalTwinScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown scoring strategy %q", name)
	}
}

type SimpleScorer struct{}

func (SimpleScorer) Name() string { return StrategySimple }

func (SimpleScorer) Score(sc domain.Scenario, _ domain.Risk, _ domain.Shipment) domain.ScoredScenario {
	timeScore := math.Min(1, sc.TimeSavingsHours/48)
	costScore := math.Max(0, 1-sc.CostImpact/10000)
	rr := riskReduction(sc.ActionType)
	overall := 0.4*timeScore + 0.3*costScore + 0.3*rr

	return domain.ScoredScenario{
		Scenario:       sc,
		TimeScore:      timeScore,
		CostScore:      costScore,
		RiskReduction:  rr,
		Feasibility:    Feasibility(sc),
		OverallScore:   overall,
		Strategy:       StrategySimple,
		Recommendation: Recommendation(overall),
	}
}

// DigitalTwinScorer nets implementation time against savings and weighs
// feasibility into the overall score.
type DigitalTwinScorer struct{}

func (DigitalTwinScorer) Name() string { return StrategyDigitalTwin }

func (DigitalTwinScorer) Score(sc domain.Scenario, r domain.Risk, _ domain.Shipment) domain.ScoredScenario {
	savings := sc.TimeSavingsHours
	switch sc.ActionType {
	case "reroute":
		if r.ExpectedDelayHours != nil {
			savings = math.Min(48, 0.7*(*r.ExpectedDelayHours))
		}
	case "delay":
		savings = -domain.Metadata(sc.Parameters).Float("delay_hours", 12)
	}
	sc.TimeSavingsHours = savings

	net := savings - sc.ImplementationHours
	timeScore := clamp01(1 + net/48)
	costScore := math.Max(0, 1-sc.CostImpact/5000)
	rr := riskReduction(sc.ActionType)
	feasibility := Feasibility(sc)
	overall := clamp01(0.25*costScore + 0.35*timeScore + 0.30*rr + 0.10*feasibility)

	return domain.ScoredScenario{
		Scenario:       sc,
		TimeScore:      timeScore,
		CostScore:      costScore,
		RiskReduction:  rr,
		Feasibility:    feasibility,
		OverallScore:   overall,
		Strategy:       StrategyDigitalTwin,
		Recommendation: Recommendation(overall),
	}
}

// Feasibility combines implementation speed with fixed resource, technical,
// regulatory and complexity factors.
func Feasibility(sc domain.Scenario) float64 {
	timeFactor := math.Max(0, 1-sc.ImplementationHours/24)
	technical := 0.9
	if sc.ActionType == "mode_switch" {
		technical = 0.7
	}
	return 0.3*timeFactor + 0.25*0.8 + 0.2*technical + 0.15*0.7 + 0.1*complexityFactor(sc.Complexity)
}

func complexityFactor(c string) float64 {
	switch c {
	case "low":
		return 0.9
	case "high":
		return 0.4
	default:
		return 0.7
	}
}

func riskReduction(action string) float64 {
	switch action {
	case "reroute":
		return 0.7
	case "expedite_customs", "expedite_leg":
		return 0.6
	case "remote_inspection":
		return 0.8
	default:
		return 0.5
	}
}

func Recommendation(score float64) string {
	switch {
	case score >= 0.8:
		return "Highly recommended"
	case score >= 0.6:
		return "Recommended"
	case score >= 0.4:
		return "Consider with caution"
	default:
		return "Not recommended"
	}
}

// Rank orders by overall score, then cheaper first, then input order, and
// numbers the result from 1.
func Rank(scored []domain.ScoredScenario) []domain.ScoredScenario {
	out := append([]domain.ScoredScenario(nil), scored...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OverallScore != out[j].OverallScore {
			return out[i].OverallScore > out[j].OverallScore
		}
		return out[i].CostImpact < out[j].CostImpact
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
