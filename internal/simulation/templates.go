package simulation

import (
	"strings"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

var alternativePorts = map[string]string{
	"CNSHA": "CNNGB",
	"USLAX": "USLGB",
	"NLRTM": "BEANR",
	"SGSIN": "MYPKG",
}

// AlternativePort returns the diversion port for a congested one.
func AlternativePort(port string) string {
	if alt, ok := alternativePorts[strings.ToUpper(strings.TrimSpace(port))]; ok {
		return alt
	}
	return "ALT001"
}

// Templates instantiates the mitigation menu for a risk type. Order matters:
// it is the final ranking tie-break.
func Templates(r domain.Risk, s domain.Shipment) []domain.Scenario {
	switch r.Type {
	case domain.RiskPortCongestion:
		return []domain.Scenario{
			{
				Name:                "Alternative Port",
				ActionType:          "reroute",
				Parameters:          map[string]any{"alternative_port": AlternativePort(s.NextPort)},
				CostImpact:          5000,
				TimeSavingsHours:    24,
				ImplementationHours: 4,
				Complexity:          "medium",
			},
			{
				Name:                "Schedule Adjustment",
				ActionType:          "delay",
				Parameters:          map[string]any{"delay_hours": 12.0, "reason": "Avoid peak congestion"},
				CostImpact:          1000,
				TimeSavingsHours:    0,
				ImplementationHours: 2,
				Complexity:          "low",
			},
		}
	case domain.RiskCustomsDelay:
		return []domain.Scenario{
			{
				Name:                "Expedited Clearance",
				ActionType:          "expedite_customs",
				Parameters:          map[string]any{"service_level": "premium"},
				CostImpact:          2500,
				TimeSavingsHours:    20,
				ImplementationHours: 1,
				Complexity:          "low",
			},
			{
				Name:                "Additional Documentation",
				ActionType:          "submit_documents",
				Parameters:          map[string]any{"document_types": []string{"certificate_of_origin", "commercial_invoice", "packing_list"}},
				CostImpact:          500,
				TimeSavingsHours:    12,
				ImplementationHours: 6,
				Complexity:          "medium",
			},
		}
	case domain.RiskQualityHold:
		return []domain.Scenario{
			{
				Name:                "Remote Inspection",
				ActionType:          "remote_inspection",
				Parameters:          map[string]any{"inspection_type": "video"},
				CostImpact:          1500,
				TimeSavingsHours:    18,
				ImplementationHours: 2,
				Complexity:          "low",
			},
			{
				Name:                "Alternative Batch",
				ActionType:          "source_alternative",
				Parameters:          map[string]any{"source_location": "nearest_warehouse"},
				CostImpact:          3000,
				TimeSavingsHours:    24,
				ImplementationHours: 12,
				Complexity:          "high",
			},
		}
	default:
		return []domain.Scenario{{
			Name:                "Expedite Leg",
			ActionType:          "expedite_leg",
			Parameters:          map[string]any{},
			CostImpact:          1500,
			TimeSavingsHours:    12,
			ImplementationHours: 4,
			Complexity:          "medium",
		}}
	}
}

// RouteTemplates is the menu for route optimisation runs: divert at the
// next port or move the cargo to air.
func RouteTemplates(s domain.Shipment) []domain.Scenario {
	out := []domain.Scenario{{
		Name:                "Alternative Port",
		ActionType:          "reroute",
		Parameters:          map[string]any{"alternative_port": AlternativePort(s.NextPort)},
		CostImpact:          5000,
		TimeSavingsHours:    24,
		ImplementationHours: 4,
		Complexity:          "medium",
	}}
	if s.Mode != domain.ModeAir {
		out = append(out, domain.Scenario{
			Name:                "Air Freight Upgrade",
			ActionType:          "mode_switch",
			Parameters:          map[string]any{"new_mode": string(domain.ModeAir)},
			CostImpact:          8000,
			TimeSavingsHours:    36,
			ImplementationHours: 8,
			Complexity:          "high",
		})
	}
	return out
}
