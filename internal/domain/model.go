package domain

import (
	"fmt"
	"strings"
	"time"
)

type ShipmentStatus string

const (
	ShipmentPending   ShipmentStatus = "pending"
	ShipmentInTransit ShipmentStatus = "in_transit"
	ShipmentDelayed   ShipmentStatus = "delayed"
	ShipmentArrived   ShipmentStatus = "arrived"
	ShipmentCancelled ShipmentStatus = "cancelled"
	ShipmentDiverted  ShipmentStatus = "diverted"
)

func ParseShipmentStatus(raw string) (ShipmentStatus, bool) {
	switch s := ShipmentStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case ShipmentPending, ShipmentInTransit, ShipmentDelayed, ShipmentArrived, ShipmentCancelled, ShipmentDiverted:
		return s, true
	default:
		return "", false
	}
}

// Monitorable reports whether a shipment in this status can still be acted on.
func (s ShipmentStatus) Monitorable() bool {
	switch s {
	case ShipmentPending, ShipmentInTransit, ShipmentDelayed:
		return true
	default:
		return false
	}
}

type TransportMode string

const (
	ModeAir        TransportMode = "air"
	ModeSea        TransportMode = "sea"
	ModeLand       TransportMode = "land"
	ModeRail       TransportMode = "rail"
	ModeMultimodal TransportMode = "multimodal"
)

func ParseTransportMode(raw string) (TransportMode, error) {
	switch m := TransportMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeAir, ModeSea, ModeLand, ModeRail, ModeMultimodal:
		return m, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", raw)
	}
}

// Recognised shipment context keys. Anything else in Metadata is carried
// opaquely for audit purposes.
const (
	KeyCustomsStatus = "customs_status"
	KeyQualityStatus = "quality_status"

	KeyLastAction          = "last_action"
	KeyLastActionAt        = "last_action_at"
	KeyLastActionReason    = "last_action_reason"
	KeyLastActionReasoning = "last_action_reasoning"
	KeyLastActionRiskID    = "last_action_risk_id"
)

// Metadata is the free-form key-value bag stored on shipments and risks.
type Metadata map[string]any

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float reads a numeric value, returning fallback when the key is absent or
// not a number.
func (m Metadata) Float(key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

func (m Metadata) CustomsStatus() string { return strings.ToLower(m.String(KeyCustomsStatus)) }
func (m Metadata) QualityStatus() string { return strings.ToLower(m.String(KeyQualityStatus)) }

func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with every key of other laid over it.
func (m Metadata) Merge(other Metadata) Metadata {
	out := m.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

type Shipment struct {
	ID                 string         `json:"id"`
	TrackingNumber     string         `json:"tracking_number"`
	Origin             string         `json:"origin"`
	Destination        string         `json:"destination"`
	CurrentLocation    string         `json:"current_location,omitempty"`
	CurrentPort        string         `json:"current_port,omitempty"`
	NextPort           string         `json:"next_port,omitempty"`
	Status             ShipmentStatus `json:"status"`
	Mode               TransportMode  `json:"mode"`
	EstimatedDeparture *time.Time     `json:"estimated_departure,omitempty"`
	EstimatedArrival   *time.Time     `json:"estimated_arrival,omitempty"`
	ActualDeparture    *time.Time     `json:"actual_departure,omitempty"`
	ActualArrival      *time.Time     `json:"actual_arrival,omitempty"`
	Shipper            string         `json:"shipper,omitempty"`
	Carrier            string         `json:"carrier,omitempty"`
	Consignee          string         `json:"consignee,omitempty"`
	CustomsBroker      string         `json:"customs_broker,omitempty"`
	IsAtRisk           bool           `json:"is_at_risk"`
	RiskScore          float64        `json:"risk_score"`
	LastRiskCheck      *time.Time     `json:"last_risk_check,omitempty"`
	Context            Metadata       `json:"context"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type Route struct {
	ID           string    `json:"id"`
	ShipmentID   string    `json:"shipment_id"`
	RouteType    string    `json:"route_type"`
	Waypoints    []string  `json:"waypoints"`
	NextPort     string    `json:"next_port,omitempty"`
	CostEstimate float64   `json:"cost_estimate"`
	RiskScore    float64   `json:"risk_score"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// RouteChange describes a reroute. An empty NextPort leaves the shipment's
// next port untouched.
type RouteChange struct {
	RouteType    string
	Waypoints    []string
	NextPort     string
	CostEstimate float64
	RiskScore    float64
}

// AuditEntry is written into shipment metadata alongside every mutation the
// control tower performs.
type AuditEntry struct {
	Action    string
	RiskID    string
	Reason    string
	Reasoning string
	At        time.Time
	Extra     Metadata
}

func (a AuditEntry) Metadata() Metadata {
	out := Metadata{
		KeyLastAction:          a.Action,
		KeyLastActionAt:        a.At.UTC().Format(time.RFC3339),
		KeyLastActionReason:    a.Reason,
		KeyLastActionReasoning: a.Reasoning,
	}
	if a.RiskID != "" {
		out[KeyLastActionRiskID] = a.RiskID
	}
	for k, v := range a.Extra {
		out[k] = v
	}
	return out
}

// Rollup is the shipment-level aggregate derived from its risks.
type Rollup struct {
	ShipmentID string    `json:"shipment_id"`
	RiskScore  float64   `json:"risk_score"`
	IsAtRisk   bool      `json:"is_at_risk"`
	CheckedAt  time.Time `json:"checked_at"`
	Active     int       `json:"active_risks"`
}
