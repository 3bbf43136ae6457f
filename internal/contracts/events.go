package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

type EventType string

const (
	EventShipmentCreated       EventType = "shipment_created"
	EventShipmentUpdated       EventType = "shipment_updated"
	EventShipmentStatusChanged EventType = "shipment_status_changed"
	EventShipmentClosed        EventType = "shipment_closed"

	EventRiskDetected   EventType = "risk_detected"
	EventActionExecuted EventType = "action_executed"
	EventRiskEscalated  EventType = "risk_escalated"
	EventNotification   EventType = "notification"
)

// Topics names the bus topics. Every field is configurable.
type Topics struct {
	Lifecycle      string `mapstructure:"lifecycle"`
	RiskDetected   string `mapstructure:"risk_detected"`
	ActionExecuted string `mapstructure:"action_executed"`
	RiskEscalated  string `mapstructure:"risk_escalated"`
	Notifications  string `mapstructure:"notifications"`
	Dashboard      string `mapstructure:"dashboard"`
}

func DefaultTopics() Topics {
	return Topics{
		Lifecycle:      "shipments.lifecycle",
		RiskDetected:   "risk.detected",
		ActionExecuted: "action.executed",
		RiskEscalated:  "risk.escalated",
		Notifications:  "notifications",
		Dashboard:      "dashboard.updates",
	}
}

func (t Topics) All() []string {
	return []string{t.Lifecycle, t.RiskDetected, t.ActionExecuted, t.RiskEscalated, t.Notifications, t.Dashboard}
}

// ShipmentLifecycleEvent is published by the ingest adapter. Shipment is
// optional; consumers reload from the repository when it is missing.
type ShipmentLifecycleEvent struct {
	Type       EventType             `json:"type"`
	ShipmentID string                `json:"shipment_id"`
	Status     domain.ShipmentStatus `json:"status,omitempty"`
	Shipment   *domain.Shipment      `json:"shipment,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

type RiskDetectedEvent struct {
	Type        EventType       `json:"type"`
	RiskID      string          `json:"risk_id"`
	ShipmentID  string          `json:"shipment_id"`
	RiskType    domain.RiskType `json:"risk_type"`
	Severity    domain.Severity `json:"severity"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	Source      string          `json:"source"`
	DetectedAt  time.Time       `json:"detected_at"`
}

func NewRiskDetected(r domain.Risk) RiskDetectedEvent {
	return RiskDetectedEvent{
		Type:        EventRiskDetected,
		RiskID:      r.ID,
		ShipmentID:  r.ShipmentID,
		RiskType:    r.Type,
		Severity:    r.Severity,
		Description: r.Description,
		Confidence:  r.Confidence,
		Source:      r.Source,
		DetectedAt:  r.DetectedAt,
	}
}

type ActionExecutedEvent struct {
	Type       EventType      `json:"type"`
	ShipmentID string         `json:"shipment_id"`
	RiskID     string         `json:"risk_id,omitempty"`
	ActionType string         `json:"action_type"`
	Success    bool           `json:"success"`
	Detail     map[string]any `json:"detail,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

type RiskEscalatedEvent struct {
	Type        EventType               `json:"type"`
	RiskID      string                  `json:"risk_id"`
	ShipmentID  string                  `json:"shipment_id"`
	RiskType    domain.RiskType         `json:"risk_type"`
	Severity    domain.Severity         `json:"severity"`
	Reason      string                  `json:"reason"`
	Options     []domain.ScoredScenario `json:"options,omitempty"`
	EscalatedAt time.Time               `json:"escalated_at"`
}

type NotificationEvent struct {
	Type        EventType `json:"type"`
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	Stakeholder string    `json:"stakeholder"`
	Recipient   string    `json:"recipient"`
	ShipmentID  string    `json:"shipment_id"`
	RiskID      string    `json:"risk_id,omitempty"`
	ActionTaken string    `json:"action_taken"`
	Subject     string    `json:"subject"`
	Message     string    `json:"message"`
	SentAt      time.Time `json:"sent_at"`
}

func Decode[T any](env domain.Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s message: %w", env.Topic, err)
	}
	return payload, nil
}
