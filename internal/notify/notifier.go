// Package notify fans action outcomes out to the parties of a shipment and
// alerts the operations team on escalation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
)

const (
	RoleShipper       = "shipper"
	RoleConsignee     = "consignee"
	RoleCarrier       = "carrier"
	RoleCustomsBroker = "customs_broker"
	RoleOperations    = "operations"
)

// DefaultPreferences lists each role's channels in the order they are tried.
func DefaultPreferences() map[string][]string {
	return map[string][]string{
		RoleShipper:       {"email", "dashboard"},
		RoleConsignee:     {"email", "sms"},
		RoleCarrier:       {"api", "email"},
		RoleCustomsBroker: {"email", "portal"},
	}
}

type Stakeholder struct {
	Role     string   `json:"role"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
}

type Message struct {
	Stakeholder Stakeholder
	ShipmentID  string
	RiskID      string
	ActionTaken string
	Subject     string
	Body        string
}

// Sender delivers one message over one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) error
}

type DeliveryReport struct {
	Successful           int      `json:"successful"`
	Total                int      `json:"total"`
	StakeholdersNotified int      `json:"stakeholders_notified"`
	Failures             []string `json:"failures,omitempty"`
}

type Options struct {
	Preferences map[string][]string
	// RatePerSecond throttles sends across all channels. Zero disables it.
	RatePerSecond float64
	Burst         int
	// OperationsChannel carries escalation notices to the operations team.
	OperationsChannel string
}

type Notifier struct {
	shipments domain.ShipmentRepository
	senders   map[string]Sender
	limiter   *rate.Limiter
	logger    *zap.Logger
	opts      Options
}

func New(shipments domain.ShipmentRepository, senders []Sender, logger *zap.Logger, opts Options) *Notifier {
	if opts.Preferences == nil {
		opts.Preferences = DefaultPreferences()
	}
	if opts.OperationsChannel == "" {
		opts.OperationsChannel = "dashboard"
	}
	n := &Notifier{
		shipments: shipments,
		senders:   make(map[string]Sender, len(senders)),
		logger:    logger.Named("notifier"),
		opts:      opts,
	}
	for _, s := range senders {
		n.senders[s.Channel()] = s
	}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return n
}

// Stakeholders derives the notification directory from the shipment's parties.
func (n *Notifier) Stakeholders(s domain.Shipment) []Stakeholder {
	parties := []struct{ role, name string }{
		{RoleShipper, s.Shipper},
		{RoleConsignee, s.Consignee},
		{RoleCarrier, s.Carrier},
		{RoleCustomsBroker, s.CustomsBroker},
	}
	var out []Stakeholder
	for _, p := range parties {
		if strings.TrimSpace(p.name) == "" {
			continue
		}
		out = append(out, Stakeholder{Role: p.role, Name: p.name, Channels: n.opts.Preferences[p.role]})
	}
	return out
}

// Notify sends one message per stakeholder in parallel. A stakeholder counts
// as reached once any of its channels accepts the message.
func (n *Notifier) Notify(ctx context.Context, shipmentID, riskID, actionTaken string, result domain.MitigationResult) (DeliveryReport, error) {
	shipment, err := n.shipments.Get(ctx, shipmentID)
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("load shipment: %w", err)
	}
	stakeholders := n.Stakeholders(shipment)
	subject, body := compose(actionTaken, shipment, result)

	var (
		mu     sync.Mutex
		report = DeliveryReport{Total: len(stakeholders), StakeholdersNotified: len(stakeholders)}
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, sh := range stakeholders {
		g.Go(func() error {
			msg := Message{
				Stakeholder: sh,
				ShipmentID:  shipmentID,
				RiskID:      riskID,
				ActionTaken: actionTaken,
				Subject:     subject,
				Body:        fmt.Sprintf("Dear %s (%s),\n\n%s", sh.Name, sh.Role, body),
			}
			err := n.deliver(gctx, msg)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, fmt.Sprintf("%s: %v", sh.Role, err))
				return nil
			}
			report.Successful++
			return nil
		})
	}
	_ = g.Wait()

	n.logger.Info("stakeholders notified",
		zap.String("shipment_id", shipmentID),
		zap.String("risk_id", riskID),
		zap.String("action", actionTaken),
		zap.Int("successful", report.Successful),
		zap.Int("total", report.Total))

	if report.Total > 0 && report.Successful == 0 {
		return report, errors.New("no stakeholder could be reached")
	}
	return report, nil
}

// NotifyOperations sends an escalation notice to the operations team.
func (n *Notifier) NotifyOperations(ctx context.Context, shipmentID, riskID, subject, body string) error {
	return n.deliver(ctx, Message{
		Stakeholder: Stakeholder{Role: RoleOperations, Name: "Operations", Channels: []string{n.opts.OperationsChannel}},
		ShipmentID:  shipmentID,
		RiskID:      riskID,
		ActionTaken: "escalation",
		Subject:     subject,
		Body:        body,
	})
}

func (n *Notifier) deliver(ctx context.Context, msg Message) error {
	var errs []error
	for _, channel := range msg.Stakeholder.Channels {
		sender, ok := n.senders[channel]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: no sender", channel))
			continue
		}
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limit: %w", err)
			}
		}
		if err := sender.Send(ctx, msg); err != nil {
			n.logger.Debug("channel send failed",
				zap.String("channel", channel),
				zap.String("role", msg.Stakeholder.Role),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", channel, err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no channels configured")
	}
	return errors.Join(errs...)
}

func compose(actionTaken string, s domain.Shipment, result domain.MitigationResult) (string, string) {
	ref := s.TrackingNumber
	if ref == "" {
		ref = s.ID
	}
	if result.Status == domain.MitigationFailed {
		return "Action failed: " + actionTaken,
			fmt.Sprintf("An autonomous %s for shipment %s could not be completed and has been escalated for review. Error: %s", actionTaken, ref, result.Error)
	}
	switch actionTaken {
	case "reroute":
		return "Shipment rerouted",
			fmt.Sprintf("Shipment %s has been rerouted via %v to avoid delays. You can track the updated route in your dashboard.", ref, result.Detail["new_port"])
	case "mode_switch":
		return "Transport mode changed",
			fmt.Sprintf("Shipment %s switched from %v to %v to ensure timely delivery.", ref, result.Detail["old_mode"], result.Detail["new_mode"])
	case "expedite_customs":
		return "Customs clearance expedited",
			fmt.Sprintf("Expedited customs clearance (%v) was requested for shipment %s. Estimated clearance within 4 hours.", result.Detail["service_level"], ref)
	case "delay":
		return "Schedule adjusted",
			fmt.Sprintf("The schedule of shipment %s was adjusted by %v hours to avoid peak congestion. New ETA: %v.", ref, result.Detail["delay_hours"], result.Detail["new_eta"])
	default:
		return "Action taken: " + actionTaken,
			fmt.Sprintf("The control tower executed %s on shipment %s.", actionTaken, ref)
	}
}

// BusSender hands messages to the delivery workers through the
// notifications topic, one event per channel.
type BusSender struct {
	channel string
	bus     domain.EventBus
	topic   string
}

func NewBusSender(bus domain.EventBus, topic, channel string) *BusSender {
	return &BusSender{channel: channel, bus: bus, topic: topic}
}

// BusSenders builds one BusSender per channel named in prefs plus extra.
func BusSenders(bus domain.EventBus, topic string, prefs map[string][]string, extra ...string) []Sender {
	seen := make(map[string]bool)
	var out []Sender
	add := func(ch string) {
		if ch != "" && !seen[ch] {
			seen[ch] = true
			out = append(out, NewBusSender(bus, topic, ch))
		}
	}
	for _, channels := range prefs {
		for _, ch := range channels {
			add(ch)
		}
	}
	for _, ch := range extra {
		add(ch)
	}
	return out
}

func (s *BusSender) Channel() string { return s.channel }

func (s *BusSender) Send(ctx context.Context, msg Message) error {
	return s.bus.Publish(ctx, s.topic, msg.ShipmentID, contracts.NotificationEvent{
		Type:        contracts.EventNotification,
		ID:          uuid.NewString(),
		Channel:     s.channel,
		Stakeholder: msg.Stakeholder.Role,
		Recipient:   msg.Stakeholder.Name,
		ShipmentID:  msg.ShipmentID,
		RiskID:      msg.RiskID,
		ActionTaken: msg.ActionTaken,
		Subject:     msg.Subject,
		Message:     msg.Body,
		SentAt:      time.Now().UTC(),
	})
}
