package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/bus"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/storage/memstore"
)

type recordingSender struct {
	channel string
	err     error

	mu   sync.Mutex
	sent []Message
}

func (r *recordingSender) Channel() string { return r.channel }

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) roles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Stakeholder.Role)
	}
	return out
}

func fullShipment(store *memstore.Store) domain.Shipment {
	return store.Shipments.Put(domain.Shipment{
		TrackingNumber: "TRK-42",
		Shipper:        "Acme Corp",
		Consignee:      "Global Imports",
		Carrier:        "Ocean Shipping Co",
		CustomsBroker:  "Quick Clear Customs",
	})
}

var rerouted = domain.MitigationResult{Status: domain.MitigationCompleted, ActionType: "reroute", Detail: map[string]any{"new_port": "CNNGB"}}

func TestNotifyReachesEveryStakeholderOnFirstChannel(t *testing.T) {
	store := memstore.New()
	s := fullShipment(store)
	email := &recordingSender{channel: "email"}
	api := &recordingSender{channel: "api"}
	n := New(store.Shipments, []Sender{email, api}, zaptest.NewLogger(t), Options{})

	report, err := n.Notify(context.Background(), s.ID, "r1", "reroute", rerouted)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 4, report.Successful)
	assert.Equal(t, 4, report.StakeholdersNotified)

	assert.ElementsMatch(t, []string{RoleShipper, RoleConsignee, RoleCustomsBroker}, email.roles())
	assert.Equal(t, []string{RoleCarrier}, api.roles())
	assert.Contains(t, api.sent[0].Body, "CNNGB")
	assert.Contains(t, api.sent[0].Body, "Dear Ocean Shipping Co (carrier)")
	assert.Equal(t, "Shipment rerouted", api.sent[0].Subject)
}

func TestNotifyFallsBackToNextChannel(t *testing.T) {
	store := memstore.New()
	s := store.Shipments.Put(domain.Shipment{Consignee: "Global Imports"})
	email := &recordingSender{channel: "email", err: errors.New("smtp down")}
	sms := &recordingSender{channel: "sms"}
	n := New(store.Shipments, []Sender{email, sms}, zaptest.NewLogger(t), Options{})

	report, err := n.Notify(context.Background(), s.ID, "r1", "delay", domain.MitigationResult{Status: domain.MitigationCompleted})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, []string{RoleConsignee}, sms.roles())
}

func TestNotifyReportsUnreachableStakeholders(t *testing.T) {
	store := memstore.New()
	s := store.Shipments.Put(domain.Shipment{Shipper: "Acme Corp", Carrier: "Ocean Shipping Co"})
	email := &recordingSender{channel: "email"}
	n := New(store.Shipments, []Sender{email}, zaptest.NewLogger(t), Options{
		Preferences: map[string][]string{RoleShipper: {"email"}, RoleCarrier: {"api"}},
	})

	report, err := n.Notify(context.Background(), s.ID, "r1", "reroute", rerouted)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Successful)
	require.Len(t, report.Failures, 1)
	assert.Contains(t, report.Failures[0], "carrier")
}

func TestNotifyErrorsWhenNobodyReached(t *testing.T) {
	store := memstore.New()
	s := store.Shipments.Put(domain.Shipment{Shipper: "Acme Corp"})
	n := New(store.Shipments, nil, zaptest.NewLogger(t), Options{})

	report, err := n.Notify(context.Background(), s.ID, "r1", "reroute", rerouted)
	assert.Error(t, err)
	assert.Zero(t, report.Successful)
}

func TestBusSendersPublishNotifications(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	s := fullShipment(store)
	b := bus.NewMemoryBus(zaptest.NewLogger(t), 16)
	defer b.Close()
	topic := contracts.DefaultTopics().Notifications
	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)

	prefs := DefaultPreferences()
	n := New(store.Shipments, BusSenders(b, topic, prefs, "dashboard"), zaptest.NewLogger(t), Options{Preferences: prefs, RatePerSecond: 100, Burst: 4})

	report, err := n.Notify(ctx, s.ID, "r1", "expedite_customs", domain.MitigationResult{Status: domain.MitigationCompleted, Detail: map[string]any{"service_level": "premium"}})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Successful)

	require.NoError(t, n.NotifyOperations(ctx, s.ID, "r1", "Risk escalated", "review needed"))

	var got []contracts.NotificationEvent
	for i := 0; i < 5; i++ {
		env, ok, err := sub.Next(ctx, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		evt, err := contracts.Decode[contracts.NotificationEvent](env)
		require.NoError(t, err)
		got = append(got, evt)
	}
	roles := map[string]string{}
	for _, evt := range got {
		roles[evt.Stakeholder] = evt.Channel
	}
	assert.Equal(t, "email", roles[RoleShipper])
	assert.Equal(t, "api", roles[RoleCarrier])
	assert.Equal(t, "dashboard", roles[RoleOperations])
}

func TestComposeFailedAction(t *testing.T) {
	subject, body := compose("reroute", domain.Shipment{TrackingNumber: "TRK-1"}, domain.MitigationResult{Status: domain.MitigationFailed, Error: "boom"})
	assert.Equal(t, "Action failed: reroute", subject)
	assert.Contains(t, body, "escalated")
	assert.Contains(t, body, "boom")
}
