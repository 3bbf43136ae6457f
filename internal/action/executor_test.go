package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/bus"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/storage/memstore"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memstore.Store
	bus      *bus.MemoryBus
	executed domain.Subscription
	exec     *Executor
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), bus: bus.NewMemoryBus(zaptest.NewLogger(t), 16)}
	t.Cleanup(f.bus.Close)
	sub, err := f.bus.Subscribe(context.Background(), contracts.DefaultTopics().ActionExecuted)
	require.NoError(t, err)
	f.executed = sub
	f.exec = NewExecutor(f.store.Shipments, f.bus, logger, Options{Now: func() time.Time { return fixedNow }})
	return f
}

func (f *fixture) nextEvent(t *testing.T) (contracts.ActionExecutedEvent, bool) {
	t.Helper()
	env, ok, err := f.executed.Next(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	if !ok {
		return contracts.ActionExecutedEvent{}, false
	}
	evt, err := contracts.Decode[contracts.ActionExecutedEvent](env)
	require.NoError(t, err)
	return evt, true
}

func TestExecuteReroute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t))
	s := f.store.Shipments.Put(domain.Shipment{NextPort: "CNSHA", Status: domain.ShipmentInTransit})

	res := f.exec.Execute(ctx, Request{
		ShipmentID: s.ID,
		RiskID:     "r1",
		ActionType: "reroute",
		Parameters: map[string]any{"alternative_port": "CNNGB"},
		Reason:     "Port congestion detected at CNSHA",
		Reasoning:  "Alternative Port scored 0.56",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "CNNGB", res.Detail["new_port"])

	got, err := f.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "CNNGB", got.NextPort)
	assert.Equal(t, "reroute", got.Context.String(domain.KeyLastAction))
	assert.Equal(t, "Port congestion detected at CNSHA", got.Context.String(domain.KeyLastActionReason))
	assert.Equal(t, "Alternative Port scored 0.56", got.Context.String(domain.KeyLastActionReasoning))
	assert.Equal(t, "r1", got.Context.String(domain.KeyLastActionRiskID))
	assert.Equal(t, fixedNow.Format(time.RFC3339), got.Context.String(domain.KeyLastActionAt))

	route, err := f.store.Shipments.ActiveRoute(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Detail["route_id"], route.ID)
	assert.Equal(t, "alternative", route.RouteType)

	evt, ok := f.nextEvent(t)
	require.True(t, ok)
	assert.Equal(t, s.ID, evt.ShipmentID)
	assert.Equal(t, "r1", evt.RiskID)
	assert.Equal(t, "reroute", evt.ActionType)
}

func TestExecuteModeSwitch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t))
	s := f.store.Shipments.Put(domain.Shipment{Mode: domain.ModeSea, Status: domain.ShipmentInTransit})

	res := f.exec.Execute(ctx, Request{ShipmentID: s.ID, ActionType: "mode_switch", Parameters: map[string]any{"new_mode": "AIR"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "sea", res.Detail["old_mode"])

	got, err := f.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ModeAir, got.Mode)
	assert.Equal(t, "sea", got.Context.String("previous_mode"))

	bad := f.exec.Execute(ctx, Request{ShipmentID: s.ID, ActionType: "mode_switch", Parameters: map[string]any{"new_mode": "teleport"}})
	assert.False(t, bad.Success)
	missing := f.exec.Execute(ctx, Request{ShipmentID: s.ID, ActionType: "mode_switch"})
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Error, "new_mode")
}

func TestExecuteExpediteCustoms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t))
	s := f.store.Shipments.Put(domain.Shipment{Context: domain.Metadata{domain.KeyCustomsStatus: "held"}})

	res := f.exec.Execute(ctx, Request{ShipmentID: s.ID, ActionType: "expedite_customs", Parameters: map[string]any{}})
	require.True(t, res.Success, res.Error)

	got, err := f.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "expedited", got.Context.CustomsStatus())
	assert.Equal(t, "premium", got.Context.String("customs_service_level"))
	assert.Equal(t, fixedNow.Add(4*time.Hour).Format(time.RFC3339), got.Context.String("customs_estimated_clearance"))
}

func TestExecuteDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t))
	eta := fixedNow.Add(48 * time.Hour)
	s := f.store.Shipments.Put(domain.Shipment{EstimatedArrival: &eta})

	res := f.exec.Execute(ctx, Request{ShipmentID: s.ID, ActionType: "delay", Parameters: map[string]any{"delay_hours": 12.0}})
	require.True(t, res.Success, res.Error)

	got, err := f.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedArrival)
	assert.Equal(t, eta.Add(12*time.Hour), *got.EstimatedArrival)
}

func TestExecuteDelayWithoutETAFailsWithoutEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, zaptest.NewLogger(t))
	s := f.store.Shipments.Put(domain.Shipment{})

	res := f.exec.Execute(ctx, Request{ShipmentID: s.ID, ActionType: "delay"})
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, domain.MitigationFailed, res.MitigationResult().Status)

	_, ok := f.nextEvent(t)
	assert.False(t, ok, "failed actions publish nothing")
}

func TestExecuteUnknownActionWarnsAndAudits(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, zap.New(core))
	s := f.store.Shipments.Put(domain.Shipment{})

	res := f.exec.Execute(ctx, Request{ShipmentID: s.ID, RiskID: "r7", ActionType: "remote_inspection", Reason: "Quality inspection hold"})
	require.True(t, res.Success)
	assert.Equal(t, domain.MitigationCompleted, res.MitigationResult().Status)

	warnings := logs.FilterMessage("no execution binding for action, recording as no-op").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "remote_inspection", warnings[0].ContextMap()["action_type"])

	got, err := f.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "remote_inspection", got.Context.String(domain.KeyLastAction))
	assert.Equal(t, "r7", got.Context.String(domain.KeyLastActionRiskID))

	_, ok := f.nextEvent(t)
	assert.True(t, ok)
}

func TestExecuteMissingShipment(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	res := f.exec.Execute(context.Background(), Request{ShipmentID: "nope", ActionType: "reroute"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")
}
