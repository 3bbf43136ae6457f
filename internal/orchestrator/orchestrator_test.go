package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/action"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/bus"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/detect"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/notify"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/risk"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/simulation"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/storage/memstore"
)

type harness struct {
	store  *memstore.Store
	bus    *bus.MemoryBus
	orch   *Orchestrator
	topics contracts.Topics
}

type options struct {
	threshold  float64
	simulator  Simulator
	executor   Executor
	congestion map[string]float64
	risks      func(domain.RiskRepository) domain.RiskRepository
	stallAfter time.Duration
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		store:  memstore.New(),
		bus:    bus.NewMemoryBus(logger, 256),
		topics: contracts.DefaultTopics(),
	}
	t.Cleanup(h.bus.Close)
	events := bus.Mirror(h.bus, h.topics.Dashboard, logger)

	detector := detect.NewDefault(logger, detect.NewStaticCongestion(opts.congestion))
	var risks domain.RiskRepository = h.store.Risks
	if opts.risks != nil {
		risks = opts.risks(risks)
	}
	manager := risk.NewManager(h.store.Shipments, risks, detector, events, logger, risk.Options{Cooldown: time.Hour})
	if opts.simulator == nil {
		opts.simulator = simulation.NewSimulator(h.store.Shipments, h.store.Risks, h.store.Simulations, logger, simulation.Options{})
	}
	if opts.executor == nil {
		opts.executor = action.NewExecutor(h.store.Shipments, events, logger, action.Options{})
	}
	prefs := notify.DefaultPreferences()
	notifier := notify.New(h.store.Shipments, notify.BusSenders(events, h.topics.Notifications, prefs, "dashboard"), logger, notify.Options{Preferences: prefs})

	cfg := DefaultConfig()
	cfg.ConfidenceThreshold = opts.threshold
	cfg.ErrorBackoff = 5 * time.Millisecond
	cfg.PollWait = 10 * time.Millisecond
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.AssessInterval = 20 * time.Millisecond
	if opts.stallAfter > 0 {
		cfg.StallAfter = opts.stallAfter
	}

	h.orch = New(cfg, Deps{
		Shipments: h.store.Shipments,
		Manager:   manager,
		Detector:  detector,
		Simulator: opts.simulator,
		Executor:  opts.executor,
		Notifier:  notifier,
		Bus:       events,
		Logger:    logger,
	})
	return h
}

func (h *harness) risks(t *testing.T, shipmentID string) []domain.Risk {
	t.Helper()
	out, err := h.store.Risks.ListByShipment(context.Background(), shipmentID)
	require.NoError(t, err)
	return out
}

type fixedSimulator struct{ ranked []domain.ScoredScenario }

func (f fixedSimulator) Simulate(context.Context, domain.Risk, domain.Shipment) ([]domain.ScoredScenario, error) {
	return f.ranked, nil
}

type failingSimulator struct{}

func (failingSimulator) Simulate(context.Context, domain.Risk, domain.Shipment) ([]domain.ScoredScenario, error) {
	return nil, context.DeadlineExceeded
}

// cancellingSimulator cancels the caller's context mid-pipeline, the way a
// shutdown does.
type cancellingSimulator struct{ cancel context.CancelFunc }

func (c cancellingSimulator) Simulate(ctx context.Context, _ domain.Risk, _ domain.Shipment) ([]domain.ScoredScenario, error) {
	c.cancel()
	return nil, ctx.Err()
}

// flakyRisks fails the first status write to failOn and honours context
// cancellation like a network-backed store.
type flakyRisks struct {
	domain.RiskRepository
	failOn domain.RiskStatus
	failed atomic.Bool
}

func (f *flakyRisks) UpdateStatus(ctx context.Context, id string, from, to domain.RiskStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if to == f.failOn && f.failed.CompareAndSwap(false, true) {
		return errors.New("transient: connection reset")
	}
	return f.RiskRepository.UpdateStatus(ctx, id, from, to, at)
}

type countingExecutor struct {
	calls  atomic.Int32
	result action.Result
}

func (c *countingExecutor) Execute(_ context.Context, req action.Request) action.Result {
	c.calls.Add(1)
	res := c.result
	res.ActionType = req.ActionType
	return res
}

func TestScenarioCongestedPortIsReroutedAndResolved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{threshold: 0.5, congestion: map[string]float64{"CNSHA": 0.85}})
	escalations, err := h.bus.Subscribe(ctx, h.topics.RiskEscalated)
	require.NoError(t, err)
	s := h.store.Shipments.Put(domain.Shipment{
		TrackingNumber: "TRK-1", Status: domain.ShipmentInTransit, NextPort: "CNSHA", Shipper: "Acme Corp",
	})
	require.NoError(t, h.orch.Refresh(ctx))

	require.NoError(t, h.orch.MonitorOnce(ctx))

	risks := h.risks(t, s.ID)
	require.Len(t, risks, 1)
	r := risks[0]
	assert.Equal(t, domain.RiskPortCongestion, r.Type)
	assert.Equal(t, domain.SeverityHigh, r.Severity)
	assert.InDelta(t, 0.85, r.Confidence, 1e-9)
	assert.Equal(t, domain.StatusResolved, r.Status)
	require.Len(t, r.ProposedMitigations, 2)
	assert.Equal(t, "Alternative Port", r.ProposedMitigations[0].Name)
	assert.Equal(t, "Schedule Adjustment", r.ProposedMitigations[1].Name)
	require.NotNil(t, r.SelectedMitigation)
	assert.Equal(t, "reroute", r.SelectedMitigation.ActionType)
	require.NotNil(t, r.MitigationResult)
	assert.Equal(t, domain.MitigationCompleted, r.MitigationResult.Status)

	shipment, err := h.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "CNNGB", shipment.NextPort)
	assert.False(t, shipment.IsAtRisk)
	assert.Zero(t, shipment.RiskScore)
	assert.Equal(t, "reroute", shipment.Context.String(domain.KeyLastAction))

	route, err := h.store.Shipments.ActiveRoute(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "CNNGB", route.NextPort)

	for _, ws := range h.orch.WorkingSet().Snapshot() {
		if ws.ID == s.ID {
			assert.Equal(t, "CNNGB", ws.NextPort, "working set follows the reroute")
		}
	}

	_, ok, err := escalations.Next(ctx, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.orch.MonitorOnce(ctx))
	assert.Len(t, h.risks(t, s.ID), 1, "rerouted shipment does not re-fire")
}

func TestScenarioBelowThresholdEscalatesWithoutExecuting(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{result: action.Result{Success: true}}
	sim := fixedSimulator{ranked: []domain.ScoredScenario{
		{Scenario: domain.Scenario{Name: "Expedite Leg", ActionType: "expedite_leg"}, OverallScore: 0.55, Rank: 1},
	}}
	h := newHarness(t, options{threshold: 0.7, simulator: sim, executor: exec})
	escalations, err := h.bus.Subscribe(ctx, h.topics.RiskEscalated)
	require.NoError(t, err)
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, Context: domain.Metadata{domain.KeyCustomsStatus: "held"}})

	decisions, err := h.orch.AssessAndHandle(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeEscalated, decisions[0].Outcome)
	assert.Zero(t, exec.calls.Load())

	risks := h.risks(t, s.ID)
	require.Len(t, risks, 1)
	assert.Equal(t, domain.StatusEscalated, risks[0].Status)
	assert.Nil(t, risks[0].SelectedMitigation)

	env, ok, err := escalations.Next(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	evt, err := contracts.Decode[contracts.RiskEscalatedEvent](env)
	require.NoError(t, err)
	assert.Equal(t, risks[0].ID, evt.RiskID)
	require.Len(t, evt.Options, 1)
	assert.InDelta(t, 0.55, evt.Options[0].OverallScore, 1e-9)
}

func TestDefaultThresholdEscalatesHeuristicScores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{threshold: 0.7, congestion: map[string]float64{"CNSHA": 0.85}})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, NextPort: "CNSHA"})

	decisions, err := h.orch.AssessAndHandle(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeEscalated, decisions[0].Outcome)
	require.NotNil(t, decisions[0].Best)
	assert.InDelta(t, 0.56, decisions[0].Best.OverallScore, 1e-9)

	shipment, err := h.store.Shipments.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "CNSHA", shipment.NextPort)
}

func TestExecutionFailureEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{result: action.Result{Success: false, Error: "carrier API rejected reroute"}}
	h := newHarness(t, options{threshold: 0.5, executor: exec, congestion: map[string]float64{"CNSHA": 0.85}})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, NextPort: "CNSHA"})
	require.NoError(t, h.orch.Refresh(ctx))

	require.NoError(t, h.orch.MonitorOnce(ctx))
	require.NoError(t, h.orch.AssessOnce(ctx))

	assert.Equal(t, int32(1), exec.calls.Load(), "failed actions are not retried")
	risks := h.risks(t, s.ID)
	require.Len(t, risks, 1)
	assert.Equal(t, domain.StatusEscalated, risks[0].Status)
	require.NotNil(t, risks[0].MitigationResult)
	assert.Equal(t, domain.MitigationFailed, risks[0].MitigationResult.Status)
	assert.Equal(t, "carrier API rejected reroute", risks[0].MitigationResult.Error)
}

func TestSimulationFailureEscalates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{threshold: 0.1, simulator: failingSimulator{}})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, Context: domain.Metadata{domain.KeyQualityStatus: "hold"}})

	decisions, err := h.orch.AssessAndHandle(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeEscalated, decisions[0].Outcome)
	assert.Contains(t, decisions[0].Reason, "simulation failed")
}

func TestHandleRiskSkipsRiskAlreadyTaken(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{result: action.Result{Success: true}}
	h := newHarness(t, options{threshold: 0.1, executor: exec})
	r, err := h.store.Risks.Insert(ctx, domain.Risk{ShipmentID: "s1", Type: domain.RiskOther, Description: "x", Status: domain.StatusAnalyzing})
	require.NoError(t, err)

	d, err := h.orch.HandleRisk(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, d.Outcome)
	assert.Zero(t, exec.calls.Load())
}

func TestConcurrentHandlersActOnce(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{result: action.Result{Success: true}}
	sim := fixedSimulator{ranked: []domain.ScoredScenario{
		{Scenario: domain.Scenario{Name: "Expedite Leg", ActionType: "expedite_leg"}, OverallScore: 0.9, Rank: 1},
	}}
	h := newHarness(t, options{threshold: 0.7, simulator: sim, executor: exec})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit})
	r, err := h.store.Risks.Insert(ctx, domain.Risk{ShipmentID: s.ID, Type: domain.RiskOther, Description: "x", Status: domain.StatusDetected})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.HandleRisk(ctx, r)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), exec.calls.Load())
	got, err := h.store.Risks.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
}

func TestAssessOnceReconcilesDetectedRisks(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{result: action.Result{Success: true}}
	sim := fixedSimulator{ranked: []domain.ScoredScenario{
		{Scenario: domain.Scenario{Name: "Expedite Leg", ActionType: "expedite_leg"}, OverallScore: 0.8, Rank: 1},
	}}
	h := newHarness(t, options{threshold: 0.7, simulator: sim, executor: exec})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit})
	require.NoError(t, h.orch.Refresh(ctx))
	r, err := h.store.Risks.Insert(ctx, domain.Risk{ShipmentID: s.ID, Type: domain.RiskLaborStrike, Description: "Dock strike", Status: domain.StatusDetected, Confidence: 0.6})
	require.NoError(t, err)

	require.NoError(t, h.orch.AssessOnce(ctx))

	got, err := h.store.Risks.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
	assert.Equal(t, int32(1), exec.calls.Load())
}

func TestMonitorRefreshesWorkingSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{threshold: 0.7})
	require.NoError(t, h.orch.Refresh(ctx))
	assert.Zero(t, h.orch.WorkingSet().Len())

	h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit})
	h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentArrived})
	h.orch.cfg.WorkingSetRefresh = 0

	require.NoError(t, h.orch.MonitorOnce(ctx))
	assert.Equal(t, 1, h.orch.WorkingSet().Len())
}

func TestLoopSurvivesErrorsAndPanics(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := newHarness(t, options{threshold: 0.7})
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- h.orch.loop(ctx, "test", time.Millisecond, func(context.Context) error {
			switch n := calls.Add(1); {
			case n == 1:
				panic("boom")
			case n == 2:
				return errors.New("transient")
			case n >= 4:
				cancel()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(4))
}

func TestRunConsumesLifecycleEventsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t, options{threshold: 0.7})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()

	shipment := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit})
	require.Eventually(t, func() bool {
		_ = h.bus.Publish(context.Background(), h.topics.Lifecycle, shipment.ID, contracts.ShipmentLifecycleEvent{
			Type: contracts.EventShipmentCreated, ShipmentID: shipment.ID,
		})
		return h.orch.WorkingSet().Contains(shipment.ID)
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, h.bus.Publish(context.Background(), h.topics.Lifecycle, shipment.ID, contracts.ShipmentLifecycleEvent{
		Type: contracts.EventShipmentClosed, ShipmentID: shipment.ID,
	}))
	require.Eventually(t, func() bool { return !h.orch.WorkingSet().Contains(shipment.ID) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestWorkingSetSnapshotsAreStable(t *testing.T) {
	ws := NewWorkingSet()
	ws.Replace([]domain.Shipment{{ID: "a"}, {ID: "b"}}, time.Now())
	before := ws.Snapshot()

	ws.Upsert(domain.Shipment{ID: "c"})
	ws.Remove("a")

	assert.Len(t, before, 2)
	assert.Equal(t, "a", before[0].ID)
	after := ws.Snapshot()
	require.Len(t, after, 2)
	assert.Equal(t, "b", after[0].ID)
	assert.Equal(t, "c", after[1].ID)
	assert.False(t, ws.Contains("a"))
}

func TestFailedEscalationWriteIsReconciledByAssessor(t *testing.T) {
	ctx := context.Background()
	sim := fixedSimulator{ranked: []domain.ScoredScenario{
		{Scenario: domain.Scenario{Name: "Expedite Leg", ActionType: "expedite_leg"}, OverallScore: 0.55, Rank: 1},
	}}
	h := newHarness(t, options{
		threshold:  0.7,
		simulator:  sim,
		stallAfter: time.Millisecond,
		risks: func(inner domain.RiskRepository) domain.RiskRepository {
			return &flakyRisks{RiskRepository: inner, failOn: domain.StatusEscalated}
		},
	})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, Context: domain.Metadata{domain.KeyCustomsStatus: "held"}})
	require.NoError(t, h.orch.Refresh(ctx))

	err := h.orch.MonitorOnce(ctx)
	require.ErrorContains(t, err, "connection reset")
	risks := h.risks(t, s.ID)
	require.Len(t, risks, 1)
	assert.Equal(t, domain.StatusAnalyzing, risks[0].Status)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.orch.AssessOnce(ctx))

	risks = h.risks(t, s.ID)
	require.Len(t, risks, 1)
	assert.Equal(t, domain.StatusEscalated, risks[0].Status)
}

func TestFailedMitigationStartEscalates(t *testing.T) {
	ctx := context.Background()
	exec := &countingExecutor{result: action.Result{Success: true}}
	sim := fixedSimulator{ranked: []domain.ScoredScenario{
		{Scenario: domain.Scenario{Name: "Expedite Leg", ActionType: "expedite_leg"}, OverallScore: 0.9, Rank: 1},
	}}
	h := newHarness(t, options{
		threshold: 0.7,
		simulator: sim,
		executor:  exec,
		risks: func(inner domain.RiskRepository) domain.RiskRepository {
			return &flakyRisks{RiskRepository: inner, failOn: domain.StatusMitigating}
		},
	})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, Context: domain.Metadata{domain.KeyCustomsStatus: "held"}})

	decisions, err := h.orch.AssessAndHandle(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeEscalated, decisions[0].Outcome)
	assert.Contains(t, decisions[0].Reason, "start mitigation")
	assert.Zero(t, exec.calls.Load())
	assert.Equal(t, domain.StatusEscalated, h.risks(t, s.ID)[0].Status)
}

func TestCancelledCallerStillSettlesRisk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, options{
		threshold: 0.7,
		simulator: cancellingSimulator{cancel: cancel},
		risks: func(inner domain.RiskRepository) domain.RiskRepository {
			return &flakyRisks{RiskRepository: inner}
		},
	})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit, Context: domain.Metadata{domain.KeyQualityStatus: "hold"}})

	decisions, err := h.orch.AssessAndHandle(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, OutcomeEscalated, decisions[0].Outcome)
	assert.Equal(t, domain.StatusEscalated, h.risks(t, s.ID)[0].Status)
}

func TestAssessorLeavesFreshInFlightRisksAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, options{threshold: 0.7, stallAfter: time.Hour})
	s := h.store.Shipments.Put(domain.Shipment{Status: domain.ShipmentInTransit})
	require.NoError(t, h.orch.Refresh(ctx))
	r, err := h.store.Risks.Insert(ctx, domain.Risk{ShipmentID: s.ID, Type: domain.RiskOther, Description: "x", Status: domain.StatusMitigating})
	require.NoError(t, err)

	require.NoError(t, h.orch.AssessOnce(ctx))

	got, err := h.store.Risks.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMitigating, got.Status)
}
