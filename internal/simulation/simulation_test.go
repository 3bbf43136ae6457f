package simulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/storage/memstore"
)

func TestSimpleScorerValues(t *testing.T) {
	port := domain.Risk{Type: domain.RiskPortCongestion}
	scored := map[string]float64{}
	for _, sc := range Templates(port, domain.Shipment{NextPort: "CNSHA"}) {
		scored[sc.Name] = SimpleScorer{}.Score(sc, port, domain.Shipment{}).OverallScore
	}
	assert.InDelta(t, 0.56, scored["Alternative Port"], 1e-9)
	assert.InDelta(t, 0.42, scored["Schedule Adjustment"], 1e-9)

	quality := domain.Risk{Type: domain.RiskQualityHold}
	remote := SimpleScorer{}.Score(Templates(quality, domain.Shipment{})[0], quality, domain.Shipment{})
	assert.Equal(t, "Remote Inspection", remote.Name)
	assert.InDelta(t, 0.645, remote.OverallScore, 1e-9)
	assert.Equal(t, "Recommended", remote.Recommendation)
	assert.Equal(t, StrategySimple, remote.Strategy)
	assert.Equal(t, remote.OverallScore, remote.Confidence())
}

func TestAlternativePortTable(t *testing.T) {
	assert.Equal(t, "CNNGB", AlternativePort("CNSHA"))
	assert.Equal(t, "USLGB", AlternativePort("uslax"))
	assert.Equal(t, "BEANR", AlternativePort("NLRTM"))
	assert.Equal(t, "MYPKG", AlternativePort("SGSIN"))
	assert.Equal(t, "ALT001", AlternativePort("DEHAM"))
}

func TestFeasibility(t *testing.T) {
	reroute := domain.Scenario{ActionType: "reroute", ImplementationHours: 4, Complexity: "medium"}
	assert.InDelta(t, 0.805, Feasibility(reroute), 1e-9)

	modeSwitch := domain.Scenario{ActionType: "mode_switch", ImplementationHours: 48, Complexity: "high"}
	assert.InDelta(t, 0.25*0.8+0.2*0.7+0.15*0.7+0.1*0.4, Feasibility(modeSwitch), 1e-9)
}

func TestScorersAreMonotoneInCostAndTime(t *testing.T) {
	r := domain.Risk{Type: domain.RiskOther}
	base := domain.Scenario{ActionType: "expedite_leg", CostImpact: 3000, TimeSavingsHours: 12, ImplementationHours: 4, Complexity: "medium"}

	for _, scorer := range []Scorer{SimpleScorer{}, DigitalTwinScorer{}} {
		cheaper := base
		cheaper.CostImpact = 1000
		faster := cheaper
		faster.TimeSavingsHours = 20

		b := scorer.Score(base, r, domain.Shipment{}).OverallScore
		c := scorer.Score(cheaper, r, domain.Shipment{}).OverallScore
		f := scorer.Score(faster, r, domain.Shipment{}).OverallScore
		assert.GreaterOrEqual(t, c, b, scorer.Name())
		assert.GreaterOrEqual(t, f, c, scorer.Name())
	}
}

func TestDigitalTwinScorer(t *testing.T) {
	delay := 40.0
	r := domain.Risk{Type: domain.RiskPortCongestion, ExpectedDelayHours: &delay}
	templates := Templates(r, domain.Shipment{NextPort: "CNSHA"})

	reroute := DigitalTwinScorer{}.Score(templates[0], r, domain.Shipment{})
	assert.InDelta(t, 28.0, reroute.TimeSavingsHours, 1e-9)
	assert.InDelta(t, 1.0, reroute.TimeScore, 1e-9, "net time is clamped to 1")
	assert.InDelta(t, 0.0, reroute.CostScore, 1e-9)
	assert.Equal(t, StrategyDigitalTwin, reroute.Strategy)

	hold := DigitalTwinScorer{}.Score(templates[1], r, domain.Shipment{})
	assert.InDelta(t, -12.0, hold.TimeSavingsHours, 1e-9)
	assert.InDelta(t, 1+(-14.0)/48, hold.TimeScore, 1e-9)
	assert.GreaterOrEqual(t, hold.OverallScore, 0.0)
	assert.LessOrEqual(t, hold.OverallScore, 1.0)
}

func TestRankTieBreaksOnCostThenOrder(t *testing.T) {
	in := []domain.ScoredScenario{
		{Scenario: domain.Scenario{Name: "a", CostImpact: 2000}, OverallScore: 0.5},
		{Scenario: domain.Scenario{Name: "b", CostImpact: 1000}, OverallScore: 0.5},
		{Scenario: domain.Scenario{Name: "c", CostImpact: 1000}, OverallScore: 0.5},
		{Scenario: domain.Scenario{Name: "d", CostImpact: 9000}, OverallScore: 0.9},
	}
	out := Rank(in)

	names := make([]string, len(out))
	for i, s := range out {
		names[i] = s.Name
		assert.Equal(t, i+1, s.Rank)
	}
	assert.Equal(t, []string{"d", "b", "c", "a"}, names)
	assert.Zero(t, in[0].Rank, "input is not mutated")
}

func TestSimulateRecordsCompletedRun(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	shipment := store.Shipments.Put(domain.Shipment{NextPort: "CNSHA", Status: domain.ShipmentInTransit})
	r, err := store.Risks.Insert(ctx, domain.Risk{ShipmentID: shipment.ID, Type: domain.RiskCustomsDelay, Description: "Customs clearance held", Status: domain.StatusAnalyzing})
	require.NoError(t, err)
	sim := NewSimulator(store.Shipments, store.Risks, store.Simulations, zaptest.NewLogger(t), Options{})

	ranked, err := sim.Simulate(ctx, r, shipment)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "Expedited Clearance", ranked[0].Name)
	assert.Equal(t, 1, ranked[0].Rank)

	records := store.Simulations.List()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, domain.SimulationCompleted, rec.Status)
	assert.Equal(t, domain.SimulationMitigation, rec.Type)
	assert.Equal(t, StrategySimple, rec.Strategy)
	assert.Equal(t, r.ID, rec.RiskID)
	require.NotNil(t, rec.BestOption)
	assert.InDelta(t, ranked[0].OverallScore, rec.ConfidenceScore, 1e-9)
	assert.NotNil(t, rec.CompletedAt)
}

func TestRunUsesDigitalTwinForWhatIf(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	shipment := store.Shipments.Put(domain.Shipment{NextPort: "USLAX", Status: domain.ShipmentInTransit})
	sim := NewSimulator(store.Shipments, store.Risks, store.Simulations, zaptest.NewLogger(t), Options{})

	rec, err := sim.Run(ctx, Request{
		ShipmentID: shipment.ID,
		Type:       domain.SimulationWhatIf,
		Parameters: map[string]any{"risk_type": "port_congestion", "expected_delay_hours": 30.0},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyDigitalTwin, rec.Strategy)
	assert.Equal(t, "api", rec.InitiatedBy)
	require.NotNil(t, rec.BestOption)
	require.Len(t, rec.Results, 2)

	var reroute *domain.ScoredScenario
	for i := range rec.Results {
		if rec.Results[i].ActionType == "reroute" {
			reroute = &rec.Results[i]
		}
	}
	require.NotNil(t, reroute)
	assert.Equal(t, "USLGB", reroute.Parameters["alternative_port"])
	assert.InDelta(t, 21.0, reroute.TimeSavingsHours, 1e-9)
}

func TestRunRouteOptimisationOffersModeSwitch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	shipment := store.Shipments.Put(domain.Shipment{NextPort: "SGSIN", Mode: domain.ModeSea, Status: domain.ShipmentInTransit})
	sim := NewSimulator(store.Shipments, store.Risks, store.Simulations, zaptest.NewLogger(t), Options{})

	rec, err := sim.Run(ctx, Request{ShipmentID: shipment.ID, Type: domain.SimulationRouteOptimization})
	require.NoError(t, err)

	actions := map[string]bool{}
	for _, r := range rec.Results {
		actions[r.ActionType] = true
	}
	assert.True(t, actions["reroute"])
	assert.True(t, actions["mode_switch"])
}

type brokenSimulations struct {
	*memstore.SimulationStore
	markErr error
	block   bool
}

func (b *brokenSimulations) MarkRunning(ctx context.Context, id string) error {
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.markErr != nil {
		return b.markErr
	}
	return b.SimulationStore.MarkRunning(ctx, id)
}

func TestSimulateFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sims := &brokenSimulations{SimulationStore: store.Simulations, markErr: errors.New("disk full")}
	sim := NewSimulator(store.Shipments, store.Risks, sims, zaptest.NewLogger(t), Options{})

	_, err := sim.Simulate(ctx, domain.Risk{ID: "r1", Type: domain.RiskOther}, domain.Shipment{ID: "s1"})
	require.Error(t, err)

	records := store.Simulations.List()
	require.Len(t, records, 1)
	assert.Equal(t, domain.SimulationFailed, records[0].Status)
	assert.Contains(t, records[0].Error, "disk full")
}

func TestSimulateTimesOut(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	sims := &brokenSimulations{SimulationStore: store.Simulations, block: true}
	sim := NewSimulator(store.Shipments, store.Risks, sims, zaptest.NewLogger(t), Options{Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := sim.Simulate(ctx, domain.Risk{ID: "r1", Type: domain.RiskOther}, domain.Shipment{ID: "s1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	records := store.Simulations.List()
	require.Len(t, records, 1)
	assert.Equal(t, domain.SimulationFailed, records[0].Status)
}
