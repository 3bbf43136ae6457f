package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/action"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/contracts"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/detect"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/domain"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/notify"
	"github.com/shiroonigami23-ui/autonomous-control-tower/internal/risk"
)

type Simulator interface {
	Simulate(ctx context.Context, r domain.Risk, shipment domain.Shipment) ([]domain.ScoredScenario, error)
}

type Executor interface {
	Execute(ctx context.Context, req action.Request) action.Result
}

type Notifier interface {
	Notify(ctx context.Context, shipmentID, riskID, actionTaken string, result domain.MitigationResult) (notify.DeliveryReport, error)
	NotifyOperations(ctx context.Context, shipmentID, riskID, subject, body string) error
}

type Config struct {
	MonitorInterval     time.Duration
	AssessInterval      time.Duration
	WorkingSetRefresh   time.Duration
	ErrorBackoff        time.Duration
	PollWait            time.Duration
	MonitorStatuses     []domain.ShipmentStatus
	ConfidenceThreshold float64
	Topics              contracts.Topics
	// SettleTimeout bounds the status and result writes that finish a
	// pipeline. They run detached from the caller's cancellation.
	SettleTimeout time.Duration
	// StallAfter is how long a risk may sit in analyzing or mitigating
	// before the assessor escalates it.
	StallAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		MonitorInterval:     30 * time.Second,
		AssessInterval:      60 * time.Second,
		WorkingSetRefresh:   2 * time.Minute,
		ErrorBackoff:        5 * time.Second,
		PollWait:            time.Second,
		MonitorStatuses:     []domain.ShipmentStatus{domain.ShipmentInTransit},
		ConfidenceThreshold: 0.7,
		Topics:              contracts.DefaultTopics(),
		SettleTimeout:       10 * time.Second,
		StallAfter:          time.Minute,
	}
}

type Deps struct {
	Shipments domain.ShipmentRepository
	Manager   *risk.Manager
	Detector  *detect.Detector
	Simulator Simulator
	Executor  Executor
	Notifier  Notifier
	Bus       domain.EventBus
	Logger    *zap.Logger
	Now       func() time.Time
}

type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeEscalated Outcome = "escalated"
	OutcomeSkipped   Outcome = "skipped"
)

// Decision records what the pipeline did with one risk.
type Decision struct {
	RiskID  string                 `json:"risk_id"`
	Outcome Outcome                `json:"outcome"`
	Reason  string                 `json:"reason,omitempty"`
	Best    *domain.ScoredScenario `json:"best,omitempty"`
	Result  *action.Result         `json:"result,omitempty"`
}

// Orchestrator runs the monitor, assessor and event consumer loops and the
// per-risk decision pipeline they feed.
type Orchestrator struct {
	cfg     Config
	deps    Deps
	working *WorkingSet
	logger  *zap.Logger
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if len(cfg.MonitorStatuses) == 0 {
		cfg.MonitorStatuses = []domain.ShipmentStatus{domain.ShipmentInTransit}
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if cfg.StallAfter <= 0 {
		cfg.StallAfter = time.Minute
	}
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		working: NewWorkingSet(),
		logger:  deps.Logger.Named("orchestrator"),
	}
}

func (o *Orchestrator) WorkingSet() *WorkingSet { return o.working }

// Run loads the working set and blocks running all loops until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn("initial working set load failed, monitor will retry", zap.Error(err))
	}
	o.logger.Info("orchestrator started",
		zap.Int("working_set", o.working.Len()),
		zap.Duration("monitor_interval", o.cfg.MonitorInterval),
		zap.Duration("assess_interval", o.cfg.AssessInterval),
		zap.Float64("confidence_threshold", o.cfg.ConfidenceThreshold))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.loop(gctx, "monitor", o.cfg.MonitorInterval, o.MonitorOnce) })
	g.Go(func() error { return o.loop(gctx, "assessor", o.cfg.AssessInterval, o.AssessOnce) })
	g.Go(func() error { return o.loop(gctx, "consumer", 0, o.consume) })
	err := g.Wait()
	o.logger.Info("orchestrator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Refresh reloads the working set from the repository.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	shipments, err := o.deps.Shipments.ListActive(ctx, o.cfg.MonitorStatuses...)
	if err != nil {
		return fmt.Errorf("load working set: %w", err)
	}
	o.working.Replace(shipments, o.deps.Now())
	o.logger.Debug("working set refreshed", zap.Int("shipments", len(shipments)))
	return nil
}

// MonitorOnce runs detection against every working-set snapshot and feeds
// newly recorded risks straight into the pipeline.
func (o *Orchestrator) MonitorOnce(ctx context.Context) error {
	if o.deps.Now().Sub(o.working.RefreshedAt()) >= o.cfg.WorkingSetRefresh {
		if err := o.Refresh(ctx); err != nil {
			return err
		}
	}

	var errs []error
	now := o.deps.Now()
	for _, shipment := range o.working.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		candidates := o.deps.Detector.Detect(ctx, shipment, now)
		if len(candidates) == 0 {
			continue
		}
		created, err := o.deps.Manager.Record(ctx, shipment, candidates)
		if err != nil {
			errs = append(errs, fmt.Errorf("record risks for %s: %w", shipment.ID, err))
		}
		for _, r := range created {
			if _, err := o.HandleRisk(ctx, r); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// AssessOnce is the reconciliation pass: full assessment, then every risk
// still waiting in detected goes through the pipeline, risks stuck mid-way
// are escalated, then the rollup.
func (o *Orchestrator) AssessOnce(ctx context.Context) error {
	var errs []error
	for _, shipment := range o.working.Snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := o.deps.Manager.Assess(ctx, shipment.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				o.working.Remove(shipment.ID)
				continue
			}
			errs = append(errs, fmt.Errorf("assess %s: %w", shipment.ID, err))
		}

		pending, err := o.deps.Manager.Pending(ctx, shipment.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range pending {
			if _, err := o.HandleRisk(ctx, r); err != nil {
				errs = append(errs, err)
			}
		}
		if err := o.escalateStalled(ctx, shipment.ID); err != nil {
			errs = append(errs, err)
		}
		if _, err := o.deps.Manager.Rollup(ctx, shipment.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AssessAndHandle is the one-shot path: assess a shipment and run the
// pipeline for each of its pending risks.
func (o *Orchestrator) AssessAndHandle(ctx context.Context, shipmentID string) ([]Decision, error) {
	if _, err := o.deps.Manager.Assess(ctx, shipmentID); err != nil {
		return nil, err
	}
	pending, err := o.deps.Manager.Pending(ctx, shipmentID)
	if err != nil {
		return nil, err
	}
	var (
		out  []Decision
		errs []error
	)
	for _, r := range pending {
		d, err := o.HandleRisk(ctx, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// HandleRisk drives one detected risk to resolved or escalated. Only the
// caller that wins the detected to analyzing move acts on the risk.
func (o *Orchestrator) HandleRisk(ctx context.Context, r domain.Risk) (Decision, error) {
	logger := o.logger.With(zap.String("risk_id", r.ID), zap.String("shipment_id", r.ShipmentID))
	decision := Decision{RiskID: r.ID}

	analyzing, err := o.deps.Manager.Transition(ctx, r.ID, domain.StatusAnalyzing)
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrIllegalTransition) {
			logger.Debug("risk already taken", zap.Error(err))
			decision.Outcome = OutcomeSkipped
			return decision, nil
		}
		return decision, fmt.Errorf("start analysis of %s: %w", r.ID, err)
	}
	defer func() {
		sctx, cancel := o.settleContext(ctx)
		defer cancel()
		o.rollup(sctx, logger, r.ShipmentID)
	}()

	shipment, err := o.deps.Shipments.Get(ctx, r.ShipmentID)
	if err != nil {
		return o.escalate(ctx, logger, analyzing, "shipment unavailable: "+err.Error(), nil)
	}

	ranked, err := o.deps.Simulator.Simulate(ctx, analyzing, shipment)
	if err != nil {
		return o.escalate(ctx, logger, analyzing, "simulation failed: "+err.Error(), nil)
	}
	if err := o.deps.Manager.ProposeMitigations(ctx, r.ID, ranked); err != nil {
		logger.Warn("store proposed mitigations failed", zap.Error(err))
	}
	if len(ranked) == 0 {
		return o.escalate(ctx, logger, analyzing, "no mitigation scenarios", nil)
	}

	best := ranked[0]
	decision.Best = &best
	if best.Confidence() <= o.cfg.ConfidenceThreshold {
		reason := fmt.Sprintf("best option %q scored %.3f, not above threshold %.2f", best.Name, best.Confidence(), o.cfg.ConfidenceThreshold)
		d, err := o.escalate(ctx, logger, analyzing, reason, ranked)
		d.Best = &best
		return d, err
	}

	if err := o.deps.Manager.SelectMitigation(ctx, r.ID, best); err != nil {
		return o.escalate(ctx, logger, analyzing, "select mitigation: "+err.Error(), ranked)
	}
	if _, err := o.deps.Manager.Transition(ctx, r.ID, domain.StatusMitigating); err != nil {
		d, eerr := o.escalate(ctx, logger, analyzing, "start mitigation: "+err.Error(), ranked)
		d.Best = &best
		return d, eerr
	}

	result := o.deps.Executor.Execute(ctx, action.Request{
		ShipmentID: r.ShipmentID,
		RiskID:     r.ID,
		ActionType: best.ActionType,
		Parameters: best.Parameters,
		Reason:     r.Description,
		Reasoning: fmt.Sprintf("%s scored %.3f with the %s strategy, above threshold %.2f",
			best.Name, best.Confidence(), best.Strategy, o.cfg.ConfidenceThreshold),
	})
	decision.Result = &result
	mitigation := result.MitigationResult()
	o.reloadShipment(ctx, r.ShipmentID)

	sctx, cancel := o.settleContext(ctx)
	defer cancel()
	if result.Success {
		if _, err := o.deps.Manager.ApplyMitigationResult(sctx, r.ID, mitigation); err != nil {
			return decision, fmt.Errorf("resolve %s: %w", r.ID, err)
		}
		logger.Info("risk mitigated automatically",
			zap.String("action", best.ActionType),
			zap.Float64("score", best.OverallScore))
		o.notify(sctx, logger, r, best.ActionType, mitigation)
		decision.Outcome = OutcomeResolved
		return decision, nil
	}

	// Failed physical-world actions are never retried automatically.
	if _, err := o.deps.Manager.ApplyMitigationResult(sctx, r.ID, mitigation); err != nil {
		logger.Warn("store failed mitigation result", zap.Error(err))
	}
	d, err := o.escalate(ctx, logger, analyzing, "execution failed: "+result.Error, ranked)
	o.notify(sctx, logger, r, best.ActionType, mitigation)
	d.Best = &best
	d.Result = &result
	return d, err
}

// escalate hands the risk to a human. It runs on a settle context so a
// cancelled caller cannot leave the risk half-way through the pipeline.
func (o *Orchestrator) escalate(ctx context.Context, logger *zap.Logger, r domain.Risk, reason string, options []domain.ScoredScenario) (Decision, error) {
	ctx, cancel := o.settleContext(ctx)
	defer cancel()
	decision := Decision{RiskID: r.ID, Outcome: OutcomeEscalated, Reason: reason}
	if _, err := o.deps.Manager.Transition(ctx, r.ID, domain.StatusEscalated); err != nil {
		return decision, fmt.Errorf("escalate %s: %w", r.ID, err)
	}
	logger.Warn("risk escalated", zap.String("reason", reason))

	evt := contracts.RiskEscalatedEvent{
		Type:        contracts.EventRiskEscalated,
		RiskID:      r.ID,
		ShipmentID:  r.ShipmentID,
		RiskType:    r.Type,
		Severity:    r.Severity,
		Reason:      reason,
		Options:     options,
		EscalatedAt: o.deps.Now(),
	}
	if err := o.deps.Bus.Publish(ctx, o.cfg.Topics.RiskEscalated, r.ShipmentID, evt); err != nil {
		logger.Warn("publish escalation failed", zap.Error(err))
	}
	if o.deps.Notifier != nil {
		subject := fmt.Sprintf("Risk escalated: %s on shipment %s", r.Type, r.ShipmentID)
		if err := o.deps.Notifier.NotifyOperations(ctx, r.ShipmentID, r.ID, subject, reason); err != nil {
			logger.Warn("operations notification failed", zap.Error(err))
		}
	}
	return decision, nil
}

// escalateStalled escalates risks left in analyzing or mitigating longer
// than StallAfter, for example after a failed status write.
func (o *Orchestrator) escalateStalled(ctx context.Context, shipmentID string) error {
	stalled, err := o.deps.Manager.Stalled(ctx, shipmentID, o.deps.Now().Add(-o.cfg.StallAfter))
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range stalled {
		logger := o.logger.With(zap.String("risk_id", r.ID), zap.String("shipment_id", r.ShipmentID))
		reason := fmt.Sprintf("stalled in %s since %s", r.Status, r.UpdatedAt.Format(time.RFC3339))
		if _, err := o.escalate(ctx, logger, r, reason, r.ProposedMitigations); err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SettleTimeout)
}

func (o *Orchestrator) notify(ctx context.Context, logger *zap.Logger, r domain.Risk, actionTaken string, result domain.MitigationResult) {
	if o.deps.Notifier == nil {
		return
	}
	report, err := o.deps.Notifier.Notify(ctx, r.ShipmentID, r.ID, actionTaken, result)
	if err != nil {
		logger.Warn("stakeholder notification failed", zap.Error(err), zap.Int("total", report.Total))
	}
}

func (o *Orchestrator) rollup(ctx context.Context, logger *zap.Logger, shipmentID string) {
	if _, err := o.deps.Manager.Rollup(ctx, shipmentID); err != nil {
		logger.Warn("rollup failed", zap.Error(err))
	}
}

// reloadShipment keeps the working-set copy in step with the repository.
func (o *Orchestrator) reloadShipment(ctx context.Context, id string) {
	shipment, err := o.deps.Shipments.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		o.working.Remove(id)
	case err != nil:
		o.logger.Debug("reload shipment failed", zap.String("shipment_id", id), zap.Error(err))
	case o.monitored(shipment.Status):
		o.working.Upsert(shipment)
	default:
		o.working.Remove(id)
	}
}

func (o *Orchestrator) monitored(status domain.ShipmentStatus) bool {
	return slices.Contains(o.cfg.MonitorStatuses, status)
}

// loop runs fn every interval. A failed or panicking iteration is logged and
// followed by an exponential backoff instead of the regular interval.
func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	logger := o.logger.With(zap.String("loop", name))
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.ErrorBackoff
	bo.MaxInterval = 2 * o.cfg.ErrorBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		wait := interval
		if err := o.safely(ctx, fn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = bo.NextBackOff()
			logger.Error("loop iteration failed", zap.Error(err), zap.Duration("backoff", wait))
		} else {
			bo.Reset()
		}
		timer.Reset(wait)
	}
}

func (o *Orchestrator) safely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			o.logger.Error("recovered panic in loop", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return fn(ctx)
}

// consume handles bus events until ctx ends or the subscription breaks.
// Missed events are covered by the assessor, so a poll timeout is only a
// heartbeat.
func (o *Orchestrator) consume(ctx context.Context) error {
	t := o.cfg.Topics
	sub, err := o.deps.Bus.Subscribe(ctx, t.Lifecycle, t.RiskDetected, t.ActionExecuted)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	for {
		env, ok, err := sub.Next(ctx, o.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll: %w", err)
		}
		if !ok {
			continue
		}
		if err := o.handleEnvelope(ctx, env); err != nil {
			o.logger.Warn("event handling failed", zap.String("topic", env.Topic), zap.String("key", env.Key), zap.Error(err))
		}
	}
}

func (o *Orchestrator) handleEnvelope(ctx context.Context, env domain.Envelope) error {
	switch env.Topic {
	case o.cfg.Topics.Lifecycle:
		evt, err := contracts.Decode[contracts.ShipmentLifecycleEvent](env)
		if err != nil {
			return err
		}
		return o.applyLifecycle(ctx, evt)
	case o.cfg.Topics.RiskDetected:
		evt, err := contracts.Decode[contracts.RiskDetectedEvent](env)
		if err != nil {
			return err
		}
		r, err := o.deps.Manager.Get(ctx, evt.RiskID)
		if err != nil {
			return err
		}
		if r.Status != domain.StatusDetected {
			return nil
		}
		_, err = o.HandleRisk(ctx, r)
		return err
	case o.cfg.Topics.ActionExecuted:
		evt, err := contracts.Decode[contracts.ActionExecutedEvent](env)
		if err != nil {
			return err
		}
		o.reloadShipment(ctx, evt.ShipmentID)
		return nil
	default:
		return nil
	}
}

func (o *Orchestrator) applyLifecycle(ctx context.Context, evt contracts.ShipmentLifecycleEvent) error {
	if evt.Type == contracts.EventShipmentClosed {
		o.working.Remove(evt.ShipmentID)
		return nil
	}
	if evt.Shipment == nil {
		o.reloadShipment(ctx, evt.ShipmentID)
		return nil
	}
	if o.monitored(evt.Shipment.Status) {
		o.working.Upsert(*evt.Shipment)
	} else {
		o.working.Remove(evt.Shipment.ID)
	}
	return nil
}
