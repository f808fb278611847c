// Package worker drives open events through settlement.
//
// Every tick reads all live treasuries in identifier order, classifies each
// event and stops once ActionsPerTick transitions have been submitted.
// Nothing is carried between ticks: after a conflict or a crash the next
// tick recomputes the next legal action from the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/lbe-engine/internal/event"
	"github.com/atmx/lbe-engine/internal/journal"
	"github.com/atmx/lbe-engine/internal/ledger"
	"github.com/atmx/lbe-engine/internal/metrics"
	"github.com/atmx/lbe-engine/internal/model"
	"github.com/atmx/lbe-engine/internal/phase"
	"github.com/atmx/lbe-engine/internal/transition"
	"github.com/atmx/lbe-engine/internal/validation"
)

// Notifier is told about every accepted transition.
type Notifier interface {
	TransitionSubmitted(id model.EventID, kind string, txID string)
}

// Config controls scheduling.
type Config struct {
	Interval       time.Duration
	ActionsPerTick int
}

// Report summarises one tick.
type Report struct {
	Open      int
	Submitted []Attempt
	Skipped   []Attempt
}

// Attempt is one event the tick tried to advance.
type Attempt struct {
	EventID model.EventID
	Action  phase.Action
	TxID    string
	Outcome string
	Err     error
}

// Worker is the settlement batcher.
type Worker struct {
	ledger   ledger.Ledger
	builder  *transition.Builder
	cfg      Config
	journal  journal.Sink
	notifier Notifier
	logger   *slog.Logger
}

// Option configures optional collaborators.
type Option func(*Worker)

func WithJournal(s journal.Sink) Option { return func(w *Worker) { w.journal = s } }

func WithNotifier(n Notifier) Option { return func(w *Worker) { w.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// New creates a worker. ActionsPerTick below one is treated as one.
func New(l ledger.Ledger, b *transition.Builder, cfg Config, opts ...Option) *Worker {
	if cfg.ActionsPerTick < 1 {
		cfg.ActionsPerTick = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	w := &Worker{ledger: l, builder: b, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run ticks immediately and then every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.logger.Info("settlement worker started",
		"interval", w.cfg.Interval.String(),
		"actions_per_tick", w.cfg.ActionsPerTick,
	)

	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("tick aborted", "err", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("settlement worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one polling cycle. It returns an error only when the ledger
// is unavailable; per-event failures are logged and reported.
func (w *Worker) Tick(ctx context.Context) (Report, error) {
	var rep Report

	now, err := w.ledger.CurrentTime(ctx)
	if err != nil {
		metrics.WorkerTicks.WithLabelValues("aborted").Inc()
		return rep, err
	}
	treasuries, err := w.ledger.Treasuries(ctx)
	if err != nil {
		metrics.WorkerTicks.WithLabelValues("aborted").Inc()
		return rep, err
	}
	rep.Open = len(treasuries)
	metrics.OpenEvents.Set(float64(len(treasuries)))

	states := make(map[phase.State]int)
	partial := false
	for _, tr := range treasuries {
		if len(rep.Submitted) >= w.cfg.ActionsPerTick {
			partial = true
			break
		}
		id := tr.EventID
		agg, err := event.Load(ctx, w.ledger, id)
		if err != nil {
			if errors.Is(err, ledger.ErrUnavailable) {
				metrics.WorkerTicks.WithLabelValues("aborted").Inc()
				return rep, err
			}
			w.logger.Error("load event failed", "event", id, "err", err)
			continue
		}
		snap := agg.Snapshot()
		states[phase.StateOf(snap, now)]++

		action := phase.Classify(snap, now)
		if action == phase.None {
			continue
		}

		a := w.advance(ctx, agg, action, now)
		switch a.Outcome {
		case "submitted":
			rep.Submitted = append(rep.Submitted, a)
		case "unavailable":
			rep.Skipped = append(rep.Skipped, a)
			metrics.WorkerTicks.WithLabelValues("aborted").Inc()
			return rep, a.Err
		default:
			rep.Skipped = append(rep.Skipped, a)
		}
	}

	// The per-state gauge is only meaningful after a full scan.
	if !partial {
		for _, s := range allStates {
			metrics.EventsByState.WithLabelValues(string(s)).Set(float64(states[s]))
		}
	}
	if len(rep.Submitted) > 0 {
		metrics.WorkerTicks.WithLabelValues("acted").Inc()
	} else {
		metrics.WorkerTicks.WithLabelValues("idle").Inc()
	}
	return rep, nil
}

var allStates = []phase.State{
	phase.Pending, phase.Discovery, phase.CountingSellers, phase.CollectingMgr, phase.CollectingOrder,
	phase.Settling, phase.Redeeming, phase.Refunding, phase.Settled, phase.Closable,
}

// advance builds and submits one transition for agg. A panic while doing so
// is contained to this event.
func (w *Worker) advance(ctx context.Context, agg *event.Aggregate, action phase.Action, now time.Time) (a Attempt) {
	a = Attempt{EventID: agg.ID(), Action: action}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.Outcome, a.Err = "failed", fmt.Errorf("worker: panic: %v", r)
		}
		metrics.TransitionLatency.WithLabelValues(action.String()).Observe(time.Since(start).Seconds())
		metrics.TransitionsTotal.WithLabelValues(action.String(), a.Outcome).Inc()
		w.log(a)
	}()

	step, err := w.stepFor(ctx, agg, action)
	if err != nil {
		a.Outcome, a.Err = outcome(err), err
		return a
	}
	tx, err := w.builder.Build(step, now)
	if err != nil {
		a.Outcome, a.Err = outcome(err), err
		return a
	}
	txID, err := w.ledger.Submit(ctx, tx)
	if err != nil {
		a.Outcome, a.Err = outcome(err), err
		return a
	}
	a.TxID, a.Outcome = txID, "submitted"

	if w.journal != nil {
		if err := w.journal.Write(ctx, journal.NewReceipt(tx, now)); err != nil {
			metrics.JournalWrites.WithLabelValues("failed").Inc()
			w.logger.Warn("journal write failed", "event", a.EventID, "tx", txID, "err", err)
		} else {
			metrics.JournalWrites.WithLabelValues("ok").Inc()
		}
	}
	if w.notifier != nil {
		w.notifier.TransitionSubmitted(a.EventID, tx.Label, txID)
	}
	return a
}

// stepFor gathers the records action consumes, bounded by the batch sizes.
func (w *Worker) stepFor(ctx context.Context, agg *event.Aggregate, action phase.Action) (transition.Step, error) {
	cfg := w.builder.Config()
	tr := agg.Treasury

	switch action {
	case phase.CountSellers, phase.CollectManager:
		if agg.Manager == nil {
			return nil, fmt.Errorf("%w: manager missing for %s", event.ErrCorrupt, agg.ID())
		}
		if action == phase.CollectManager {
			return transition.CollectManager{Treasury: tr, Manager: *agg.Manager}, nil
		}
		return transition.CountSellers{Treasury: tr, Manager: *agg.Manager, Sellers: agg.SellerBatch(cfg.SellerBatchSize)}, nil
	case phase.CollectOrders:
		return transition.CollectOrders{Treasury: tr, Orders: agg.UncollectedOrders(cfg.OrderBatchSize)}, nil
	case phase.CreatePool:
		factory, err := event.LoadBracketing(ctx, w.ledger, model.RegistryAMM, agg.ID())
		if err != nil {
			return nil, err
		}
		return transition.CreatePool{Treasury: tr, Factory: factory, PoolExists: agg.Pool != nil}, nil
	case phase.CancelBelowMinimum:
		return transition.CancelBelowMinimum{Treasury: tr}, nil
	case phase.CancelCreatedElsewhere:
		return transition.CancelCreatedElsewhere{Treasury: tr, Pool: *agg.Pool}, nil
	case phase.RedeemOrders:
		return transition.Redeem{Treasury: tr, Orders: agg.CollectedOrders(cfg.OrderBatchSize)}, nil
	case phase.RefundOrders:
		return transition.Refund{Treasury: tr, Orders: agg.CollectedOrders(cfg.OrderBatchSize)}, nil
	}
	return nil, fmt.Errorf("worker: no step for action %s", action)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, validation.ErrValidation):
		return "rejected"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrUnavailable):
		return "unavailable"
	default:
		return "failed"
	}
}

func (w *Worker) log(a Attempt) {
	attrs := []any{"event", a.EventID, "action", a.Action.String(), "outcome", a.Outcome}
	switch a.Outcome {
	case "submitted":
		w.logger.Info("transition submitted", append(attrs, "tx", a.TxID)...)
	case "conflict":
		w.logger.Info("transition lost a race, retrying next tick", append(attrs, "err", a.Err)...)
	case "rejected":
		metrics.ValidationRejections.WithLabelValues(validation.NameOf(a.Err)).Inc()
		w.logger.Warn("transition rejected", append(attrs, "violation", validation.NameOf(a.Err), "err", a.Err)...)
	default:
		w.logger.Error("transition failed", append(attrs, "err", a.Err)...)
	}
}
