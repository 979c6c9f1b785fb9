// Package dispatch runs the effects of a matched push off the accept loop.
// Every effect gets its own goroutine; Dispatch returns a Handle at once.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/austindbirch/pushtrigger/internal/effects"
	"github.com/austindbirch/pushtrigger/internal/journal"
	"github.com/austindbirch/pushtrigger/internal/logging"
	"github.com/austindbirch/pushtrigger/internal/metrics"
	"github.com/austindbirch/pushtrigger/internal/tracing"
)

// Handle observes the effects scheduled for one trigger
type Handle struct {
	triggerID string
	names     []string
	done      chan struct{}

	mu      sync.Mutex
	results map[string]error
}

// TriggerID is the ID of the trigger this handle belongs to
func (h *Handle) TriggerID() string { return h.triggerID }

// Effects lists the effects that were started, in registration order
func (h *Handle) Effects() []string {
	return append([]string(nil), h.names...)
}

// Done is closed once every started effect has returned
func (h *Handle) Done() <-chan struct{} { return h.done }

// Results maps effect name to its error, nil on success. It is complete
// once Done is closed.
func (h *Handle) Results() map[string]error {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]error, len(h.results))
	for k, v := range h.results {
		out[k] = v
	}
	return out
}

// Wait blocks until Done or ctx ends
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) set(name string, err error) {
	h.mu.Lock()
	h.results[name] = err
	h.mu.Unlock()
}

// Dispatcher starts effects and tracks them until they finish
type Dispatcher struct {
	effects []effects.Effect
	journal journal.Store
	logger  *logging.Logger

	wg sync.WaitGroup
}

type Option func(*Dispatcher)

// WithJournal records every trigger and its effect outcomes
func WithJournal(s journal.Store) Option {
	return func(d *Dispatcher) { d.journal = s }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(effs []effects.Effect, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		effects: effs,
		journal: journal.Noop{},
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts every enabled effect for t and returns immediately. The
// effects inherit ctx values (trace linkage) but not its cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, t effects.Trigger) *Handle {
	ctx = context.WithoutCancel(ctx)

	h := &Handle{
		triggerID: t.ID,
		done:      make(chan struct{}),
		results:   make(map[string]error),
	}

	var enabled []effects.Effect
	for _, e := range d.effects {
		if e.Enabled(t) {
			enabled = append(enabled, e)
			h.names = append(h.names, e.Name())
		}
	}

	var effectsWG sync.WaitGroup
	effectsWG.Add(len(enabled))
	d.wg.Add(1)
	for _, e := range enabled {
		go d.run(ctx, &effectsWG, h, e, t)
	}

	go func() {
		defer d.wg.Done()
		effectsWG.Wait()
		close(h.done)
		d.record(ctx, t, h)
	}()

	d.logger.WithContext(ctx).WithTrigger(t.ID).WithTask(t.Config.TargetTaskName).
		WithField("effects", h.names).
		Info("effects dispatched")
	return h
}

func (d *Dispatcher) run(ctx context.Context, wg *sync.WaitGroup, h *Handle, e effects.Effect, t effects.Trigger) {
	defer wg.Done()
	start := time.Now()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("effect %s panicked: %v", e.Name(), r)
				tracing.SetSpanError(ctx, err)
			}
		}()
		err = e.Run(ctx, t)
	}()

	metrics.RecordEffect(e.Name(), err, time.Since(start))
	h.set(e.Name(), err)

	entry := d.logger.WithContext(ctx).WithTrigger(t.ID).WithEffect(e.Name()).
		WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		entry.WithError(err).Error("effect failed")
		return
	}
	entry.Info("effect finished")
}

func (d *Dispatcher) record(ctx context.Context, t effects.Trigger, h *Handle) {
	if _, ok := d.journal.(journal.Noop); ok {
		return
	}
	outcomes := make(map[string]string, len(h.names))
	for name, err := range h.Results() {
		if err != nil {
			outcomes[name] = err.Error()
			continue
		}
		outcomes[name] = journal.EffectOK
	}

	err := d.journal.Record(ctx, journal.Entry{
		TriggerID:     t.ID,
		ReceivedAt:    t.ReceivedAt,
		EventType:     t.EventType,
		Branch:        t.Config.TargetBranch,
		Task:          t.Config.TargetTaskName,
		Repository:    t.Facts.RepositoryName,
		Author:        t.Facts.AuthorName,
		CommitMessage: t.Facts.CommitMessage,
		Effects:       outcomes,
	})
	metrics.RecordJournalWrite(err)
	if err != nil {
		d.logger.WithContext(ctx).WithTrigger(t.ID).WithError(err).Warn("journal write failed")
	}
}

// Wait blocks until every dispatched trigger has finished, including its
// journal write, or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
