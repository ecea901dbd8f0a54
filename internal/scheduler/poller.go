// Package scheduler runs the polling loop that fires due items. Delivery is
// at-least-once: an item is claimed with a conditional status update before
// dispatch, and a crash between claim and completion leaves it running until
// the stale requeue puts it back. Dispatch failures are recorded, never
// retried automatically.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardbot/steward/internal/config"
	"github.com/stewardbot/steward/internal/dispatch"
	"github.com/stewardbot/steward/internal/events"
	"github.com/stewardbot/steward/internal/recur"
	"github.com/stewardbot/steward/internal/store"
)

// Poller drains due scheduled items on a fixed tick.
type Poller struct {
	cfg        config.SchedulerConfig
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	events     events.Publisher
	lock       *FileLock
	sem        *Semaphore
	logger     *slog.Logger

	now func() time.Time // overridable in tests
}

// New creates a Poller.
func New(cfg config.SchedulerConfig, st *store.Store, d *dispatch.Dispatcher, pub events.Publisher, logger *slog.Logger) *Poller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		events:     pub,
		lock:       NewFileLock(cfg.LockPath),
		sem:        NewSemaphore(cfg.MaxConcurrent),
		logger:     logger,
		now:        time.Now,
	}
}

// Run starts the tick loop. Blocks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "tick", p.cfg.TickInterval, "maxConcurrent", p.cfg.MaxConcurrent)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case t := <-ticker.C:
			p.tick(ctx, t)
		}
	}
}

// Tick runs a single poll pass immediately. Exposed for the CLI and tests;
// Run calls it on every tick.
func (p *Poller) Tick(ctx context.Context) {
	p.tick(ctx, p.now())
}

// tick requeues stale claims, then claims and dispatches everything due.
// Store errors are logged with the item id and never crash the loop.
func (p *Poller) tick(ctx context.Context, now time.Time) {
	acquired, err := p.lock.TryLock()
	if err != nil {
		p.logger.Warn("poller lock error", "error", err)
		return
	}
	if !acquired {
		p.logger.Debug("tick skipped: lock held by another process")
		return
	}
	defer p.lock.Unlock()

	requeued, err := p.store.RequeueStale(now.Add(-p.cfg.StaleAfter))
	if err != nil {
		p.logger.Warn("stale requeue failed", "error", err)
	} else if requeued > 0 {
		p.logger.Info("requeued stale items", "count", requeued)
	}

	due, err := p.store.DueBefore(now)
	if err != nil {
		p.logger.Warn("due query failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range due {
		item := due[i]
		if !p.sem.TryAcquire() {
			// Leave the rest pending; they are picked up next tick.
			p.logger.Debug("concurrency limit reached", "deferred", len(due)-i)
			break
		}
		if err := p.store.MarkRunning(item.ItemID, now); err != nil {
			p.sem.Release()
			if errors.Is(err, store.ErrClaimConflict) {
				continue // another poller, or a concurrent cancel, won
			}
			p.logger.Warn("claim failed", "item", item.ItemID, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.sem.Release()
			p.fire(ctx, &item)
		}()
	}
	wg.Wait()

	if err := p.store.SetSetting("scheduler.last_tick", now.UTC().Format(time.RFC3339)); err != nil {
		p.logger.Debug("tick bookkeeping failed", "error", err)
	}
}

// fire dispatches one claimed item, records the terminal status, and then
// enqueues the next occurrence of a recurring item. Expansion happens after
// the send so a crash mid-fire can duplicate a delivery but never skip one.
func (p *Poller) fire(ctx context.Context, item *store.ScheduledItem) {
	rcpt := dispatch.Recipient{Channel: item.Channel, Address: item.ChatID}
	err := p.dispatcher.Send(ctx, rcpt, item.Payload)
	if err != nil {
		p.logger.Warn("dispatch failed", "item", item.ItemID, "channel", item.Channel, "error", err)
		if serr := p.store.MarkFailed(item.ItemID, err.Error()); serr != nil {
			p.logger.Warn("mark failed errored", "item", item.ItemID, "error", serr)
		}
		p.events.Publish(ctx, events.Event{
			Type: events.TypeItemFailed, ItemID: item.ItemID, LineageID: item.LineageID,
			OwnerThread: item.OwnerThread, Channel: item.Channel, Error: err.Error(),
		})
	} else {
		var serr error
		if item.Kind == store.KindFlow {
			serr = p.store.MarkCompleted(item.ItemID, "")
		} else {
			serr = p.store.MarkSent(item.ItemID)
		}
		if serr != nil {
			p.logger.Warn("mark terminal errored", "item", item.ItemID, "error", serr)
		}
		p.events.Publish(ctx, events.Event{
			Type: events.TypeItemFired, ItemID: item.ItemID, LineageID: item.LineageID,
			OwnerThread: item.OwnerThread, Channel: item.Channel,
		})
	}

	// Recurrence expands after the terminal status regardless of dispatch
	// outcome: a failed occurrence does not stop the series.
	if item.Recurrence == "" {
		return
	}
	p.expand(item)
}

// expand enqueues the successor of a recurring item. The next occurrence is
// computed from the item's scheduled due time, not the wall clock, so the
// cadence does not drift when ticks run late.
func (p *Poller) expand(item *store.ScheduledItem) {
	spec, err := recur.Parse(item.Recurrence)
	if err != nil {
		p.logger.Warn("recurrence unparseable, series stops", "item", item.ItemID, "error", err)
		return
	}
	next, rest, err := spec.Advance(item.DueAt)
	if errors.Is(err, recur.ErrExhausted) {
		p.logger.Info("recurrence exhausted", "lineage", item.LineageID)
		return
	}
	if err != nil {
		p.logger.Warn("recurrence advance failed", "item", item.ItemID, "error", err)
		return
	}
	succ := &store.ScheduledItem{
		LineageID:   item.LineageID,
		OwnerThread: item.OwnerThread,
		Kind:        item.Kind,
		Channel:     item.Channel,
		ChatID:      item.ChatID,
		Payload:     item.Payload,
		DueAt:       next,
		Recurrence:  rest.String(),
	}
	created, err := p.store.Enqueue(succ)
	if err != nil {
		p.logger.Warn("successor enqueue failed", "lineage", item.LineageID, "error", err)
		return
	}
	p.logger.Debug("recurrence expanded", "lineage", item.LineageID, "next", created.ItemID, "due", next.UTC())
}
