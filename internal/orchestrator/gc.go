package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conduitrun/conduit/internal/convstore"
)

// DraftGC periodically sweeps convstore for DRAFT rows older than
// Config.DraftGCAfter ConversationMessage lifecycle
// note. Grounded on the reference task scheduler's ticker-driven
// polling loop, trimmed to the one fixed job this process needs rather
// than a general cron-expression task table.
type DraftGC struct {
	store    convstore.Store
	after    time.Duration
	schedule cron.Schedule
	logger   *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewDraftGC builds a collector that deletes drafts older than `after`
// on the given cron schedule (e.g. "@every 1h"). A nil logger falls
// back to slog.Default.
func NewDraftGC(store convstore.Store, after time.Duration, cronExpr string, logger *slog.Logger) (*DraftGC, error) {
	if cronExpr == "" {
		cronExpr = "@every 1h"
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DraftGC{
		store: store, after: after, schedule: schedule, logger: logger,
		stop: make(chan struct{}), done: make(chan struct{}),
	}, nil
}

// Run blocks, sweeping on each scheduled tick, until ctx is cancelled
// or Stop is called. Intended to run in its own goroutine.
func (g *DraftGC) Run(ctx context.Context) {
	defer close(g.done)
	next := g.schedule.Next(time.Now())

	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-g.stop:
			timer.Stop()
			return
		case <-timer.C:
			g.sweep(ctx)
			next = g.schedule.Next(time.Now())
		}
	}
}

func (g *DraftGC) sweep(ctx context.Context) {
	hours := int(g.after.Hours())
	if hours <= 0 {
		hours = 1
	}
	n, err := g.store.DeleteDraftsOlderThanHours(ctx, hours)
	if err != nil {
		g.logger.Error("draft gc sweep failed", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("draft gc swept stale drafts", "count", n, "older_than_hours", hours)
	}
}

// Stop signals Run to return and waits for it to finish.
func (g *DraftGC) Stop() {
	close(g.stop)
	<-g.done
}
