package container

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// KeyLastUpdateCheck stores the time of the last update check in the
// backend namespace.
const KeyLastUpdateCheck = "last-update-check"

// Scheduler periodically refreshes every manager and, when enabled by gate,
// checks for image updates.
type Scheduler struct {
	reg            *Registry
	gate           func() bool
	store          Namespace // holds KeyLastUpdateCheck; may be nil
	refreshEvery   time.Duration
	updateEvery    time.Duration
	firstCheckWait time.Duration
}

func NewScheduler(reg *Registry, gate func() bool, store Namespace, refreshEvery, updateEvery time.Duration) *Scheduler {
	return &Scheduler{
		reg:            reg,
		gate:           gate,
		store:          store,
		refreshEvery:   refreshEvery,
		updateEvery:    updateEvery,
		firstCheckWait: 5 * time.Second,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	refresh := time.NewTicker(s.refreshEvery)
	defer refresh.Stop()

	// The first update check waits for whatever is left of the interval
	// since the previous run of the process.
	nextCheck := time.NewTimer(s.untilFirstCheck())
	defer nextCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			s.TickAll(ctx)
		case <-nextCheck.C:
			s.CheckUpdates(ctx)
			nextCheck.Reset(s.updateEvery)
		}
	}
}

func (s *Scheduler) untilFirstCheck() time.Duration {
	if s.store == nil {
		return s.firstCheckWait
	}
	var last time.Time
	if !s.store.Get(KeyLastUpdateCheck, &last) {
		return s.firstCheckWait
	}
	if remaining := s.updateEvery - time.Since(last); remaining > s.firstCheckWait {
		slog.Debug("update checker: deferring first check", "remaining", remaining)
		return remaining
	}
	return s.firstCheckWait
}

// TickAll refreshes all managers in parallel.
func (s *Scheduler) TickAll(ctx context.Context) {
	var g errgroup.Group
	for _, m := range s.reg.All() {
		g.Go(func() error {
			m.Tick(ctx)
			return nil
		})
	}
	g.Wait()
}

// CheckUpdates runs an update check on all managers if the gate allows it.
func (s *Scheduler) CheckUpdates(ctx context.Context) {
	if s.gate != nil && !s.gate() {
		slog.Debug("update checks disabled")
		return
	}
	slog.Info("update check starting", "containers", len(s.reg.All()))

	var g errgroup.Group
	for _, m := range s.reg.All() {
		g.Go(func() error {
			m.CheckForUpdate(ctx)
			return nil
		})
	}
	g.Wait()

	if s.store != nil {
		s.store.Set(KeyLastUpdateCheck, time.Now().UTC())
	}
}
