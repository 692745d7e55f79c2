package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serviceflow/flowdesk/internal/notify"
	"github.com/serviceflow/flowdesk/internal/records"
)

// Source supplies snapshots of the pending queue. Polling the record store
// is one implementation; a push feed could be another.
type Source interface {
	ListPending(ctx context.Context) ([]records.Entry, error)
}

// Synchronizer refreshes a Desk from a Source on a fixed interval and
// raises notification events when the pending count grows.
type Synchronizer struct {
	source   Source
	desk     *Desk
	agg      *notify.Aggregator
	sink     notify.Sink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	pollMu     sync.Mutex
	onConflict func(ids []string)
}

// NewSynchronizer creates a Synchronizer. sink and logger may be nil.
// If interval is <= 0, it defaults to 10s.
func NewSynchronizer(source Source, desk *Desk, sink notify.Sink, interval time.Duration, logger *slog.Logger) *Synchronizer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		source:   source,
		desk:     desk,
		agg:      notify.NewAggregator(),
		sink:     sink,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// OnConflict registers fn to receive the ids of entries that were decided
// elsewhere while they carried unsaved edits. It is called from whichever
// goroutine runs the poll, including Run.
func (s *Synchronizer) OnConflict(fn func(ids []string)) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	s.onConflict = fn
}

// Run polls immediately and then on every tick until ctx is cancelled.
// A failed poll is logged and skipped; the last good view stays in place.
func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("queue poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce runs a single fetch and merge cycle. On error the view is left
// unchanged.
func (s *Synchronizer) PollOnce(ctx context.Context) (MergeReport, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	remote, err := s.source.ListPending(ctx)
	if err != nil {
		return MergeReport{}, fmt.Errorf("listing pending entries: %w", err)
	}

	report, err := s.desk.Reconcile(remote)
	if err != nil {
		return MergeReport{}, err
	}

	if len(report.Conflicts) > 0 && s.onConflict != nil {
		s.onConflict(report.Conflicts)
	}

	if ev, ok := s.agg.Observe(report.Pending, s.now()); ok && s.sink != nil {
		if err := s.sink.Publish(ctx, ev); err != nil {
			s.logger.Warn("publishing notification failed", "error", err)
		}
	}
	return report, nil
}

// Badge returns the summary text for the merged view of the last cycle.
func (s *Synchronizer) Badge() string {
	return notify.Badge(s.agg.Count())
}
