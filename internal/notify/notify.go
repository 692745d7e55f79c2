package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event reports that the number of pending entries went up.
type Event struct {
	Pending int       `json:"pending"`
	Delta   int       `json:"delta"`
	NewIDs  []string  `json:"new_ids"`
	At      time.Time `json:"at"`
}

// Aggregator counts actionable entries across poll cycles. It emits only
// when the count increases; an id already seen in the previous cycle never
// triggers again.
type Aggregator struct {
	mu    sync.Mutex
	prev  map[string]struct{}
	count int
}

func NewAggregator() *Aggregator {
	return &Aggregator{prev: make(map[string]struct{})}
}

// Observe records the pending ids of one cycle. It returns an event and true
// when the count is higher than in the previous cycle.
func (a *Aggregator) Observe(pendingIDs []string, at time.Time) (Event, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := make(map[string]struct{}, len(pendingIDs))
	var fresh []string
	for _, id := range pendingIDs {
		if _, dup := next[id]; dup {
			continue
		}
		next[id] = struct{}{}
		if _, seen := a.prev[id]; !seen {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)

	prevCount := a.count
	a.prev = next
	a.count = len(next)

	if a.count <= prevCount {
		return Event{}, false
	}
	return Event{
		Pending: a.count,
		Delta:   a.count - prevCount,
		NewIDs:  fresh,
		At:      at,
	}, true
}

// Count returns the pending count of the last observed cycle.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Badge renders the summary shown next to the queue. Zero renders empty.
func Badge(count int) string {
	if count <= 0 {
		return ""
	}
	return fmt.Sprintf("%d email(s) waiting for approval", count)
}

// Sink delivers notification events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, Badge(ev.Pending), "delta", ev.Delta, "new_ids", strings.Join(ev.NewIDs, ","))
	return nil
}

// streamAdder is the part of *redis.Client the stream sink uses.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

const streamMaxLen = 1000

// RedisStreamSink appends events to a Redis stream so other processes
// (mail digests, desktop notifiers) can follow the queue.
type RedisStreamSink struct {
	client  streamAdder
	stream  string
	account string
}

// NewRedisStreamSink returns a sink writing to stream on client.
func NewRedisStreamSink(client *redis.Client, stream, account string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, account: account}
}

// DialRedisStream parses a redis:// URL and returns a sink with its own client.
// The returned close func releases the client.
func DialRedisStream(url, stream, account string) (*RedisStreamSink, func() error, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisStreamSink(client, stream, account), client.Close, nil
}

func (s *RedisStreamSink) Publish(ctx context.Context, ev Event) error {
	values := map[string]any{
		"account_id": s.account,
		"pending":    ev.Pending,
		"delta":      ev.Delta,
		"new_ids":    strings.Join(ev.NewIDs, ","),
		"badge":      Badge(ev.Pending),
		"ts":         ev.At.UTC().Format(time.RFC3339Nano),
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("publishing to stream %s: %w", s.stream, err)
	}
	return nil
}

// Fanout publishes to every sink and joins their errors. A failing sink
// does not stop the others.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
