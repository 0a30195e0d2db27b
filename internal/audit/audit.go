// ABOUTME: Asynchronous append-only audit log for admission decisions and operator actions
// ABOUTME: Entries are sharded by user so per-user order holds while users write in parallel

package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-gatekeeper/internal/store"
)

var (
	// ErrQueueFull means the entry was dropped because its shard is saturated.
	ErrQueueFull = errors.New("audit queue full")
	// ErrClosed means the log no longer accepts entries.
	ErrClosed = errors.New("audit log closed")
)

// Defaults for unset Config fields.
const (
	DefaultShards       = 4
	DefaultQueueSize    = 1024
	DefaultWriteTimeout = 5 * time.Second
)

// Store is the durable side of the audit log.
type Store interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
	ListAuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error)
}

// Config configures a Log.
type Config struct {
	Shards       int
	QueueSize    int // per shard
	WriteTimeout time.Duration
	// OnError is told about dropped entries and failed writes. It runs on
	// writer goroutines or inside Record and must not block.
	OnError func(e store.AuditEntry, err error)
	Now     func() time.Time
}

// Stats counts what happened to recorded entries.
type Stats struct {
	Written uint64
	Failed  uint64
	Dropped uint64
}

// Log is the AuditLog.
type Log struct {
	st           Store
	shards       []chan store.AuditEntry
	writeTimeout time.Duration
	onError      func(store.AuditEntry, error)
	now          func() time.Time
	logger       *slog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu     sync.RWMutex // guards closed against sends on closed shards
	closed bool
	wg     sync.WaitGroup

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New starts one writer goroutine per shard.
func New(st Store, cfg Config, logger *slog.Logger) *Log {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{
		st:           st,
		shards:       make([]chan store.AuditEntry, cfg.Shards),
		writeTimeout: cfg.WriteTimeout,
		onError:      cfg.OnError,
		now:          cfg.Now,
		logger:       logger.With("component", "audit"),
		entropy:      ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
	for i := range l.shards {
		ch := make(chan store.AuditEntry, cfg.QueueSize)
		l.shards[i] = ch
		l.wg.Add(1)
		go l.writer(ch)
	}
	return l
}

func (l *Log) newID(ts time.Time) string {
	l.entropyMu.Lock()
	defer l.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), l.entropy).String()
}

func (l *Log) shardFor(userID string) chan store.AuditEntry {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Record assigns an ID and timestamp and queues the entry without blocking.
// It returns the assigned ID.
func (l *Log) Record(e store.AuditEntry) (string, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = l.newID(e.Timestamp)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return e.ID, ErrClosed
	}

	select {
	case l.shardFor(e.UserID) <- e:
		return e.ID, nil
	default:
		l.dropped.Add(1)
		l.logger.Error("audit entry dropped", "user_id", e.UserID, "action", e.Action, "id", e.ID)
		l.notify(e, ErrQueueFull)
		return e.ID, ErrQueueFull
	}
}

func (l *Log) writer(ch <-chan store.AuditEntry) {
	defer l.wg.Done()
	for e := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
		err := l.st.AppendAuditLog(ctx, &e)
		cancel()
		if err != nil {
			l.failed.Add(1)
			l.logger.Error("audit write failed", "user_id", e.UserID, "action", e.Action, "id", e.ID, "error", err)
			l.notify(e, fmt.Errorf("writing audit entry: %w", err))
			continue
		}
		l.written.Add(1)
	}
}

func (l *Log) notify(e store.AuditEntry, err error) {
	if l.onError != nil {
		l.onError(e, err)
	}
}

// Close stops accepting entries and waits for queued ones to be written.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, ch := range l.shards {
			close(ch)
		}
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining audit log: %w", ctx.Err())
	}
}

// List reads persisted entries, newest first.
func (l *Log) List(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return l.st.ListAuditLog(ctx, f)
}

// Stats returns counters since start.
func (l *Log) Stats() Stats {
	return Stats{
		Written: l.written.Load(),
		Failed:  l.failed.Load(),
		Dropped: l.dropped.Load(),
	}
}
