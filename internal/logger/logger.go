// Package logger writes one structured record per chat or embedding
// invocation without blocking request handlers.
//
// Handlers enqueue entries on a bounded channel; a single writer goroutine
// drains it in batches of batchSize or every flushInterval, whichever comes
// first. When the queue is full the entry is dropped. Drops are reported by
// the writer on its next flush, both as a WARN record and, when a metrics
// registry is attached, on gateway_invocation_log_dropped_total.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLog is one chat or embedding invocation as seen by the gateway.
type RequestLog struct {
	RequestID    string
	Route        string
	ClientModel  string
	BackendModel string
	Family       string
	Strategy     string
	InputTokens  uint32
	OutputTokens uint32
	Attempts     uint8
	LatencyMs    uint32
	Status       uint16
	Cached       bool
	// Error is the in-band error reported to the client, if any.
	Error     string
	CreatedAt time.Time
}

// level is WARN for invocations that ended in an in-band error.
func (e *RequestLog) level() slog.Level {
	if e.Error != "" {
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

func (e *RequestLog) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 14)
	attrs = append(attrs,
		slog.String("request_id", e.RequestID),
		slog.String("route", e.Route),
		slog.String("model", e.ClientModel),
		slog.String("backend_model", e.BackendModel),
		slog.String("family", e.Family),
		slog.String("strategy", e.Strategy),
		slog.Uint64("input_tokens", uint64(e.InputTokens)),
		slog.Uint64("output_tokens", uint64(e.OutputTokens)),
		slog.Uint64("attempts", uint64(e.Attempts)),
		slog.Uint64("latency_ms", uint64(e.LatencyMs)),
		slog.Uint64("status", uint64(e.Status)),
		slog.Bool("cached", e.Cached),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	)
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	return attrs
}

// Logger is the asynchronous invocation log.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped  atomic.Int64
	reported int64 // writer goroutine only

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
}

// Option configures a Logger.
type Option func(*Logger)

// WithMetrics reports dropped entries on the registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(l *Logger) { l.metrics = m }
}

// New starts the writer goroutine. A nil slogger writes JSON to stdout.
func New(ctx context.Context, slogger *slog.Logger, opts ...Option) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger.With(slog.String("component", "invocation_log")),
	}
	for _, o := range opts {
		o(l)
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues entry. It never blocks.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

// DroppedLogs returns the number of entries lost since start.
func (l *Logger) DroppedLogs() int64 {
	return l.dropped.Load()
}

// Close flushes everything queued so far and stops the writer. Safe to call
// more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, batchSize)
	add := func(e RequestLog) {
		batch = append(batch, e)
		if len(batch) >= batchSize {
			batch = l.flush(batch)
		}
	}

	for {
		select {
		case entry := <-l.ch:
			add(entry)

		case <-ticker.C:
			batch = l.flush(batch)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					add(entry)
				default:
					l.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes batch and returns it emptied for reuse.
func (l *Logger) flush(batch []RequestLog) []RequestLog {
	for i := range batch {
		e := &batch[i]
		l.log.LogAttrs(l.baseCtx, e.level(), "invocation", e.attrs()...)
	}
	l.reportDropped()
	return batch[:0]
}

func (l *Logger) reportDropped() {
	total := l.dropped.Load()
	delta := total - l.reported
	if delta <= 0 {
		return
	}
	l.reported = total
	l.log.LogAttrs(l.baseCtx, slog.LevelWarn, "invocation_log_dropped",
		slog.Int64("dropped", delta),
		slog.Int64("dropped_total", total),
	)
	if l.metrics != nil {
		l.metrics.AddInvocationLogDropped(delta)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
