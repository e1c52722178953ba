// Package logger implements a non-blocking, batched generation log.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the request path. If
// the channel fills up (> 10 000 entries), new entries are dropped and
// counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// GenerationLog is one record per inbound generation request.
type GenerationLog struct {
	ID        uuid.UUID
	RequestID string
	Provider  string
	Model     string
	TaskType  string
	Requested uint16
	Images    uint16
	LatencyMs uint32
	Status    uint16
	Success   bool
	Error     string
	CreatedAt time.Time
}

// Sink persists a flushed batch.
type Sink interface {
	Write(ctx context.Context, batch []GenerationLog) error
}

type Logger struct {
	ch        chan GenerationLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
}

// New starts the flush loop. A nil sink writes through slogger.
func New(ctx context.Context, sink Sink, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan GenerationLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry GenerationLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains pending entries and stops the loop.
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

	batch := make([]GenerationLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			batch[i].CreatedAt = normalizeTime(batch[i].CreatedAt)
		}
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.WarnContext(ctx, "generation_log_flush_failed",
				slog.Int("entries", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			// The base context may already be cancelled at shutdown.
			ctx := context.WithoutCancel(l.baseCtx)
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(ctx)
					}
				default:
					flush(ctx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// SlogSink writes each entry as a structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []GenerationLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "generation",
			slog.String("id", e.ID.String()),
			slog.String("request_id", e.RequestID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("task", e.TaskType),
			slog.Uint64("requested", uint64(e.Requested)),
			slog.Uint64("images", uint64(e.Images)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.Uint64("status", uint64(e.Status)),
			slog.Bool("success", e.Success),
			slog.String("error", e.Error),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}
