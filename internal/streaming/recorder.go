package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/flowrun/internal/store"
)

// LogAppender persists execution and step log records.
type LogAppender interface {
	AppendExecutionLog(ctx context.Context, entry *store.LogEntry) error
	AppendStepLog(ctx context.Context, entry *store.LogEntry) error
}

// Recorder persists each log record through the wrapped appender and then
// publishes it. A record that failed to persist is still published so live
// subscribers see it; a failed publish is only logged.
type Recorder struct {
	next   LogAppender
	pub    Publisher
	logger *slog.Logger
}

// NewRecorder tees log records written to next into pub.
func NewRecorder(next LogAppender, pub Publisher, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{next: next, pub: pub, logger: logger}
}

// AppendExecutionLog implements LogAppender.
func (r *Recorder) AppendExecutionLog(ctx context.Context, entry *store.LogEntry) error {
	err := r.next.AppendExecutionLog(ctx, entry)
	r.publish(ctx, entry)
	return err
}

// AppendStepLog implements LogAppender.
func (r *Recorder) AppendStepLog(ctx context.Context, entry *store.LogEntry) error {
	err := r.next.AppendStepLog(ctx, entry)
	r.publish(ctx, entry)
	return err
}

func (r *Recorder) publish(ctx context.Context, entry *store.LogEntry) {
	// Terminal records are written on a detached context after cancellation.
	if err := r.pub.Publish(context.WithoutCancel(ctx), EventFromLog(entry)); err != nil {
		r.logger.Warn("publish event failed", "execution_id", entry.ExecutionID, "error", err)
	}
}

// EventFromLog converts a log record into an Event. The event type is the
// record's "event" metadata value, or "log" when it has none.
func EventFromLog(entry *store.LogEntry) Event {
	typ, _ := entry.Metadata["event"].(string)
	if typ == "" {
		typ = "log"
	}
	ts := entry.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		ExecutionID: entry.ExecutionID,
		StepKey:     entry.StepKey,
		Type:        typ,
		Level:       string(entry.Level),
		Message:     entry.Message,
		Sequence:    entry.Sequence,
		Metadata:    entry.Metadata,
		Time:        ts,
	}
}

var _ LogAppender = (*Recorder)(nil)
