package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBuffer       = 1024
	defaultWriteTimeout = 5 * time.Second
)

// DropCounter counts entries the recorder had to drop, typically a
// prometheus counter. Drops are an operator signal, never a caller error.
type DropCounter interface {
	Inc()
}

// Recorder decouples audit delivery from the grant/deny decision. Record
// never blocks and never fails the caller; store errors are logged and
// surfaced through the drop counter.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	drops   DropCounter
	entries chan Entry

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRecorder starts the background writer.
func NewRecorder(store Store, logger *slog.Logger, drops DropCounter) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger,
		drops:   drops,
		entries: make(chan Entry, defaultBuffer),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an entry for delivery. A full buffer drops the entry
// rather than stalling an evaluation.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}
	select {
	case <-r.done:
		r.drop(entry)
		return
	default:
	}
	select {
	case r.entries <- entry:
	default:
		r.drop(entry)
	}
}

// Close drains outstanding entries and stops the writer.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		case <-r.done:
			for {
				select {
				case entry := <-r.entries:
					r.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := r.store.Insert(ctx, entry); err != nil {
		r.drop(entry)
	}
}

func (r *Recorder) drop(entry Entry) {
	if r.drops != nil {
		r.drops.Inc()
	}
	if r.logger != nil {
		r.logger.Error("audit delivery failed",
			slog.String("action", entry.Action),
			slog.String("user_id", entry.UserID))
	}
}
