package checkpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/animus-labs/stepflow/internal/domain"
)

var ErrWriterClosed = errors.New("checkpoint writer closed")

// Writer persists checkpoints on a background goroutine. Enqueue never blocks on
// the store; Flush waits until everything enqueued so far has been saved.
type Writer struct {
	ctx    context.Context
	store  Store
	logger *slog.Logger
	now    func() time.Time
	seq    atomic.Int64

	mu       sync.Mutex
	pending  []domain.Checkpoint
	inflight int
	errs     []error
	waiters  []chan struct{}
	closed   bool

	wake chan struct{}
	done chan struct{}
}

type WriterOption func(*Writer)

func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithSequenceStart continues sequence numbering after a resumed execution's
// last checkpoint.
func WithSequenceStart(seq int64) WriterOption {
	return func(w *Writer) { w.seq.Store(seq) }
}

// NewWriter starts a writer. ctx bounds the store calls and should outlive run
// deadlines so late checkpoints still land.
func NewWriter(ctx context.Context, store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		ctx:    ctx,
		store:  store,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w
}

// Enqueue stamps cp with the next sequence number and queues it.
func (w *Writer) Enqueue(cp domain.Checkpoint) {
	cp.Sequence = w.seq.Add(1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = w.now().UTC()
	}

	w.mu.Lock()
	if w.closed {
		w.errs = append(w.errs, ErrWriterClosed)
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, cp)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until all queued checkpoints are saved or ctx ends. It returns the
// save errors accumulated since the previous Flush.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.pending) == 0 && w.inflight == 0 {
		err := w.takeErrs()
		w.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	w.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.takeErrs()
}

// Close flushes and stops the writer.
func (w *Writer) Close(ctx context.Context) error {
	err := w.Flush(ctx)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.inflight = len(batch)
		if len(batch) == 0 {
			w.releaseWaiters()
			closed := w.closed
			w.mu.Unlock()
			if closed {
				return
			}
			<-w.wake
			continue
		}
		w.mu.Unlock()

		var errs []error
		for _, cp := range batch {
			if err := w.store.Save(w.ctx, cp); err != nil {
				w.logger.Warn("checkpoint save failed",
					"execution_id", cp.ExecutionID,
					"step_id", cp.StepID,
					"error", err.Error(),
				)
				errs = append(errs, err)
			}
		}

		w.mu.Lock()
		w.inflight = 0
		w.errs = append(w.errs, errs...)
		w.mu.Unlock()
	}
}

func (w *Writer) releaseWaiters() {
	for _, ch := range w.waiters {
		close(ch)
	}
	w.waiters = nil
}

func (w *Writer) takeErrs() error {
	err := errors.Join(w.errs...)
	w.errs = nil
	return err
}
