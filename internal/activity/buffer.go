package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pxgate/internal/logging"
	"pxgate/internal/metrics"
)

const (
	defaultBatchSize   = 20
	defaultSendTimeout = 10 * time.Second
	defaultMaxRetries  = 2
)

// BufferOptions tune a Buffer.
type BufferOptions struct {
	BatchSize int
	// FlushInterval flushes partial batches periodically once Start was
	// called. Zero disables the ticker.
	FlushInterval time.Duration
	SendTimeout   time.Duration
	MaxRetries    uint64
	// RetryInterval is the first backoff delay between send attempts.
	RetryInterval time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Collectors
}

// Buffer is the process-wide activity queue. Appends are mutex-guarded;
// reaching the batch size swaps the pending slice out under the lock so a
// batch is sent exactly once.
type Buffer struct {
	sender Sender
	opts   BufferOptions

	mu      sync.Mutex
	pending []Event
	closed  bool

	inflight  sync.WaitGroup
	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}
}

// NewBuffer creates a buffer shipping batches through sender.
func NewBuffer(sender Sender, opts BufferOptions) *Buffer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Buffer{
		sender:   sender,
		opts:     opts,
		pending:  make([]Event, 0, opts.BatchSize),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Enqueue appends ev. When the batch is full it is detached and sent on a
// separate goroutine.
func (b *Buffer) Enqueue(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.opts.Metrics.ActivitySend("dropped")
		b.opts.Logger.Warn("activity buffer closed, dropping event", "type", ev.Type)
		return
	}
	b.pending = append(b.pending, ev)
	var batch []Event
	if len(b.pending) >= b.opts.BatchSize {
		batch = b.detachLocked()
		// counted under the lock so Close cannot miss it
		b.inflight.Add(1)
	}
	b.mu.Unlock()

	b.opts.Metrics.ActivityEvent(ev.Type)
	if batch != nil {
		b.sendAsync(batch)
	}
}

// Len returns the number of events waiting for a flush.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush sends the pending partial batch synchronously.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.detachLocked()
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.send(ctx, batch)
}

// Start launches the periodic flush loop.
func (b *Buffer) Start() {
	b.startOnce.Do(func() {
		if b.opts.FlushInterval <= 0 {
			close(b.loopDone)
			return
		}
		go b.loop()
	})
}

func (b *Buffer) loop() {
	defer close(b.loopDone)
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
			if err := b.Flush(ctx); err != nil {
				b.opts.Logger.Warn("activity flush failed", "error", err)
			}
			cancel()
		}
	}
}

// Close stops the flush loop, sends what is left and waits for in-flight
// sends. Events enqueued afterwards are dropped.
func (b *Buffer) Close(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.startOnce.Do(func() {
		// never started
		close(b.loopDone)
	})
	select {
	case <-b.loopDone:
	case <-ctx.Done():
	}

	b.mu.Lock()
	b.closed = true
	batch := b.detachLocked()
	b.mu.Unlock()

	var err error
	if len(batch) > 0 {
		err = b.send(ctx, batch)
	}

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (b *Buffer) detachLocked() []Event {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]Event, 0, b.opts.BatchSize)
	return batch
}

// sendAsync expects the caller to have added batch to inflight.
func (b *Buffer) sendAsync(batch []Event) {
	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.SendTimeout)
		defer cancel()
		if err := b.send(ctx, batch); err != nil {
			b.opts.Logger.Warn("activity send failed", "events", len(batch), "error", err)
		}
	}()
}

func (b *Buffer) send(ctx context.Context, batch []Event) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.RetryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, b.opts.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		return b.sender.Send(ctx, batch)
	}, retry)
	if err != nil {
		b.opts.Metrics.ActivitySend("error")
		return err
	}
	b.opts.Metrics.ActivitySend("ok")
	return nil
}
