package migrate

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Operation migrates a single item. Returning an error, or panicking, marks
// the item's record failed; the run continues with the next item.
type Operation func(ctx context.Context, rec *Record, item Item) error

// ProgressFunc is called after each item with the number processed so far.
type ProgressFunc func(done, total int)

// Sleeper pauses between batches. It returns early with ctx.Err() when ctx
// is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs an operation over items in fixed-size batches, pausing for
// the configured throttle between batches.
type Executor struct {
	log   *zap.Logger
	sleep Sleeper
	now   func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the inter-batch pause.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// WithClock replaces the ledger clock.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor. A nil logger disables logging.
func NewExecutor(log *zap.Logger, opts ...ExecutorOption) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		log:   log.Named("executor"),
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run applies op to every item, one record per item, in order. Cancellation
// is honoured at batch boundaries only; a batch in flight always completes.
// On cancellation the ledger holds the records written so far and the error
// wraps ErrCancelled.
func (e *Executor) Run(ctx context.Context, items []Item, params Parameters, op Operation, progress ProgressFunc) (*Ledger, error) {
	ledger := NewLedger()
	ledger.now = e.now
	ledger.Start()
	defer ledger.Stop()

	batchSize := params.EffectiveBatchSize()
	throttle := params.EffectiveThrottle()
	total := len(items)

	// Items within a batch never see the caller's cancellation.
	itemCtx := context.WithoutCancel(ctx)

	e.log.Info("run started",
		zap.Int("items", total),
		zap.Int("batch_size", batchSize),
		zap.Duration("throttle", throttle))

	done := 0
	for start := 0; start < total; start += batchSize {
		if start > 0 && throttle > 0 {
			if err := e.sleep(ctx, throttle); err != nil {
				return ledger, e.cancelled(ctx, done, total)
			}
		}
		if ctx.Err() != nil {
			return ledger, e.cancelled(ctx, done, total)
		}

		end := min(start+batchSize, total)
		for _, item := range items[start:end] {
			e.runItem(itemCtx, ledger, op, item)
			done++
			if progress != nil {
				progress(done, total)
			}
		}
		e.log.Debug("batch complete", zap.Int("done", done), zap.Int("total", total))
	}

	processed, succeeded, failed := ledger.Counts()
	e.log.Info("run finished",
		zap.Int("processed", processed),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))
	return ledger, nil
}

func (e *Executor) cancelled(ctx context.Context, done, total int) error {
	e.log.Warn("run cancelled", zap.Int("done", done), zap.Int("total", total))
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return &Error{Op: "execute", Err: fmt.Errorf("%w: %w", ErrCancelled, cause)}
}

func (e *Executor) runItem(ctx context.Context, ledger *Ledger, op Operation, item Item) {
	rec, err := ledger.BeginRecord(item.Kind, item.PrimaryType, "", item.HandlePath)
	if err != nil {
		// Only reachable if the ledger was shared with another writer.
		panic(err)
	}

	opErr := invoke(ctx, op, rec, item)
	if _, err := ledger.EndRecord(opErr); err != nil {
		panic(err)
	}
	if opErr != nil {
		e.log.Warn("item failed", zap.String("path", item.HandlePath), zap.Error(opErr))
	}
}

func invoke(ctx context.Context, op Operation, rec *Record, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return op(ctx, rec, item)
}
