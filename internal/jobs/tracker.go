package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/johnswift/contentbridge/internal/migrate"
)

// Outcome is what a successful unit of work hands back.
type Outcome struct {
	ArtifactPath string
	Message      string
	Result       *migrate.Result
}

// Work is the body of a process. It should honour ctx at batch boundaries and
// report progress through the job.
type Work func(ctx context.Context, job *Job) (Outcome, error)

// Mirror publishes a finished artifact somewhere downloadable and returns its URL.
type Mirror interface {
	Publish(ctx context.Context, processID, artifactPath string) (string, error)
}

// Job is the worker-side handle of one process.
type Job struct {
	ID   string
	Kind string
	t    *Tracker
}

// Progress records done/total as a fraction. It matches migrate.ProgressFunc.
func (j *Job) Progress(done, total int) {
	if total <= 0 {
		return
	}
	j.t.setProgress(j.ID, float64(done)/float64(total))
}

type entry struct {
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker owns the process id → status map and one goroutine per process.
type Tracker struct {
	store  StatusStore
	mirror Mirror
	log    *zap.Logger
	now    func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	live   map[string]*entry
	closed bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror uploads artifacts of succeeded processes.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. A nil store keeps statuses in memory.
func NewTracker(store StatusStore, log *zap.Logger, opts ...Option) *Tracker {
	if store == nil {
		store = NewMemoryStatusStore()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	t := &Tracker{
		store: store,
		log:   log.Named("jobs"),
		now:   time.Now,
		ctx:   ctx,
		stop:  stop,
		live:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.failInterrupted()
	return t
}

// MessageInterrupted is the message of processes found unfinished in the
// status store when a tracker starts.
const MessageInterrupted = "interrupted by restart"

// failInterrupted marks stored statuses that never reached a terminal state
// as FAILED. No worker of this tracker owns them.
func (t *Tracker) failInterrupted() {
	ctx := context.Background()
	stored, err := t.store.List(ctx)
	if err != nil {
		t.log.Warn("list stored statuses", zap.Error(err))
		return
	}
	for _, st := range stored {
		if st.State.Terminal() {
			continue
		}
		completed := t.now().UTC()
		st.State = StateFailed
		st.Message = joinMessage(st.Message, MessageInterrupted)
		st.CompletionTime = &completed
		if err := t.store.Save(ctx, st); err != nil {
			t.log.Warn("persist status", zap.String("process_id", st.ProcessID), zap.Error(err))
			continue
		}
		t.log.Info("process interrupted", zap.String("process_id", st.ProcessID))
	}
}

// Submit registers a PENDING process and starts work in the background.
func (t *Tracker) Submit(kind string, work Work) (string, error) {
	id := uuid.NewString()
	st := Status{
		ProcessID:   id,
		Kind:        kind,
		State:       StatePending,
		SubmittedAt: t.now().UTC(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrTrackerClosed
	}
	ctx, cancel := context.WithCancel(t.ctx)
	e := &entry{status: st, cancel: cancel, done: make(chan struct{})}
	t.live[id] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if err := t.store.Save(context.Background(), st); err != nil {
		t.log.Warn("persist status", zap.String("process_id", id), zap.Error(err))
	}

	t.log.Info("process submitted", zap.String("process_id", id), zap.String("kind", kind))
	go t.run(ctx, e, &Job{ID: id, Kind: kind, t: t}, work)
	return id, nil
}

func (t *Tracker) run(ctx context.Context, e *entry, job *Job, work Work) {
	defer t.wg.Done()
	defer e.cancel()

	started := t.now().UTC()
	t.update(job.ID, true, func(s *Status) {
		s.State = StateRunning
		s.StartedAt = &started
	})

	out, err := invoke(ctx, job, work)

	var url string
	if err == nil && t.mirror != nil && out.ArtifactPath != "" {
		var merr error
		url, merr = t.mirror.Publish(ctx, job.ID, out.ArtifactPath)
		if merr != nil {
			t.log.Warn("mirror artifact", zap.String("process_id", job.ID), zap.Error(merr))
			out.Message = joinMessage(out.Message, "artifact mirror failed: "+merr.Error())
		}
	}

	completed := t.now().UTC()
	final := t.update(job.ID, true, func(s *Status) {
		s.CompletionTime = &completed
		s.Result = out.Result
		if err != nil {
			s.State = StateFailed
			s.Message = err.Error()
			return
		}
		s.State = StateSucceeded
		s.Progress = 1
		s.Message = out.Message
		s.ArtifactPath = out.ArtifactPath
		s.DownloadURL = url
	})

	t.mu.Lock()
	delete(t.live, job.ID)
	t.mu.Unlock()
	close(e.done)

	t.log.Info("process finished",
		zap.String("process_id", job.ID),
		zap.String("status", string(final.State)),
		zap.Duration("elapsed", completed.Sub(started)))
}

func invoke(ctx context.Context, job *Job, work Work) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("process panicked: %v", r)
		}
	}()
	return work(ctx, job)
}

func joinMessage(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

// update mutates a live status and optionally persists it. Terminal statuses
// are never modified again.
func (t *Tracker) update(id string, persist bool, fn func(*Status)) Status {
	t.mu.Lock()
	e, ok := t.live[id]
	if !ok || e.status.State.Terminal() {
		t.mu.Unlock()
		return e.statusOrZero()
	}
	fn(&e.status)
	snapshot := e.status
	t.mu.Unlock()

	if persist {
		if err := t.store.Save(context.Background(), snapshot); err != nil {
			t.log.Warn("persist status", zap.String("process_id", id), zap.Error(err))
		}
	}
	return snapshot
}

func (e *entry) statusOrZero() Status {
	if e == nil {
		return Status{}
	}
	return e.status
}

func (t *Tracker) setProgress(id string, p float64) {
	if p > 1 {
		p = 1
	}
	t.update(id, false, func(s *Status) {
		if s.State == StateRunning && p > s.Progress {
			s.Progress = p
		}
	})
}

// Poll returns a snapshot of a process. It never waits on the worker.
func (t *Tracker) Poll(ctx context.Context, id string) (Status, error) {
	t.mu.Lock()
	if e, ok := t.live[id]; ok {
		st := e.status
		t.mu.Unlock()
		return st, nil
	}
	t.mu.Unlock()
	return t.store.Load(ctx, id)
}

// Cancel requests cancellation. The running executor stops at its next batch
// boundary.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	t.mu.Lock()
	e, ok := t.live[id]
	if ok && !e.status.State.Terminal() {
		e.status.CancelRequested = true
		e.cancel()
		t.mu.Unlock()
		t.log.Info("cancellation requested", zap.String("process_id", id))
		return nil
	}
	t.mu.Unlock()

	if _, err := t.store.Load(ctx, id); err != nil {
		return err
	}
	return ErrProcessFinished
}

// Wait blocks until the process is terminal or ctx is done.
func (t *Tracker) Wait(ctx context.Context, id string) (Status, error) {
	t.mu.Lock()
	e, ok := t.live[id]
	t.mu.Unlock()
	if ok {
		select {
		case <-e.done:
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
	return t.store.Load(ctx, id)
}

// List returns every known process, live statuses overlaid on stored ones.
func (t *Tracker) List(ctx context.Context) ([]Status, error) {
	stored, err := t.store.List(ctx)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, st := range stored {
		if e, ok := t.live[st.ProcessID]; ok {
			stored[i] = e.status
		}
	}
	return stored, nil
}

// Prune removes finished statuses older than age. It is a sweeper task.
func (t *Tracker) Prune(ctx context.Context, age time.Duration) (int, error) {
	return t.store.DeleteFinishedBefore(ctx, t.now().Add(-age))
}

// Close cancels every running process and waits for the workers to publish
// their final state.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.stop()
	t.wg.Wait()
	return nil
}

// IsCancelled reports whether err came from a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, migrate.ErrCancelled) || errors.Is(err, context.Canceled)
}
