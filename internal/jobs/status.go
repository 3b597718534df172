// Package jobs runs exports and imports as background processes that callers
// submit, poll and cancel by process id.
package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnswift/contentbridge/internal/migrate"
)

// State is the lifecycle state of a process.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

var (
	// ErrProcessNotFound is returned for unknown process ids.
	ErrProcessNotFound = errors.New("process not found")
	// ErrProcessFinished is returned when cancelling a terminal process.
	ErrProcessFinished = errors.New("process already finished")
	// ErrTrackerClosed is returned by Submit after Close.
	ErrTrackerClosed = errors.New("job tracker is closed")
)

// Status is a point-in-time snapshot of a process.
type Status struct {
	ProcessID       string          `json:"processId"`
	Kind            string          `json:"kind"`
	State           State           `json:"status"`
	Progress        float64         `json:"progress"`
	SubmittedAt     time.Time       `json:"submittedAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletionTime  *time.Time      `json:"completionTime,omitempty"`
	Message         string          `json:"message,omitempty"`
	ArtifactPath    string          `json:"artifactPath,omitempty"`
	DownloadURL     string          `json:"downloadUrl,omitempty"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	Result          *migrate.Result `json:"result,omitempty"`
}

// StatusStore persists process statuses.
type StatusStore interface {
	Save(ctx context.Context, s Status) error
	// Load returns ErrProcessNotFound for unknown ids.
	Load(ctx context.Context, id string) (Status, error)
	// List returns statuses ordered by submission time.
	List(ctx context.Context) ([]Status, error)
	// DeleteFinishedBefore removes terminal statuses completed before t.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int, error)
	Close() error
}

// MemoryStatusStore keeps statuses in a map.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMemoryStatusStore creates an empty store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (m *MemoryStatusStore) Save(_ context.Context, s Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[s.ProcessID] = s
	return nil
}

func (m *MemoryStatusStore) Load(_ context.Context, id string) (Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[id]
	if !ok {
		return Status{}, ErrProcessNotFound
	}
	return s, nil
}

func (m *MemoryStatusStore) List(_ context.Context) ([]Status, error) {
	m.mu.RLock()
	out := make([]Status, 0, len(m.statuses))
	for _, s := range m.statuses {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ProcessID < out[j].ProcessID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (m *MemoryStatusStore) DeleteFinishedBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.statuses {
		if s.State.Terminal() && s.CompletionTime != nil && s.CompletionTime.Before(t) {
			delete(m.statuses, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStatusStore) Close() error { return nil }
