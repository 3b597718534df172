package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnswift/contentbridge/internal/pathutil"
)

// MemoryStore is a mutex-guarded in-process repository. Paths are stored
// verbatim, including same-name-sibling index notation.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string
	byID  map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*Node),
		byID:  make(map[string]string),
	}
}

// LoadSeed reads a JSON array of nodes and stores them in order.
func (s *MemoryStore) LoadSeed(ctx context.Context, r io.Reader) error {
	var nodes []*Node
	if err := json.NewDecoder(r).Decode(&nodes); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, n := range nodes {
		if _, err := s.PutNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) NodeExists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[path]
	return ok, nil
}

func (s *MemoryStore) GetNode(ctx context.Context, path string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return n.Clone(), nil
}

func (s *MemoryStore) GetNodeByID(ctx context.Context, id string) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return s.nodes[p].Clone(), nil
}

func (s *MemoryStore) ResolveHandle(ctx context.Context, node *Node) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if node == nil {
		return nil, ErrNodeNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := node.Path
	for {
		if n, ok := s.nodes[p]; ok && n.IsHandle() {
			return n.Clone(), nil
		}
		if p == "/" || p == "" {
			return nil, ErrNodeNotFound
		}
		p = pathutil.Parent(p)
	}
}

func (s *MemoryStore) FirstVariant(ctx context.Context, handle *Node) (*Node, error) {
	if handle == nil {
		return nil, ErrNodeNotFound
	}
	children, err := s.Children(ctx, handle.Path)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, ErrNodeNotFound
	}
	return children[0], nil
}

func (s *MemoryStore) Children(ctx context.Context, path string) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Node
	for _, p := range s.order {
		if p != path && pathutil.Parent(p) == path {
			out = append(out, s.nodes[p].Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ExecuteQuery(ctx context.Context, statement string, lang QueryLanguage) ([]*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, err := ParseQuery(statement, lang)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Node
	for _, p := range s.order {
		n := s.nodes[p]
		if sel.Type != "" && n.PrimaryType != sel.Type {
			continue
		}
		if matchScope(sel, p) {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func matchScope(sel Selector, p string) bool {
	switch sel.Scope {
	case ScopeExact:
		return p == sel.Root
	case ScopeChildren:
		return p != sel.Root && pathutil.Parent(p) == sel.Root
	default:
		return p != sel.Root && pathutil.IsUnder(p, sel.Root)
	}
}

func (s *MemoryStore) PutNode(ctx context.Context, n *Node) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n == nil || n.Path == "" {
		return nil, fmt.Errorf("node path is required")
	}
	stored := n.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.nodes[stored.Path]; ok {
		delete(s.byID, prev.ID)
	} else {
		s.order = append(s.order, stored.Path)
	}
	s.nodes[stored.Path] = stored
	s.byID[stored.ID] = stored.Path
	return stored.Clone(), nil
}

func (s *MemoryStore) DeleteNode(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, p := range s.order {
		if pathutil.IsUnder(p, path) {
			delete(s.byID, s.nodes[p].ID)
			delete(s.nodes, p)
			continue
		}
		kept = append(kept, p)
	}
	s.order = kept
	return nil
}

var _ ContentWriter = (*MemoryStore)(nil)
