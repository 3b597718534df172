// Package repo defines the content-store collaborator used by the migration
// engine and ships an in-memory implementation.
package repo

import (
	"context"
	"errors"
	"time"
)

// Well-known primary types.
const (
	TypeHandle = "content:handle"
	TypeFolder = "content:folder"
)

// Variant states stored in the "state" property of a variant.
const (
	StateDraft     = "draft"
	StatePublished = "published"
)

// PropState is the property holding a variant's workflow state.
const PropState = "state"

// ErrNodeNotFound is returned when a path, id, handle or variant does not exist.
var ErrNodeNotFound = errors.New("node not found")

// QueryLanguage selects how ExecuteQuery interprets a statement.
type QueryLanguage string

const (
	XPath QueryLanguage = "XPATH"
	SQL   QueryLanguage = "SQL"
)

// Node is a single repository node.
type Node struct {
	ID          string         `json:"id"`
	Path        string         `json:"path"`
	PrimaryType string         `json:"primaryType"`
	Properties  map[string]any `json:"properties,omitempty"`
	Data        []byte         `json:"data,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt,omitempty"`
}

// IsHandle reports whether n is a handle node.
func (n *Node) IsHandle() bool {
	return n != nil && n.PrimaryType == TypeHandle
}

// Clone returns a deep-enough copy of n for callers that mutate properties.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.Data != nil {
		c.Data = append([]byte(nil), n.Data...)
	}
	return &c
}

// StringProperty returns a string property or "".
func (n *Node) StringProperty(name string) string {
	if n == nil || n.Properties == nil {
		return ""
	}
	s, _ := n.Properties[name].(string)
	return s
}

// Store is the read surface the migration engine needs from a repository.
type Store interface {
	NodeExists(ctx context.Context, path string) (bool, error)
	// GetNode returns ErrNodeNotFound when nothing lives at path.
	GetNode(ctx context.Context, path string) (*Node, error)
	// ResolveHandle returns the nearest enclosing handle of node (node itself
	// when it is a handle) or ErrNodeNotFound.
	ResolveHandle(ctx context.Context, node *Node) (*Node, error)
	// FirstVariant returns the first child variant of handle or ErrNodeNotFound.
	FirstVariant(ctx context.Context, handle *Node) (*Node, error)
	ExecuteQuery(ctx context.Context, statement string, lang QueryLanguage) ([]*Node, error)
}

// ContentReader is the read surface used by the export conversion.
type ContentReader interface {
	Store
	GetNodeByID(ctx context.Context, id string) (*Node, error)
	// Children returns the direct children of path in document order.
	Children(ctx context.Context, path string) ([]*Node, error)
}

// ContentWriter is the write surface used by the import conversion.
type ContentWriter interface {
	ContentReader
	// PutNode creates or replaces the node at n.Path. An empty ID is assigned.
	PutNode(ctx context.Context, n *Node) (*Node, error)
	// DeleteNode removes path and its subtree; a missing path is not an error.
	DeleteNode(ctx context.Context, path string) error
}
