// Package transfer converts repository content to and from the portable ZIP
// package format, one item at a time, and drives whole export/import runs.
package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/johnswift/contentbridge/internal/migrate"
)

// FormatVersion is written to every manifest.
const FormatVersion = 1

// Reserved package entries.
const (
	ManifestEntry = "_manifest.json"
	LogEntry      = "_log.json"
)

var (
	// ErrNotHandle fails an import item whose path holds a node that is not a
	// handle.
	ErrNotHandle = errors.New("existing node is not a handle")
	// ErrOutsideRoots fails an import item outside the roots of its kind.
	ErrOutsideRoots = errors.New("path outside the configured roots")
)

// Reference prefixes used inside exported property values.
const (
	BinaryRefPrefix = "binary:"
	PathRefPrefix   = "path:"
	dataURLPrefix   = "data:"
)

// Record counters and collections written by the conversions.
const (
	CounterVariants       = "variants"
	CounterReferences     = "docbaseReferences"
	CounterFoldersCreated = "foldersCreated"
	CollectionUnresolved  = "unresolvedReferences"
)

// ContentNode is the serialized form of one handle and its variants.
type ContentNode struct {
	Path        string       `json:"path"`
	PrimaryType string       `json:"primaryType"`
	Kind        migrate.Kind `json:"kind"`
	Tags        []string     `json:"tags,omitempty"`
	Variants    []Variant    `json:"variants"`
}

// Variant is one concrete representation of a handle.
type Variant struct {
	// Name is the node name under the handle, index notation included.
	Name        string         `json:"name"`
	PrimaryType string         `json:"primaryType"`
	State       string         `json:"state,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	MimeType    string         `json:"mimeType,omitempty"`
	// Data is a data URL or a "binary:<entry>" reference.
	Data string `json:"data,omitempty"`
}

// Manifest is written last and summarizes the package.
type Manifest struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	Result     *migrate.Result `json:"result"`
}

// RunLog is the ledger of the run that produced the package.
type RunLog struct {
	StartedAt time.Time         `json:"startedAt"`
	StoppedAt time.Time         `json:"stoppedAt"`
	Summary   string            `json:"summary"`
	Records   []*migrate.Record `json:"records"`
}

// Report is what an export or import run hands back.
type Report struct {
	Result *migrate.Result `json:"result"`
	Ledger *migrate.Ledger `json:"-"`
}

// Summary is the ledger summary, or "" when no run happened.
func (r *Report) Summary() string {
	if r == nil || r.Ledger == nil {
		return ""
	}
	return r.Ledger.Summary()
}

func kindDir(kind migrate.Kind) string {
	if kind == migrate.KindBinary {
		return "binaries"
	}
	return "documents"
}

// NodeEntry is the package entry holding the ContentNode for a handle.
func NodeEntry(kind migrate.Kind, handlePath string) string {
	return kindDir(kind) + "/" + strings.TrimPrefix(handlePath, "/") + ".json"
}

// DataEntry is the package entry holding a large binary payload.
func DataEntry(variantPath string) string {
	return "data/" + strings.TrimPrefix(variantPath, "/")
}

// itemFromEntry reverses NodeEntry.
func itemFromEntry(name string) (migrate.Item, bool) {
	for _, kind := range []migrate.Kind{migrate.KindBinary, migrate.KindDocument} {
		prefix := kindDir(kind) + "/"
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".json") {
			rel := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
			if rel == "" {
				return migrate.Item{}, false
			}
			return migrate.Item{HandlePath: "/" + rel, Kind: kind}, true
		}
	}
	return migrate.Item{}, false
}

func tagsFor(kind migrate.Kind, params migrate.Parameters) []string {
	var tags []string
	if kind == migrate.KindBinary {
		tags = params.BinaryTags
	} else {
		tags = params.DocumentTags
	}
	if len(tags) == 0 {
		return nil
	}
	return append([]string(nil), tags...)
}

func errMissingEntry(name string) error {
	return fmt.Errorf("package entry %s is missing", name)
}
