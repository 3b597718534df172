// Package migrate holds the migration execution core: parameters, per-item
// records, the run ledger, aggregate results and the batch executor.
package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a parameter is left unset.
const (
	DefaultBatchSize            = 200
	DefaultThrottleMillis int64 = 10
	DefaultDataURLThreshold     = 256 * 1024
)

// ErrInvalidParameters marks parameters that cannot be run.
var ErrInvalidParameters = errors.New("invalid parameters")

// Kind distinguishes binaries (gallery images, assets) from documents.
type Kind string

const (
	KindBinary   Kind = "binary"
	KindDocument Kind = "document"
)

// PublishPolicy controls which imported variants become published.
type PublishPolicy string

const (
	PublishNone PublishPolicy = "none"
	PublishAll  PublishPolicy = "all"
	PublishLive PublishPolicy = "live"
)

// ParsePublishPolicy accepts "none", "all" or "live" (case-insensitive); the
// empty string maps to PublishNone.
func ParsePublishPolicy(s string) (PublishPolicy, error) {
	switch p := PublishPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PublishNone, nil
	case PublishNone, PublishAll, PublishLive:
		return p, nil
	default:
		return "", fmt.Errorf("%w: publish policy %q (must be none, all or live)", ErrInvalidParameters, s)
	}
}

// FolderDefaults describes the folders created when an imported binary needs
// missing parents: the folder's own type, the folder types offered inside it
// and the gallery item types it accepts.
type FolderDefaults struct {
	PrimaryType  string   `json:"primaryType" yaml:"primary_type"`
	FolderTypes  []string `json:"folderTypes" yaml:"folder_types"`
	GalleryTypes []string `json:"galleryTypes" yaml:"gallery_types"`
}

// DefaultGalleryFolder returns the image gallery folder defaults.
func DefaultGalleryFolder() FolderDefaults {
	return FolderDefaults{
		PrimaryType:  "gallery:imagegallery",
		FolderTypes:  []string{"new-image-folder"},
		GalleryTypes: []string{"gallery:imageset"},
	}
}

// DefaultAssetFolder returns the asset folder defaults.
func DefaultAssetFolder() FolderDefaults {
	return FolderDefaults{
		PrimaryType:  "gallery:assetgallery",
		FolderTypes:  []string{"new-file-folder"},
		GalleryTypes: []string{"gallery:assetset"},
	}
}

func (f FolderDefaults) withDefaults(def FolderDefaults) FolderDefaults {
	if f.PrimaryType == "" {
		f.PrimaryType = def.PrimaryType
	}
	if len(f.FolderTypes) == 0 {
		f.FolderTypes = def.FolderTypes
	}
	if len(f.GalleryTypes) == 0 {
		f.GalleryTypes = def.GalleryTypes
	}
	return f
}

func (f FolderDefaults) clone() FolderDefaults {
	f.FolderTypes = clone(f.FolderTypes)
	f.GalleryTypes = clone(f.GalleryTypes)
	return f
}

// QueriesAndPaths selects content by literal paths and queries, optionally
// filtered by include/exclude patterns. It is immutable: accessors return
// copies and a zero value behaves as empty.
type QueriesAndPaths struct {
	queries  []string
	paths    []string
	includes []string
	excludes []string
}

// NewQueriesAndPaths copies its inputs into a new selector set.
func NewQueriesAndPaths(queries, paths, includes, excludes []string) QueriesAndPaths {
	return QueriesAndPaths{
		queries:  clone(queries),
		paths:    clone(paths),
		includes: clone(includes),
		excludes: clone(excludes),
	}
}

func (q QueriesAndPaths) clone() QueriesAndPaths {
	return NewQueriesAndPaths(q.queries, q.paths, q.includes, q.excludes)
}

func (q QueriesAndPaths) Queries() []string  { return clone(q.queries) }
func (q QueriesAndPaths) Paths() []string    { return clone(q.paths) }
func (q QueriesAndPaths) Includes() []string { return clone(q.includes) }
func (q QueriesAndPaths) Excludes() []string { return clone(q.excludes) }

// IsEmpty reports whether neither paths nor queries are set.
func (q QueriesAndPaths) IsEmpty() bool {
	return len(q.queries) == 0 && len(q.paths) == 0
}

type queriesAndPathsJSON struct {
	Queries  []string `json:"queries,omitempty"`
	Paths    []string `json:"paths,omitempty"`
	Includes []string `json:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty"`
}

func (q QueriesAndPaths) MarshalJSON() ([]byte, error) {
	return json.Marshal(queriesAndPathsJSON{
		Queries:  q.queries,
		Paths:    q.paths,
		Includes: q.includes,
		Excludes: q.excludes,
	})
}

func (q *QueriesAndPaths) UnmarshalJSON(data []byte) error {
	var raw queriesAndPathsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*q = NewQueriesAndPaths(raw.Queries, raw.Paths, raw.Includes, raw.Excludes)
	return nil
}

func clone(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

// Parameters configures a single export or import execution.
type Parameters struct {
	BatchSize int `json:"batchSize,omitempty"`
	// ThrottleMillis is the pause between batches; nil means the default.
	ThrottleMillis       *int64        `json:"throttle,omitempty"`
	PublishOnImport      PublishPolicy `json:"publishOnImport,omitempty"`
	DataURLSizeThreshold int64         `json:"dataUrlSizeThreshold,omitempty"`

	Binaries  QueriesAndPaths `json:"binaries"`
	Documents QueriesAndPaths `json:"documents"`

	DocbasePropertyNames []string `json:"docbasePropertyNames,omitempty"`
	DocumentTags         []string `json:"documentTags,omitempty"`
	BinaryTags           []string `json:"binaryTags,omitempty"`

	GalleryFolder FolderDefaults `json:"galleryFolder"`
	AssetFolder   FolderDefaults `json:"assetFolder"`

	// Roots used to decide whether a path is binary- or document-shaped.
	BinaryRoots   []string `json:"binaryRoots,omitempty"`
	DocumentRoots []string `json:"documentRoots,omitempty"`
}

// Clone returns a deep copy of p. Decoding a request into the copy never
// writes through to p.
func (p Parameters) Clone() Parameters {
	c := p
	if p.ThrottleMillis != nil {
		v := *p.ThrottleMillis
		c.ThrottleMillis = &v
	}
	c.Binaries = p.Binaries.clone()
	c.Documents = p.Documents.clone()
	c.DocbasePropertyNames = clone(p.DocbasePropertyNames)
	c.DocumentTags = clone(p.DocumentTags)
	c.BinaryTags = clone(p.BinaryTags)
	c.GalleryFolder = p.GalleryFolder.clone()
	c.AssetFolder = p.AssetFolder.clone()
	c.BinaryRoots = clone(p.BinaryRoots)
	c.DocumentRoots = clone(p.DocumentRoots)
	return c
}

// DefaultParameters returns parameters with every default applied.
func DefaultParameters() Parameters {
	return Parameters{}.WithDefaults()
}

// WithDefaults returns a copy of p with unset fields defaulted.
func (p Parameters) WithDefaults() Parameters {
	if p.BatchSize <= 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.ThrottleMillis == nil {
		v := DefaultThrottleMillis
		p.ThrottleMillis = &v
	}
	if pp, err := ParsePublishPolicy(string(p.PublishOnImport)); err == nil {
		p.PublishOnImport = pp
	}
	if p.DataURLSizeThreshold <= 0 {
		p.DataURLSizeThreshold = DefaultDataURLThreshold
	}
	p.GalleryFolder = p.GalleryFolder.withDefaults(DefaultGalleryFolder())
	p.AssetFolder = p.AssetFolder.withDefaults(DefaultAssetFolder())
	return p
}

// EffectiveBatchSize is always positive.
func (p Parameters) EffectiveBatchSize() int {
	if p.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return p.BatchSize
}

// EffectiveThrottle is never negative.
func (p Parameters) EffectiveThrottle() time.Duration {
	ms := DefaultThrottleMillis
	if p.ThrottleMillis != nil {
		ms = *p.ThrottleMillis
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Throttle is a helper for building Parameters literals.
func Throttle(ms int64) *int64 {
	return &ms
}

// Validate rejects parameters that cannot be defaulted into something sane.
func (p Parameters) Validate() error {
	if _, err := ParsePublishPolicy(string(p.PublishOnImport)); err != nil {
		return err
	}
	return nil
}
