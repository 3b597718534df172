package migrate

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrRecordOpen is returned when a record is begun while another one is
	// still open. It signals a broken begin/end pairing in the caller.
	ErrRecordOpen = errors.New("a migration record is already open")
	// ErrNoOpenRecord is returned by EndRecord when nothing is open.
	ErrNoOpenRecord = errors.New("no migration record is open")
)

// Record is the outcome of migrating one content item.
type Record struct {
	Processed    bool   `json:"processed"`
	Succeeded    bool   `json:"succeeded"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Kind         Kind   `json:"kind,omitempty"`
	ContentType  string `json:"contentType,omitempty"`
	ContentID    string `json:"contentId,omitempty"`
	ContentPath  string `json:"contentPath,omitempty"`

	attrs attributes
}

// attributes keeps typed, insertion-ordered side data for a record. Counters
// and collections are created on first use.
type attributes struct {
	counterNames    []string
	counters        map[string]int64
	collectionNames []string
	collections     map[string][]string
	extraNames      []string
	extra           map[string]string
}

// IncrementCounter adds delta to the named counter, creating it at zero, and
// returns the new value.
func (r *Record) IncrementCounter(name string, delta int64) int64 {
	if r.attrs.counters == nil {
		r.attrs.counters = make(map[string]int64)
	}
	if _, ok := r.attrs.counters[name]; !ok {
		r.attrs.counterNames = append(r.attrs.counterNames, name)
	}
	r.attrs.counters[name] += delta
	return r.attrs.counters[name]
}

// Counter returns the named counter, zero if never incremented.
func (r *Record) Counter(name string) int64 {
	return r.attrs.counters[name]
}

// CounterNames lists counters in creation order.
func (r *Record) CounterNames() []string {
	return clone(r.attrs.counterNames)
}

// AppendToCollection appends values to the named collection, creating it.
func (r *Record) AppendToCollection(name string, values ...string) {
	if r.attrs.collections == nil {
		r.attrs.collections = make(map[string][]string)
	}
	if _, ok := r.attrs.collections[name]; !ok {
		r.attrs.collectionNames = append(r.attrs.collectionNames, name)
	}
	r.attrs.collections[name] = append(r.attrs.collections[name], values...)
}

// Collection returns a copy of the named collection.
func (r *Record) Collection(name string) []string {
	return clone(r.attrs.collections[name])
}

// CollectionNames lists collections in creation order.
func (r *Record) CollectionNames() []string {
	return clone(r.attrs.collectionNames)
}

// SetAttribute stores a free-form string attribute.
func (r *Record) SetAttribute(name, value string) {
	if r.attrs.extra == nil {
		r.attrs.extra = make(map[string]string)
	}
	if _, ok := r.attrs.extra[name]; !ok {
		r.attrs.extraNames = append(r.attrs.extraNames, name)
	}
	r.attrs.extra[name] = value
}

// Attribute returns a free-form attribute.
func (r *Record) Attribute(name string) (string, bool) {
	v, ok := r.attrs.extra[name]
	return v, ok
}

func (r *Record) String() string {
	status := "ok"
	switch {
	case !r.Processed:
		status = "open"
	case !r.Succeeded:
		status = "failed: " + r.ErrorMessage
	}
	return fmt.Sprintf("%s %s (%s) %s", r.Kind, r.ContentPath, r.ContentType, status)
}

type recordJSON struct {
	Processed    bool                `json:"processed"`
	Succeeded    bool                `json:"succeeded"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Kind         Kind                `json:"kind,omitempty"`
	ContentType  string              `json:"contentType,omitempty"`
	ContentID    string              `json:"contentId,omitempty"`
	ContentPath  string              `json:"contentPath,omitempty"`
	Counters     map[string]int64    `json:"counters,omitempty"`
	Collections  map[string][]string `json:"collections,omitempty"`
	Attributes   map[string]string   `json:"attributes,omitempty"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Processed:    r.Processed,
		Succeeded:    r.Succeeded,
		ErrorMessage: r.ErrorMessage,
		Kind:         r.Kind,
		ContentType:  r.ContentType,
		ContentID:    r.ContentID,
		ContentPath:  r.ContentPath,
		Counters:     r.attrs.counters,
		Collections:  r.attrs.collections,
		Attributes:   r.attrs.extra,
	})
}
