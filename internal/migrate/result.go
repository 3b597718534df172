package migrate

import (
	"errors"
	"fmt"
)

// ErrCancelled is wrapped into the error returned by a run stopped early.
var ErrCancelled = errors.New("migration cancelled")

// Error is a fatal failure of a collection or execution call, such as a
// repository query error. Per-item failures never surface as Error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("migrate %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Item identifies one migratable content item by its canonical handle path.
type Item struct {
	HandlePath  string `json:"path"`
	PrimaryType string `json:"type"`
	Kind        Kind   `json:"kind"`
}

// Result aggregates counts, discovered items and errors for a collection pass
// or an execution. Counters are only ever incremented.
type Result struct {
	TotalBinaryCount       int      `json:"totalBinaryCount"`
	TotalDocumentCount     int      `json:"totalDocumentCount"`
	SucceededBinaryCount   int      `json:"succeededBinaryCount"`
	SucceededDocumentCount int      `json:"succeededDocumentCount"`
	Items                  []Item   `json:"items"`
	Errors                 []string `json:"errors"`
}

// NewResult returns an empty result with non-nil lists.
func NewResult() *Result {
	return &Result{Items: []Item{}, Errors: []string{}}
}

// AddItem appends an item and counts it by kind.
func (r *Result) AddItem(item Item) {
	r.Items = append(r.Items, item)
	switch item.Kind {
	case KindBinary:
		r.TotalBinaryCount++
	case KindDocument:
		r.TotalDocumentCount++
	}
}

// AddError appends an error message.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// ItemsOf returns the items of one kind in discovery order.
func (r *Result) ItemsOf(kind Kind) []Item {
	var out []Item
	for _, it := range r.Items {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// ApplyLedger adds succeeded counts and failure messages from closed records.
func (r *Result) ApplyLedger(l *Ledger) {
	for _, rec := range l.Records() {
		if !rec.Processed {
			continue
		}
		if !rec.Succeeded {
			r.AddError(fmt.Sprintf("%s: %s", rec.ContentPath, rec.ErrorMessage))
			continue
		}
		switch rec.Kind {
		case KindBinary:
			r.SucceededBinaryCount++
		case KindDocument:
			r.SucceededDocumentCount++
		}
	}
}

// TotalCount is the number of items of either kind.
func (r *Result) TotalCount() int {
	return r.TotalBinaryCount + r.TotalDocumentCount
}

// SucceededCount is the number of succeeded items of either kind.
func (r *Result) SucceededCount() int {
	return r.SucceededBinaryCount + r.SucceededDocumentCount
}
