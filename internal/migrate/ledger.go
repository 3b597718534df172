package migrate

import (
	"fmt"
	"strings"
	"time"
)

// Ledger is the ordered record of every item touched by one run. A ledger is
// owned by a single run and is not safe for concurrent use.
type Ledger struct {
	StartedAt time.Time
	StoppedAt time.Time

	records []*Record
	open    *Record
	now     func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// Start stamps the start time.
func (l *Ledger) Start() {
	l.StartedAt = l.now()
}

// Stop stamps the stop time.
func (l *Ledger) Stop() {
	l.StoppedAt = l.now()
}

// BeginRecord opens a record for one item. At most one record may be open.
func (l *Ledger) BeginRecord(kind Kind, contentType, contentID, contentPath string) (*Record, error) {
	if l.open != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordOpen, l.open.ContentPath)
	}
	rec := &Record{
		Kind:        kind,
		ContentType: contentType,
		ContentID:   contentID,
		ContentPath: contentPath,
	}
	l.records = append(l.records, rec)
	l.open = rec
	return rec, nil
}

// EndRecord closes the open record, marking it failed when cause is non-nil.
func (l *Ledger) EndRecord(cause error) (*Record, error) {
	rec := l.open
	if rec == nil {
		return nil, ErrNoOpenRecord
	}
	rec.Processed = true
	rec.Succeeded = cause == nil
	if cause != nil {
		rec.ErrorMessage = cause.Error()
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = "unknown error"
		}
	}
	l.open = nil
	return rec, nil
}

// Current returns the open record or nil.
func (l *Ledger) Current() *Record {
	return l.open
}

// Records returns the records in processing order.
func (l *Ledger) Records() []*Record {
	return append([]*Record(nil), l.records...)
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Counts returns processed, succeeded and failed totals.
func (l *Ledger) Counts() (processed, succeeded, failed int) {
	for _, r := range l.records {
		if !r.Processed {
			continue
		}
		processed++
		if r.Succeeded {
			succeeded++
		} else {
			failed++
		}
	}
	return processed, succeeded, failed
}

// Duration is zero until both timestamps are set.
func (l *Ledger) Duration() time.Duration {
	if l.StartedAt.IsZero() || l.StoppedAt.IsZero() {
		return 0
	}
	return l.StoppedAt.Sub(l.StartedAt)
}

// Summary renders a short human-readable report of the run.
func (l *Ledger) Summary() string {
	processed, succeeded, failed := l.Counts()

	var b strings.Builder
	fmt.Fprintf(&b, "Started: %s\n", formatTime(l.StartedAt))
	fmt.Fprintf(&b, "Stopped: %s\n", formatTime(l.StoppedAt))
	fmt.Fprintf(&b, "Duration: %s\n", l.Duration())
	fmt.Fprintf(&b, "Processed: %d, Succeeded: %d, Failed: %d\n", processed, succeeded, failed)
	for _, r := range l.records {
		if r.Processed && !r.Succeeded {
			fmt.Fprintf(&b, "  FAILED %s: %s\n", r.ContentPath, r.ErrorMessage)
		}
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
