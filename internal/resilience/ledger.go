package resilience

import (
	"sort"

	"github.com/sells-group/llm-factory/internal/model"
)

// LedgerEntry records one failed work unit found in an output store.
type LedgerEntry struct {
	Key       string            `json:"key"`
	Unit      string            `json:"unit"`
	Kind      model.FailureKind `json:"kind"`
	Message   string            `json:"message"`
	Attempts  int               `json:"attempts"`
	Retryable bool              `json:"retryable"`
}

// Ledger collects the failed units of a run so they can be reviewed and, for
// transient kinds, resubmitted in a later run against a fresh output store.
type Ledger struct {
	Entries []LedgerEntry
	byKind  map[model.FailureKind]int
	records map[string]struct{}
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byKind:  make(map[model.FailureKind]int),
		records: make(map[string]struct{}),
	}
}

// AddRow records the inline error notes of a stored row.
func (l *Ledger) AddRow(row model.Row, keyField string) {
	key := row.Key(keyField)
	for _, e := range row.Errors() {
		l.Entries = append(l.Entries, LedgerEntry{
			Key:       key,
			Unit:      e.Unit,
			Kind:      e.Kind,
			Message:   e.Message,
			Attempts:  e.Attempts,
			Retryable: e.Kind.Transient() || e.Kind == model.FailureCircuitOpen,
		})
		l.byKind[e.Kind]++
		l.records[key] = struct{}{}
	}
}

// Records returns the number of distinct records with at least one failure.
func (l *Ledger) Records() int {
	return len(l.records)
}

// Len returns the number of failed units.
func (l *Ledger) Len() int {
	return len(l.Entries)
}

// CountsByKind returns failure counts per kind.
func (l *Ledger) CountsByKind() map[model.FailureKind]int {
	out := make(map[model.FailureKind]int, len(l.byKind))
	for k, v := range l.byKind {
		out[k] = v
	}
	return out
}

// RetryableKeys returns the sorted keys of records whose every failure is
// retryable.
func (l *Ledger) RetryableKeys() []string {
	blocked := make(map[string]bool)
	for _, e := range l.Entries {
		if !e.Retryable {
			blocked[e.Key] = true
		}
	}
	var keys []string
	for k := range l.records {
		if !blocked[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
