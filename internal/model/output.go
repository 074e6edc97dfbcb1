package model

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// UnitError is the inline error note attached to an output record when one of
// its work units failed.
type UnitError struct {
	Unit     string      `json:"unit"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
	Attempts int         `json:"attempts,omitempty"`
}

// UnitOutcome is the parsed outcome of one work unit.
type UnitOutcome struct {
	Unit        WorkUnit
	Fields      ExtractedFields
	Raw         string
	Error       *UnitError
	Passthrough map[string]any
}

// OutputRecord merges all unit outcomes of one record. It is written once and
// never updated.
type OutputRecord struct {
	Key      string
	KeyField string
	Outcomes []UnitOutcome
	// KeepRaw writes each unit's raw reply next to its fields.
	KeepRaw bool
}

// FieldName joins a unit prefix and a field name the way output columns are
// spelled, e.g. "step 2" + "choiceA_value" -> "step 2_choiceA_value".
func FieldName(unit, field string) string {
	if unit == "" {
		return field
	}
	return unit + "_" + field
}

// Errors returns the error notes of failed units.
func (o OutputRecord) Errors() []UnitError {
	var errs []UnitError
	for _, oc := range o.Outcomes {
		if oc.Error != nil {
			errs = append(errs, *oc.Error)
		}
	}
	return errs
}

// HasErrors reports whether any unit failed.
func (o OutputRecord) HasErrors() bool {
	return len(o.Errors()) > 0
}

// Row flattens the record into a single JSON object.
func (o OutputRecord) Row() Row {
	keyField := o.KeyField
	if keyField == "" {
		keyField = DefaultKeyField
	}
	row := Row{keyField: o.Key}
	for _, oc := range o.Outcomes {
		for k, v := range oc.Passthrough {
			row[k] = v
		}
		for name, v := range oc.Fields {
			col := FieldName(oc.Unit.Name, name)
			if v == nil {
				row[col] = nil
			} else {
				row[col] = *v
			}
		}
		if o.KeepRaw && oc.Raw != "" {
			row[FieldName(oc.Unit.Name, "raw")] = oc.Raw
		}
	}
	if errs := o.Errors(); len(errs) > 0 {
		row[ErrorsField] = errs
	}
	return row
}

// MarshalJSON writes the flattened row.
func (o OutputRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Row())
}

const (
	// DefaultKeyField is the natural key field of the shipped datasets.
	DefaultKeyField = "norm"
	// ErrorsField holds inline unit error notes in a flattened row.
	ErrorsField = "errors"
)

// Row is a flattened output record as read back from a store.
type Row map[string]any

// Key returns the row's natural key.
func (r Row) Key(keyField string) string {
	if keyField == "" {
		keyField = DefaultKeyField
	}
	return NormalizeKey(scalarString(r[keyField]))
}

// scalarString formats a decoded JSON scalar key. Objects, arrays, booleans
// and null yield "".
func scalarString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

// Errors decodes the inline error notes of the row.
func (r Row) Errors() []UnitError {
	raw, ok := r[ErrorsField]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var errs []UnitError
	if err := json.Unmarshal(b, &errs); err != nil {
		return nil
	}
	return errs
}

// Columns returns the row's field names sorted, with keyField first and the
// errors column last.
func (r Row) Columns(keyField string) []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		if k == keyField || k == ErrorsField {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	cols = append([]string{keyField}, cols...)
	if _, ok := r[ErrorsField]; ok {
		cols = append(cols, ErrorsField)
	}
	return cols
}

// Batch is a contiguous group of output rows written atomically.
type Batch struct {
	ID    string
	Index int
	Task  string
	Rows  []Row
}

// NewBatch flattens records into a batch with a fresh ID.
func NewBatch(index int, task string, records []OutputRecord) Batch {
	rows := make([]Row, len(records))
	for i, r := range records {
		rows[i] = r.Row()
	}
	return Batch{
		ID:    uuid.NewString(),
		Index: index,
		Task:  task,
		Rows:  rows,
	}
}
