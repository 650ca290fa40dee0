package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindNumeric
	KindCategorical
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindCategorical:
		return "categorical"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value is a single cell: numeric, categorical, boolean (mortality flags) or null.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Bool bool
}

func Null() Value                  { return Value{Kind: KindNull} }
func Numeric(f float64) Value      { return Value{Kind: KindNumeric, Num: f} }
func Categorical(s string) Value   { return Value{Kind: KindCategorical, Str: s} }
func Bool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func (v Value) IsNull() bool       { return v.Kind == KindNull }
func (v Value) IsNumeric() bool    { return v.Kind == KindNumeric }
func (v Value) Equal(o Value) bool { return v.Kind == o.Kind && v.Key() == o.Key() }

// Float returns the value as a float. Booleans map to 0/1; categoricals that
// parse as numbers are accepted so generalized tables can still be queried.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case KindNumeric:
		return v.Num, !math.IsNaN(v.Num)
	case KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case KindCategorical:
		f, err := strconv.ParseFloat(v.Str, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// String renders the value the way it is written to CSV.
func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindCategorical:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Key is a grouping key that keeps kinds apart: the numeric 1 and the string "1"
// never share an equivalence class.
func (v Value) Key() string {
	switch v.Kind {
	case KindNumeric:
		return "n:" + v.String()
	case KindCategorical:
		return "c:" + v.Str
	case KindBool:
		return "b:" + v.String()
	default:
		return "null"
	}
}

// MarshalJSON writes the natural JSON form of the held variant.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumeric:
		if math.IsNaN(v.Num) || math.IsInf(v.Num, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.Num)
	case KindCategorical:
		return json.Marshal(v.Str)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON infers the variant from the JSON token type.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch t := raw.(type) {
	case nil:
		*v = Null()
	case float64:
		*v = Numeric(t)
	case string:
		*v = Categorical(t)
	case bool:
		*v = Bool(t)
	default:
		return fmt.Errorf("unsupported value %s", string(data))
	}
	return nil
}

// Record is one row: attribute name to value.
type Record map[string]Value

// Get returns the named value, or Null when the attribute is absent.
func (r Record) Get(column string) Value {
	if v, ok := r[column]; ok {
		return v
	}
	return Null()
}

// Clone copies the record so generalization never writes through to the caller's table.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is an ordered sequence of records sharing a column schema.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Record `json:"rows"`
}

// NewTable creates an empty table with the given schema.
func NewTable(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...), Rows: make([]Record, 0)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Append adds a row.
func (t *Table) Append(r Record) {
	t.Rows = append(t.Rows, r)
}

// HasColumn reports whether the schema contains column.
func (t *Table) HasColumn(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Column returns the values of one column in row order.
func (t *Table) Column(column string) []Value {
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Get(column)
	}
	return out
}

// Floats returns the non-null numeric values of a column in row order.
func (t *Table) Floats(column string) []float64 {
	out := make([]float64, 0, len(t.Rows))
	for _, r := range t.Rows {
		if f, ok := r.Get(column).Float(); ok {
			out = append(out, f)
		}
	}
	return out
}

// IsNumericColumn reports whether every non-null value in the column is numeric.
// An all-null column is not numeric.
func (t *Table) IsNumericColumn(column string) bool {
	seen := false
	for _, r := range t.Rows {
		v := r.Get(column)
		switch v.Kind {
		case KindNull:
			continue
		case KindNumeric:
			seen = true
		default:
			return false
		}
	}
	return seen
}

// Subset returns the rows at the given indices, in the order given.
// Callers pass ascending indices to keep the original row order.
func (t *Table) Subset(indices []int) *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...), Rows: make([]Record, 0, len(indices))}
	for _, i := range indices {
		out.Rows = append(out.Rows, t.Rows[i])
	}
	return out
}

// Clone deep-copies the table.
func (t *Table) Clone() *Table {
	out := &Table{Columns: append([]string(nil), t.Columns...), Rows: make([]Record, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}
