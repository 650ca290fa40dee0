package privacy

import (
	"strings"

	"github.com/inferloop/ehrprivacy/pkg/models"
)

const keySeparator = "\x1f"

// EquivalenceClass is the set of rows sharing one generalized quasi-identifier tuple.
type EquivalenceClass struct {
	Key    string         `json:"key"`
	Values []models.Value `json:"values"`
	Rows   []int          `json:"rows"`
}

// Size returns the number of member rows.
func (c *EquivalenceClass) Size() int {
	return len(c.Rows)
}

// Label renders the generalized tuple for logs and reports.
func (c *EquivalenceClass) Label() string {
	parts := make([]string, len(c.Values))
	for i, v := range c.Values {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ClassMap indexes equivalence classes by key. Classes are ordered by the
// first row that produced them and each class lists its rows ascending.
type ClassMap struct {
	QuasiIdentifiers []string
	Levels           []int
	Classes          []*EquivalenceClass
	index            map[string]int
}

// Len returns the number of classes.
func (m *ClassMap) Len() int {
	return len(m.Classes)
}

// Lookup returns the class for a key.
func (m *ClassMap) Lookup(key string) (*EquivalenceClass, bool) {
	i, ok := m.index[key]
	if !ok {
		return nil, false
	}
	return m.Classes[i], true
}

// MinSize returns the smallest class size, or 0 for an empty map.
func (m *ClassMap) MinSize() int {
	if len(m.Classes) == 0 {
		return 0
	}
	min := m.Classes[0].Size()
	for _, c := range m.Classes[1:] {
		if c.Size() < min {
			min = c.Size()
		}
	}
	return min
}

// Undersized returns the classes with fewer than k rows.
func (m *ClassMap) Undersized(k int) []*EquivalenceClass {
	var out []*EquivalenceClass
	for _, c := range m.Classes {
		if c.Size() < k {
			out = append(out, c)
		}
	}
	return out
}

// subsetClassMap keeps the given classes of m, in order.
func subsetClassMap(m *ClassMap, classes []*EquivalenceClass) *ClassMap {
	out := &ClassMap{
		QuasiIdentifiers: m.QuasiIdentifiers,
		Levels:           m.Levels,
		Classes:          classes,
		index:            make(map[string]int, len(classes)),
	}
	for i, c := range classes {
		out.index[c.Key] = i
	}
	return out
}

// EquivalenceClassBuilder groups rows by generalized quasi-identifier tuple.
type EquivalenceClassBuilder struct {
	hierarchies Hierarchies
}

// NewEquivalenceClassBuilder creates a builder for the given hierarchies.
func NewEquivalenceClassBuilder(hierarchies Hierarchies) *EquivalenceClassBuilder {
	return &EquivalenceClassBuilder{hierarchies: hierarchies}
}

// Build groups the rows listed in rows (all rows when nil) at the given
// per-QI levels. levels must be parallel to qis.
func (b *EquivalenceClassBuilder) Build(table *models.Table, qis []string, levels []int, rows []int) *ClassMap {
	m := &ClassMap{
		QuasiIdentifiers: append([]string(nil), qis...),
		Levels:           append([]int(nil), levels...),
		index:            make(map[string]int),
	}

	visit := func(i int) {
		values := b.generalizeRow(table.Rows[i], qis, levels)
		key := tupleKey(values)
		if idx, ok := m.index[key]; ok {
			m.Classes[idx].Rows = append(m.Classes[idx].Rows, i)
			return
		}
		m.index[key] = len(m.Classes)
		m.Classes = append(m.Classes, &EquivalenceClass{Key: key, Values: values, Rows: []int{i}})
	}

	if rows == nil {
		for i := range table.Rows {
			visit(i)
		}
	} else {
		for _, i := range rows {
			visit(i)
		}
	}
	return m
}

// Generalize returns a copy of the listed rows with quasi-identifiers replaced
// by their generalized values, keeping ascending row order.
func (b *EquivalenceClassBuilder) Generalize(table *models.Table, qis []string, levels []int, rows []int) *models.Table {
	out := &models.Table{Columns: append([]string(nil), table.Columns...), Rows: make([]models.Record, 0, len(rows))}
	for _, i := range rows {
		rec := table.Rows[i].Clone()
		for j, qi := range qis {
			rec[qi] = b.hierarchies.Rule(qi).Generalize(rec.Get(qi), levels[j])
		}
		out.Rows = append(out.Rows, rec)
	}
	return out
}

// DistinctValues counts distinct generalized values of one QI at a level.
func (b *EquivalenceClassBuilder) DistinctValues(table *models.Table, qi string, level int) int {
	rule := b.hierarchies.Rule(qi)
	seen := make(map[string]struct{})
	for _, r := range table.Rows {
		seen[rule.Generalize(r.Get(qi), level).Key()] = struct{}{}
	}
	return len(seen)
}

func (b *EquivalenceClassBuilder) generalizeRow(r models.Record, qis []string, levels []int) []models.Value {
	values := make([]models.Value, len(qis))
	for j, qi := range qis {
		values[j] = b.hierarchies.Rule(qi).Generalize(r.Get(qi), levels[j])
	}
	return values
}

func tupleKey(values []models.Value) string {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteString(keySeparator)
		}
		sb.WriteString(v.Key())
	}
	return sb.String()
}

// retainedRows flattens the rows of the given classes into ascending order.
func retainedRows(n int, classes []*EquivalenceClass) []int {
	keep := make([]bool, n)
	count := 0
	for _, c := range classes {
		for _, r := range c.Rows {
			if !keep[r] {
				keep[r] = true
				count++
			}
		}
	}
	out := make([]int, 0, count)
	for i, k := range keep {
		if k {
			out = append(out, i)
		}
	}
	return out
}
