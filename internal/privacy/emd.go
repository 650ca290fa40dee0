package privacy

import (
	"math"
	"sort"

	"github.com/inferloop/ehrprivacy/pkg/models"
)

const defaultNumericBins = 10

// VariationalDistance is the EMD between two distributions over an unordered
// support where every pair of distinct values is one unit apart. It equals
// half the L1 distance.
func VariationalDistance(p, q []float64) float64 {
	sum := 0.0
	for i := range p {
		sum += math.Abs(p[i] - q[i])
	}
	return sum / 2
}

// OrderedDistance is the EMD between two distributions over a linearly
// ordered support with the given ascending positions. Ground distance is
// |pos_i - pos_j| normalized by the support span, so the result lies in [0, 1].
func OrderedDistance(p, q, positions []float64) float64 {
	m := len(positions)
	if m < 2 {
		return 0
	}
	span := positions[m-1] - positions[0]
	if span <= 0 {
		return 0
	}
	work, carry := 0.0, 0.0
	for i := 0; i < m-1; i++ {
		carry += p[i] - q[i]
		work += math.Abs(carry) * (positions[i+1] - positions[i])
	}
	return work / span
}

// attributeSupport fixes the support of one sensitive attribute from the
// whole table so that every class distribution is comparable to the global one.
type attributeSupport struct {
	attribute string
	ordered   bool
	index     map[string]int
	positions []float64

	binned bool
	lo     float64
	width  float64
}

func newAttributeSupport(table *models.Table, attribute string, order []string, numericBins int) *attributeSupport {
	if numericBins <= 0 {
		numericBins = defaultNumericBins
	}
	s := &attributeSupport{attribute: attribute, index: make(map[string]int)}

	switch {
	case table.IsNumericColumn(attribute):
		s.ordered = true
		// Infinite values have no place on a bounded ground distance and
		// are left out of every distribution.
		values := distinctFloats(finiteFloats(table, attribute))
		if len(values) <= numericBins {
			for i, v := range values {
				s.index[models.Numeric(v).Key()] = i
			}
			s.positions = values
			return s
		}
		s.binned = true
		s.lo = values[0]
		s.width = (values[len(values)-1] - values[0]) / float64(numericBins)
		s.positions = make([]float64, numericBins)
		for i := range s.positions {
			s.positions[i] = float64(i)
		}
	case len(order) > 0:
		s.ordered = true
		for _, label := range order {
			key := models.Categorical(label).Key()
			if _, ok := s.index[key]; !ok {
				s.index[key] = len(s.index)
			}
		}
		// Values missing from the declared order rank after it.
		for _, key := range sortedKeys(valueCounts(table, nil, attribute)) {
			if _, ok := s.index[key]; !ok {
				s.index[key] = len(s.index)
			}
		}
		s.positions = make([]float64, len(s.index))
		for i := range s.positions {
			s.positions[i] = float64(i)
		}
	default:
		for i, key := range sortedKeys(valueCounts(table, nil, attribute)) {
			s.index[key] = i
		}
	}
	return s
}

func (s *attributeSupport) size() int {
	if s.binned {
		return len(s.positions)
	}
	return len(s.index)
}

func (s *attributeSupport) bin(v models.Value) (int, bool) {
	if v.IsNull() {
		return 0, false
	}
	if s.binned {
		f, ok := v.Float()
		if !ok || math.IsInf(f, 0) {
			return 0, false
		}
		i := int(math.Floor((f - s.lo) / s.width))
		if i < 0 {
			i = 0
		}
		if i >= len(s.positions) {
			i = len(s.positions) - 1
		}
		return i, true
	}
	i, ok := s.index[v.Key()]
	return i, ok
}

// distribution returns the empirical distribution over rows (all rows when nil).
func (s *attributeSupport) distribution(table *models.Table, rows []int) []float64 {
	p := make([]float64, s.size())
	total := 0
	add := func(r models.Record) {
		if i, ok := s.bin(r.Get(s.attribute)); ok {
			p[i]++
			total++
		}
	}
	if rows == nil {
		for _, r := range table.Rows {
			add(r)
		}
	} else {
		for _, i := range rows {
			add(table.Rows[i])
		}
	}
	if total == 0 {
		return p
	}
	for i := range p {
		p[i] /= float64(total)
	}
	return p
}

func (s *attributeSupport) distance(p, q []float64) float64 {
	if s.ordered {
		return OrderedDistance(p, q, s.positions)
	}
	return VariationalDistance(p, q)
}

func distinctFloats(values []float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func sortedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
