package privacy

import (
	"fmt"
	"math"
	"strconv"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Wildcard is the universal placeholder every hierarchy reaches at its top level.
const Wildcard = "*"

// RuleKind identifies the variant of a GeneralizationRule.
type RuleKind string

const (
	RuleNumericBinning    RuleKind = "numeric"
	RuleCategoricalRollup RuleKind = "categorical"
	RuleSuppression       RuleKind = "suppress"
)

// GeneralizationRule coarsens quasi-identifier values. Level 0 is the raw value
// and level Depth() maps every value to Wildcard. Each level is reachable from
// the previous one, so classes only ever merge as levels increase.
type GeneralizationRule interface {
	Kind() RuleKind
	Depth() int
	Generalize(v models.Value, level int) models.Value
	Validate() error
}

// NumericBinning buckets numbers into ranges of growing width anchored at
// Origin. Widths[i] is the bucket width at level i+1 and must be a whole
// multiple of Widths[i-1] so every coarse bucket is a union of finer ones.
type NumericBinning struct {
	Origin float64   `json:"origin" mapstructure:"origin"`
	Widths []float64 `json:"widths" mapstructure:"widths"`
}

func (n NumericBinning) Kind() RuleKind { return RuleNumericBinning }
func (n NumericBinning) Depth() int     { return len(n.Widths) + 1 }

func (n NumericBinning) Validate() error {
	for i, w := range n.Widths {
		if w <= 0 || math.IsInf(w, 0) || math.IsNaN(w) {
			return errors.InvalidParameter("widths", w, fmt.Sprintf("bin width at level %d must be positive and finite", i+1))
		}
		if i == 0 {
			continue
		}
		ratio := w / n.Widths[i-1]
		if ratio < 1 || math.Abs(ratio-math.Round(ratio)) > 1e-9 {
			return errors.NewConfigurationError(errors.CodeInvalidHierarchy, "bin widths must nest").
				WithDetails(fmt.Sprintf("width %g at level %d is not a multiple of %g", w, i+1, n.Widths[i-1]))
		}
	}
	return nil
}

// Generalize returns the bucket label "[lo, hi)" for numeric input. Values that
// are not numeric (already generalized labels, nulls) pass through unchanged
// below the top level.
func (n NumericBinning) Generalize(v models.Value, level int) models.Value {
	if level <= 0 {
		return v
	}
	if level >= n.Depth() {
		return models.Categorical(Wildcard)
	}
	if v.Kind != models.KindNumeric {
		return v
	}
	w := n.Widths[level-1]
	lo := n.Origin + math.Floor((v.Num-n.Origin)/w)*w
	return models.Categorical(binLabel(lo, lo+w))
}

func binLabel(lo, hi float64) string {
	return "[" + strconv.FormatFloat(lo, 'f', -1, 64) + ", " + strconv.FormatFloat(hi, 'f', -1, 64) + ")"
}

// CategoricalRollup maps each level's representation to a coarser one.
// Levels[i] is applied to the level-i value to obtain level i+1. Values with
// no entry keep their representation.
type CategoricalRollup struct {
	Levels []map[string]string `json:"levels" mapstructure:"levels"`
}

func (c CategoricalRollup) Kind() RuleKind { return RuleCategoricalRollup }
func (c CategoricalRollup) Depth() int     { return len(c.Levels) + 1 }

func (c CategoricalRollup) Validate() error {
	for i, m := range c.Levels {
		if len(m) == 0 {
			return errors.NewConfigurationError(errors.CodeInvalidHierarchy, "empty rollup level").
				WithDetails(fmt.Sprintf("level %d has no mappings", i+1))
		}
	}
	return nil
}

func (c CategoricalRollup) Generalize(v models.Value, level int) models.Value {
	if level <= 0 {
		return v
	}
	if level >= c.Depth() {
		return models.Categorical(Wildcard)
	}
	if v.IsNull() {
		return v
	}
	label := v.String()
	for i := 0; i < level; i++ {
		if next, ok := c.Levels[i][label]; ok {
			label = next
		}
	}
	return models.Categorical(label)
}

// SuppressionRule has a single step: raw value, then Wildcard. It is the
// default for quasi-identifiers without a configured hierarchy.
type SuppressionRule struct{}

func (SuppressionRule) Kind() RuleKind  { return RuleSuppression }
func (SuppressionRule) Depth() int      { return 1 }
func (SuppressionRule) Validate() error { return nil }

func (SuppressionRule) Generalize(v models.Value, level int) models.Value {
	if level <= 0 {
		return v
	}
	return models.Categorical(Wildcard)
}

// Hierarchies holds the generalization rule for each quasi-identifier.
type Hierarchies map[string]GeneralizationRule

// Rule returns the configured rule for column, defaulting to SuppressionRule.
func (h Hierarchies) Rule(column string) GeneralizationRule {
	if h != nil {
		if r, ok := h[column]; ok && r != nil {
			return r
		}
	}
	return SuppressionRule{}
}

// Validate checks every configured rule.
func (h Hierarchies) Validate() error {
	for column, rule := range h {
		if rule == nil {
			continue
		}
		if err := rule.Validate(); err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				return appErr.WithContext("column", column)
			}
			return err
		}
	}
	return nil
}

// DecadeAgeHierarchy is the age rule used throughout the clinical workloads:
// 5-year, 10-year, 20-year bands, then Wildcard.
func DecadeAgeHierarchy() NumericBinning {
	return NumericBinning{Origin: 0, Widths: []float64{5, 10, 20}}
}
