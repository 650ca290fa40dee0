package privacy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

type KAnonymityConfig struct {
	K                    int            `json:"k"`
	QuasiIdentifiers     []string       `json:"quasi_identifiers"`
	Hierarchies          Hierarchies    `json:"-"`
	SuppressionThreshold float64        `json:"suppression_threshold"`
	MaxLevels            map[string]int `json:"max_levels,omitempty"`
}

// KAnonymityReport is the verification report of one run.
type KAnonymityReport struct {
	SatisfiesKAnonymity bool             `json:"satisfies_k_anonymity"`
	Compliance          Compliance       `json:"compliance"`
	K                   int              `json:"k"`
	MinClassSize        int              `json:"min_class_size"`
	NumClasses          int              `json:"num_classes"`
	SuppressedCount     int              `json:"suppressed_count"`
	RetainedCount       int              `json:"retained_count"`
	SuppressionRate     float64          `json:"suppression_rate"`
	Levels              map[string]int   `json:"levels"`
	Iterations          int              `json:"iterations"`
	Violation           *errors.AppError `json:"violation,omitempty"`
}

// KAnonymityResult carries the released table and the retained classes.
// Class rows index into the input table.
type KAnonymityResult struct {
	Table   *models.Table
	Classes *ClassMap
	Report  *KAnonymityReport
}

type KAnonymityProcessor struct {
	config   *KAnonymityConfig
	builder  *EquivalenceClassBuilder
	logger   *logrus.Logger
	observer Observer
}

func NewKAnonymityProcessor(config *KAnonymityConfig, logger *logrus.Logger) *KAnonymityProcessor {
	if config == nil {
		config = getDefaultKAnonymityConfig()
	}

	return &KAnonymityProcessor{
		config:   config,
		builder:  NewEquivalenceClassBuilder(config.Hierarchies),
		logger:   loggerOrDefault(logger),
		observer: nopObserver{},
	}
}

// WithObserver attaches an outcome observer.
func (k *KAnonymityProcessor) WithObserver(o Observer) *KAnonymityProcessor {
	k.observer = observerOrNop(o)
	return k
}

// Validate checks the configuration against a table.
func (k *KAnonymityProcessor) Validate(table *models.Table) error {
	if k.config.K < 1 {
		return errors.InvalidParameter("k", k.config.K, "k must be at least 1")
	}
	if k.config.SuppressionThreshold < 0 || k.config.SuppressionThreshold > 1 {
		return errors.InvalidParameter("suppression_threshold", k.config.SuppressionThreshold, "must be within [0, 1]")
	}
	if err := validateAttributeSets(table, k.config.QuasiIdentifiers, nil, false); err != nil {
		return err
	}
	if err := k.config.Hierarchies.Validate(); err != nil {
		return err
	}
	for qi, max := range k.config.MaxLevels {
		if max < 0 {
			return errors.InvalidParameter("max_levels", max, fmt.Sprintf("cap for %s must not be negative", qi))
		}
	}
	return nil
}

// Anonymize generalizes quasi-identifiers one level at a time, always on the
// attribute whose coarsening loses the fewest distinct values, until every
// class holds at least k rows or no attribute can be coarsened further.
// Classes still below k are then suppressed whole.
func (k *KAnonymityProcessor) Anonymize(ctx context.Context, table *models.Table) (*KAnonymityResult, error) {
	if err := k.Validate(table); err != nil {
		return nil, err
	}

	qis := k.config.QuasiIdentifiers
	n := table.Len()

	k.logger.WithFields(logrus.Fields{
		"dataset_size": n,
		"k_value":      k.config.K,
		"qis":          qis,
	}).Info("Applying k-anonymity")

	levels := make([]int, len(qis))
	caps := k.levelCaps()

	if n < k.config.K {
		result := k.buildResult(table, levels, k.builder.Build(table, qis, levels, nil), 0)
		result.Report.Violation = errors.InfeasibleConstraint(
			fmt.Sprintf("table has %d rows, fewer than k=%d", n, k.config.K))
		k.finish(result.Report)
		return result, nil
	}

	iterations := 0
	classes := k.builder.Build(table, qis, levels, nil)
	for classes.MinSize() < k.config.K {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := k.nextAttribute(table, levels, caps)
		if next < 0 {
			break
		}
		levels[next]++
		iterations++

		k.logger.WithFields(logrus.Fields{
			"attribute": qis[next],
			"level":     levels[next],
		}).Debug("Generalizing quasi-identifier")

		classes = k.builder.Build(table, qis, levels, nil)
	}

	result := k.buildResult(table, levels, classes, iterations)
	k.finish(result.Report)
	return result, nil
}

// nextAttribute picks the QI whose next level loses the fewest distinct
// values. Ties go to the earlier QI. It returns -1 when every QI is capped.
func (k *KAnonymityProcessor) nextAttribute(table *models.Table, levels, caps []int) int {
	best, bestLoss := -1, 0
	for j, qi := range k.config.QuasiIdentifiers {
		if levels[j] >= caps[j] {
			continue
		}
		loss := k.builder.DistinctValues(table, qi, levels[j]) - k.builder.DistinctValues(table, qi, levels[j]+1)
		if best < 0 || loss < bestLoss {
			best, bestLoss = j, loss
		}
	}
	return best
}

func (k *KAnonymityProcessor) levelCaps() []int {
	caps := make([]int, len(k.config.QuasiIdentifiers))
	for j, qi := range k.config.QuasiIdentifiers {
		depth := k.config.Hierarchies.Rule(qi).Depth()
		caps[j] = depth
		if max, ok := k.config.MaxLevels[qi]; ok && max < depth {
			caps[j] = max
		}
	}
	return caps
}

func (k *KAnonymityProcessor) buildResult(table *models.Table, levels []int, classes *ClassMap, iterations int) *KAnonymityResult {
	n := table.Len()
	kept := make([]*EquivalenceClass, 0, classes.Len())
	for _, c := range classes.Classes {
		if c.Size() >= k.config.K {
			kept = append(kept, c)
		}
	}
	rows := retainedRows(n, kept)

	retained := subsetClassMap(classes, kept)

	report := &KAnonymityReport{
		K:               k.config.K,
		MinClassSize:    retained.MinSize(),
		NumClasses:      len(kept),
		RetainedCount:   len(rows),
		SuppressedCount: n - len(rows),
		Levels:          make(map[string]int, len(levels)),
		Iterations:      iterations,
	}
	if n > 0 {
		report.SuppressionRate = float64(report.SuppressedCount) / float64(n)
	}
	for j, qi := range k.config.QuasiIdentifiers {
		report.Levels[qi] = levels[j]
	}

	switch {
	case report.SuppressionRate > k.config.SuppressionThreshold:
		report.Compliance = NonCompliant
		report.Violation = errors.SuppressionBudgetExceeded(report.SuppressionRate, k.config.SuppressionThreshold)
	case len(kept) == 0:
		report.Compliance = VacuouslyTrue
		if n > 0 {
			report.Violation = errors.TotalSuppression(fmt.Sprintf("no class reached k=%d within the generalization caps", k.config.K))
		}
	default:
		report.Compliance = Compliant
	}
	report.SatisfiesKAnonymity = report.Compliance.Holds()

	return &KAnonymityResult{
		Table:   k.builder.Generalize(table, k.config.QuasiIdentifiers, levels, rows),
		Classes: retained,
		Report:  report,
	}
}

func (k *KAnonymityProcessor) finish(report *KAnonymityReport) {
	fields := logrus.Fields{
		"suppressed":  report.SuppressedCount,
		"retained":    report.RetainedCount,
		"classes":     report.NumClasses,
		"threshold":   k.config.SuppressionThreshold,
		"compliance":  report.Compliance,
		"generalized": report.Levels,
	}
	if report.Violation != nil {
		k.logger.WithFields(fields).WithError(report.Violation).Warn("k-anonymity not achieved within constraints")
	} else {
		k.logger.WithFields(fields).Info("Suppression complete")
	}
	k.observer.ObserveAnonymization(TechniqueKAnonymity, report.Compliance, report.RetainedCount, report.SuppressedCount)
}

// ValidateKAnonymity checks a released table as-is (level 0). When a class
// is smaller than k it reports false with an error naming the first such class.
func (k *KAnonymityProcessor) ValidateKAnonymity(table *models.Table) (bool, error) {
	if err := validateAttributeSets(table, k.config.QuasiIdentifiers, nil, false); err != nil {
		return false, err
	}
	classes := k.builder.Build(table, k.config.QuasiIdentifiers, make([]int, len(k.config.QuasiIdentifiers)), nil)
	for _, class := range classes.Classes {
		if class.Size() < k.config.K {
			return false, fmt.Errorf("equivalence class %s has size %d, less than k=%d",
				class.Label(), class.Size(), k.config.K)
		}
	}
	return true, nil
}

func getDefaultKAnonymityConfig() *KAnonymityConfig {
	return &KAnonymityConfig{
		K:                    3,
		QuasiIdentifiers:     []string{"age", "gender", "admission_type", "ethnicity"},
		Hierarchies:          Hierarchies{"age": DecadeAgeHierarchy()},
		SuppressionThreshold: 0.2,
	}
}
