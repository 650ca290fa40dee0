package privacy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// closenessTolerance absorbs floating-point error in EMD comparisons.
const closenessTolerance = 1e-9

const distanceHistogramBuckets = 10

type TClosenessConfig struct {
	T                   float64             `json:"t"`
	K                   int                 `json:"k"`
	QuasiIdentifiers    []string            `json:"quasi_identifiers"`
	SensitiveAttributes []string            `json:"sensitive_attributes"`
	NumericBins         int                 `json:"numeric_bins"`
	OrderedAttributes   map[string][]string `json:"ordered_attributes,omitempty"`
	Hierarchies         Hierarchies         `json:"-"`
	MaxLevels           map[string]int      `json:"max_levels,omitempty"`
}

// TClosenessReport describes one run. MaxDistance covers the retained classes
// only; MaxObservedDistance covers every class checked, suppressed or not.
type TClosenessReport struct {
	SatisfiesTCloseness bool              `json:"satisfies_t_closeness"`
	Compliance          Compliance        `json:"compliance"`
	T                   float64           `json:"t"`
	MaxDistance         float64           `json:"max_distance"`
	MaxObservedDistance float64           `json:"max_observed_distance"`
	ComplianceRate      float64           `json:"compliance_rate"`
	PerClassDistances   []float64         `json:"per_class_distances"`
	GroupsChecked       int               `json:"groups_checked"`
	GroupsCompliant     int               `json:"groups_compliant"`
	RetainedCount       int               `json:"retained_count"`
	SuppressedCount     int               `json:"suppressed_count"`
	KAnonymity          *KAnonymityReport `json:"k_anonymity,omitempty"`
	Violation           *errors.AppError  `json:"violation,omitempty"`
}

type TClosenessResult struct {
	Table   *models.Table
	Classes *ClassMap
	Report  *TClosenessReport
}

// GroupDistance is the distance of one base-level group from the table.
type GroupDistance struct {
	Label        string             `json:"label"`
	Size         int                `json:"size"`
	Distance     float64            `json:"distance"`
	PerAttribute map[string]float64 `json:"per_attribute"`
}

type DistanceSummary struct {
	Mean          float64 `json:"mean"`
	Median        float64 `json:"median"`
	Min           float64 `json:"min"`
	Max           float64 `json:"max"`
	Std           float64 `json:"std"`
	Violations    int     `json:"violations"`
	ViolationRate float64 `json:"violation_rate"`
}

type HistogramBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// DistanceAnalysis is the read-only diagnostic over ungeneralized groups.
type DistanceAnalysis struct {
	Groups             int                  `json:"groups"`
	GroupDistances     []GroupDistance      `json:"group_distances"`
	AttributeDistances map[string][]float64 `json:"attribute_distances"`
	Summary            DistanceSummary      `json:"summary"`
	Histogram          []HistogramBucket    `json:"histogram"`
}

type TClosenessProcessor struct {
	config   *TClosenessConfig
	logger   *logrus.Logger
	observer Observer
}

func NewTClosenessProcessor(config *TClosenessConfig, logger *logrus.Logger) *TClosenessProcessor {
	if config == nil {
		config = getDefaultTClosenessConfig()
	}

	return &TClosenessProcessor{
		config:   config,
		logger:   loggerOrDefault(logger),
		observer: nopObserver{},
	}
}

func (t *TClosenessProcessor) WithObserver(o Observer) *TClosenessProcessor {
	t.observer = observerOrNop(o)
	return t
}

func (t *TClosenessProcessor) Validate(table *models.Table) error {
	if t.config.T < 0 || t.config.T > 1 || math.IsNaN(t.config.T) {
		return errors.InvalidParameter("t", t.config.T, "t must be within [0, 1]")
	}
	if t.config.K < 1 {
		return errors.InvalidParameter("k", t.config.K, "k must be at least 1")
	}
	return validateAttributeSets(table, t.config.QuasiIdentifiers, t.config.SensitiveAttributes, true)
}

// Anonymize builds k-anonymous classes and suppresses every class whose
// distance from the table-wide distribution exceeds t on any sensitive
// attribute.
func (t *TClosenessProcessor) Anonymize(ctx context.Context, table *models.Table) (*TClosenessResult, error) {
	if err := t.Validate(table); err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"dataset_size": table.Len(),
		"t_value":      t.config.T,
		"attributes":   t.config.SensitiveAttributes,
	}).Info("Applying t-closeness")

	kres, err := t.kAnonymity().Anonymize(ctx, table)
	if err != nil {
		return nil, err
	}

	supports, globals := t.globalDistributions(table)

	report := &TClosenessReport{
		T:                 t.config.T,
		KAnonymity:        kres.Report,
		PerClassDistances: make([]float64, 0, kres.Classes.Len()),
	}

	kept := make([]*EquivalenceClass, 0, kres.Classes.Len())
	for _, class := range kres.Classes.Classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		distance, _ := t.classDistance(table, class.Rows, supports, globals)
		report.PerClassDistances = append(report.PerClassDistances, distance)
		report.GroupsChecked++
		report.MaxObservedDistance = math.Max(report.MaxObservedDistance, distance)

		if distance <= t.config.T+closenessTolerance {
			kept = append(kept, class)
			report.GroupsCompliant++
			report.MaxDistance = math.Max(report.MaxDistance, distance)
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"class":    class.Label(),
			"size":     class.Size(),
			"distance": distance,
		}).Debug("Suppressing class beyond t")
	}

	rows := retainedRows(table.Len(), kept)
	report.RetainedCount = len(rows)
	report.SuppressedCount = table.Len() - len(rows)
	if report.GroupsChecked > 0 {
		report.ComplianceRate = float64(report.GroupsCompliant) / float64(report.GroupsChecked)
	}

	switch {
	case len(kept) == 0:
		report.Compliance = VacuouslyTrue
		if table.Len() > 0 {
			report.Violation = errors.TotalSuppression(
				fmt.Sprintf("no equivalence class is within t=%g; max observed distance %.4f", t.config.T, report.MaxObservedDistance))
		}
	default:
		report.Compliance = Compliant
	}
	report.SatisfiesTCloseness = report.Compliance.Holds()

	t.finish(report)

	return &TClosenessResult{
		Table:   NewEquivalenceClassBuilder(t.config.Hierarchies).Generalize(table, t.config.QuasiIdentifiers, kres.Classes.Levels, rows),
		Classes: subsetClassMap(kres.Classes, kept),
		Report:  report,
	}, nil
}

// AnalyzeDistributionDistances measures every ungeneralized QI group against
// the table-wide distribution without suppressing anything.
func (t *TClosenessProcessor) AnalyzeDistributionDistances(ctx context.Context, table *models.Table) (*DistanceAnalysis, error) {
	if err := validateAttributeSets(table, t.config.QuasiIdentifiers, t.config.SensitiveAttributes, true); err != nil {
		return nil, err
	}

	supports, globals := t.globalDistributions(table)
	groups := NewEquivalenceClassBuilder(nil).Build(table, t.config.QuasiIdentifiers, make([]int, len(t.config.QuasiIdentifiers)), nil)

	analysis := &DistanceAnalysis{
		Groups:             groups.Len(),
		GroupDistances:     make([]GroupDistance, 0, groups.Len()),
		AttributeDistances: make(map[string][]float64, len(supports)),
	}

	distances := make([]float64, 0, groups.Len())
	for _, group := range groups.Classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		distance, perAttribute := t.classDistance(table, group.Rows, supports, globals)
		distances = append(distances, distance)
		for sa, d := range perAttribute {
			analysis.AttributeDistances[sa] = append(analysis.AttributeDistances[sa], d)
		}
		analysis.GroupDistances = append(analysis.GroupDistances, GroupDistance{
			Label:        group.Label(),
			Size:         group.Size(),
			Distance:     distance,
			PerAttribute: perAttribute,
		})
	}

	analysis.Summary = t.summarize(distances)
	analysis.Histogram = distanceHistogram(distances)

	t.logger.WithFields(logrus.Fields{
		"groups":      analysis.Groups,
		"mean":        analysis.Summary.Mean,
		"max":         analysis.Summary.Max,
		"violations":  analysis.Summary.Violations,
		"t_threshold": t.config.T,
	}).Info("Distribution distance analysis complete")

	return analysis, nil
}

func (t *TClosenessProcessor) kAnonymity() *KAnonymityProcessor {
	return NewKAnonymityProcessor(&KAnonymityConfig{
		K:                    t.config.K,
		QuasiIdentifiers:     t.config.QuasiIdentifiers,
		Hierarchies:          t.config.Hierarchies,
		SuppressionThreshold: 1,
		MaxLevels:            t.config.MaxLevels,
	}, t.logger)
}

func (t *TClosenessProcessor) globalDistributions(table *models.Table) ([]*attributeSupport, [][]float64) {
	supports := make([]*attributeSupport, len(t.config.SensitiveAttributes))
	globals := make([][]float64, len(t.config.SensitiveAttributes))
	for i, sa := range t.config.SensitiveAttributes {
		supports[i] = newAttributeSupport(table, sa, t.config.OrderedAttributes[sa], t.config.NumericBins)
		globals[i] = supports[i].distribution(table, nil)
	}
	return supports, globals
}

// classDistance is the maximum EMD over the sensitive attributes.
func (t *TClosenessProcessor) classDistance(table *models.Table, rows []int, supports []*attributeSupport, globals [][]float64) (float64, map[string]float64) {
	max := 0.0
	perAttribute := make(map[string]float64, len(supports))
	for i, s := range supports {
		d := s.distance(s.distribution(table, rows), globals[i])
		perAttribute[s.attribute] = d
		if d > max {
			max = d
		}
	}
	return max, perAttribute
}

func (t *TClosenessProcessor) summarize(distances []float64) DistanceSummary {
	var summary DistanceSummary
	if len(distances) == 0 {
		return summary
	}
	sorted := append([]float64(nil), distances...)
	sort.Float64s(sorted)

	summary.Mean = stat.Mean(sorted, nil)
	summary.Min = floats.Min(sorted)
	summary.Max = floats.Max(sorted)
	if len(sorted) > 1 {
		summary.Std = stat.StdDev(sorted, nil)
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		summary.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		summary.Median = sorted[mid]
	}
	for _, d := range sorted {
		if d > t.config.T+closenessTolerance {
			summary.Violations++
		}
	}
	summary.ViolationRate = float64(summary.Violations) / float64(len(sorted))
	return summary
}

// distanceHistogram buckets distances over [0, 1]; the last bucket is closed.
func distanceHistogram(distances []float64) []HistogramBucket {
	buckets := make([]HistogramBucket, distanceHistogramBuckets)
	width := 1.0 / distanceHistogramBuckets
	for i := range buckets {
		buckets[i].Lower = float64(i) * width
		buckets[i].Upper = float64(i+1) * width
	}
	for _, d := range distances {
		i := int(d / width)
		if i >= distanceHistogramBuckets {
			i = distanceHistogramBuckets - 1
		}
		if i < 0 {
			i = 0
		}
		buckets[i].Count++
	}
	return buckets
}

func (t *TClosenessProcessor) finish(report *TClosenessReport) {
	fields := logrus.Fields{
		"groups_checked":   report.GroupsChecked,
		"groups_compliant": report.GroupsCompliant,
		"retained":         report.RetainedCount,
		"max_distance":     report.MaxDistance,
		"compliance":       report.Compliance,
	}
	if report.Violation != nil {
		t.logger.WithFields(fields).WithError(report.Violation).Warn("t-closeness suppressed every class")
	} else {
		t.logger.WithFields(fields).Info("t-closeness applied")
	}
	t.observer.ObserveAnonymization(TechniqueTCloseness, report.Compliance, report.RetainedCount, report.SuppressedCount)
}

func getDefaultTClosenessConfig() *TClosenessConfig {
	return &TClosenessConfig{
		T:                   0.2,
		K:                   3,
		QuasiIdentifiers:    []string{"age", "gender", "admission_type", "ethnicity"},
		SensitiveAttributes: []string{"primary_diagnosis", "mortality"},
		NumericBins:         defaultNumericBins,
		Hierarchies:         Hierarchies{"age": DecadeAgeHierarchy()},
	}
}
