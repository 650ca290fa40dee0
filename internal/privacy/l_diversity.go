package privacy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Diversity models.
const (
	DiversityDistinct  = "distinct"
	DiversityEntropy   = "entropy"
	DiversityRecursive = "recursive"
)

type LDiversityConfig struct {
	L                   int            `json:"l"`
	K                   int            `json:"k"`
	DiversityModel      string         `json:"diversity_model"` // distinct, entropy, recursive
	QuasiIdentifiers    []string       `json:"quasi_identifiers"`
	SensitiveAttributes []string       `json:"sensitive_attributes"`
	RecursiveC          float64        `json:"recursive_c"`
	Hierarchies         Hierarchies    `json:"-"`
	MaxLevels           map[string]int `json:"max_levels,omitempty"`
}

type LDiversityReport struct {
	SatisfiesLDiversity bool              `json:"satisfies_l_diversity"`
	Compliance          Compliance        `json:"compliance"`
	L                   int               `json:"l"`
	DiversityModel      string            `json:"diversity_model"`
	GroupsChecked       int               `json:"groups_checked"`
	GroupsCompliant     int               `json:"groups_compliant"`
	RetainedCount       int               `json:"retained_count"`
	SuppressedCount     int               `json:"suppressed_count"`
	GlobalDistinct      map[string]int    `json:"global_distinct"`
	KAnonymity          *KAnonymityReport `json:"k_anonymity,omitempty"`
	Violation           *errors.AppError  `json:"violation,omitempty"`
}

type LDiversityResult struct {
	Table   *models.Table
	Classes *ClassMap
	Report  *LDiversityReport
}

type LDiversityProcessor struct {
	config   *LDiversityConfig
	logger   *logrus.Logger
	observer Observer
}

func NewLDiversityProcessor(config *LDiversityConfig, logger *logrus.Logger) *LDiversityProcessor {
	if config == nil {
		config = getDefaultLDiversityConfig()
	}

	return &LDiversityProcessor{
		config:   config,
		logger:   loggerOrDefault(logger),
		observer: nopObserver{},
	}
}

func (l *LDiversityProcessor) WithObserver(o Observer) *LDiversityProcessor {
	l.observer = observerOrNop(o)
	return l
}

func (l *LDiversityProcessor) Validate(table *models.Table) error {
	if l.config.L < 1 {
		return errors.InvalidParameter("l", l.config.L, "l must be at least 1")
	}
	if l.config.K < 1 {
		return errors.InvalidParameter("k", l.config.K, "k must be at least 1")
	}
	switch l.model() {
	case DiversityDistinct, DiversityEntropy:
	case DiversityRecursive:
		if l.config.RecursiveC <= 0 {
			return errors.InvalidParameter("recursive_c", l.config.RecursiveC, "c must be positive")
		}
	default:
		return errors.InvalidParameter("diversity_model", l.config.DiversityModel, "must be distinct, entropy or recursive")
	}
	return validateAttributeSets(table, l.config.QuasiIdentifiers, l.config.SensitiveAttributes, true)
}

// Anonymize builds k-anonymous classes and suppresses every class that is not
// l-diverse on each sensitive attribute. When l exceeds the distinct values
// of some attribute across the whole table, no class can ever comply and the
// run returns an empty table with an InfeasibleConstraint violation.
func (l *LDiversityProcessor) Anonymize(ctx context.Context, table *models.Table) (*LDiversityResult, error) {
	if err := l.Validate(table); err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"dataset_size":    table.Len(),
		"l_value":         l.config.L,
		"diversity_model": l.model(),
	}).Info("Applying l-diversity")

	report := &LDiversityReport{
		L:              l.config.L,
		DiversityModel: l.model(),
		GlobalDistinct: make(map[string]int, len(l.config.SensitiveAttributes)),
	}

	for _, sa := range l.config.SensitiveAttributes {
		distinct := len(valueCounts(table, nil, sa))
		report.GlobalDistinct[sa] = distinct
		if l.config.L > distinct && report.Violation == nil {
			report.Violation = errors.InfeasibleConstraint(
				fmt.Sprintf("l=%d exceeds the %d distinct values of %s in the table", l.config.L, distinct, sa)).
				WithContext("attribute", sa)
		}
	}
	if report.Violation != nil {
		report.Compliance = VacuouslyTrue
		report.SatisfiesLDiversity = true
		report.SuppressedCount = table.Len()
		l.finish(report)
		return &LDiversityResult{
			Table:   models.NewTable(table.Columns...),
			Classes: &ClassMap{QuasiIdentifiers: l.config.QuasiIdentifiers, index: map[string]int{}},
			Report:  report,
		}, nil
	}

	kres, err := l.kAnonymity().Anonymize(ctx, table)
	if err != nil {
		return nil, err
	}
	report.KAnonymity = kres.Report

	diverse := make([]*EquivalenceClass, 0, kres.Classes.Len())
	for _, class := range kres.Classes.Classes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.GroupsChecked++
		if l.isDiverse(table, class) {
			diverse = append(diverse, class)
			report.GroupsCompliant++
			continue
		}
		l.logger.WithFields(logrus.Fields{
			"class": class.Label(),
			"size":  class.Size(),
		}).Debug("Suppressing class lacking diversity")
	}

	rows := retainedRows(table.Len(), diverse)
	report.RetainedCount = len(rows)
	report.SuppressedCount = table.Len() - len(rows)

	switch {
	case len(diverse) == 0:
		report.Compliance = VacuouslyTrue
		if table.Len() > 0 {
			report.Violation = errors.TotalSuppression(fmt.Sprintf("no equivalence class is %d-diverse", l.config.L))
		}
	default:
		report.Compliance = Compliant
	}
	report.SatisfiesLDiversity = report.Compliance.Holds()

	l.finish(report)

	return &LDiversityResult{
		Table:   NewEquivalenceClassBuilder(l.config.Hierarchies).Generalize(table, l.config.QuasiIdentifiers, kres.Classes.Levels, rows),
		Classes: subsetClassMap(kres.Classes, diverse),
		Report:  report,
	}, nil
}

func (l *LDiversityProcessor) kAnonymity() *KAnonymityProcessor {
	return NewKAnonymityProcessor(&KAnonymityConfig{
		K:                    l.config.K,
		QuasiIdentifiers:     l.config.QuasiIdentifiers,
		Hierarchies:          l.config.Hierarchies,
		SuppressionThreshold: 1,
		MaxLevels:            l.config.MaxLevels,
	}, l.logger)
}

func (l *LDiversityProcessor) finish(report *LDiversityReport) {
	fields := logrus.Fields{
		"groups_checked":   report.GroupsChecked,
		"groups_compliant": report.GroupsCompliant,
		"retained":         report.RetainedCount,
		"compliance":       report.Compliance,
	}
	if report.Violation != nil {
		l.logger.WithFields(fields).WithError(report.Violation).Warn("l-diversity suppressed every class")
	} else {
		l.logger.WithFields(fields).Info("l-diversity applied")
	}
	l.observer.ObserveAnonymization(TechniqueLDiversity, report.Compliance, report.RetainedCount, report.SuppressedCount)
}

func (l *LDiversityProcessor) isDiverse(table *models.Table, class *EquivalenceClass) bool {
	for _, sa := range l.config.SensitiveAttributes {
		if !l.checkAttributeDiversity(valueCounts(table, class.Rows, sa)) {
			return false
		}
	}
	return true
}

func (l *LDiversityProcessor) checkAttributeDiversity(counts map[string]int) bool {
	switch l.model() {
	case DiversityEntropy:
		return checkEntropyDiversity(counts, l.config.L)
	case DiversityRecursive:
		return checkRecursiveDiversity(counts, l.config.L, l.config.RecursiveC)
	default:
		return len(counts) >= l.config.L
	}
}

func (l *LDiversityProcessor) model() string {
	if l.config.DiversityModel == "" {
		return DiversityDistinct
	}
	return l.config.DiversityModel
}

// checkEntropyDiversity requires the class entropy to reach log(l).
func checkEntropyDiversity(counts map[string]int, l int) bool {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return false
	}
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log(p)
	}
	return entropy >= math.Log(float64(l))-1e-12
}

// checkRecursiveDiversity tests r1 < c * (r_l + ... + r_m) with counts sorted
// in descending order.
func checkRecursiveDiversity(counts map[string]int, l int, c float64) bool {
	if len(counts) < l {
		return false
	}
	sorted := make([]int, 0, len(counts))
	for _, n := range counts {
		sorted = append(sorted, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	if l == 1 {
		return true
	}
	tail := 0
	for _, n := range sorted[l-1:] {
		tail += n
	}
	return float64(sorted[0]) < c*float64(tail)
}

// valueCounts counts the non-null values of column over rows (all rows when nil).
func valueCounts(table *models.Table, rows []int, column string) map[string]int {
	counts := make(map[string]int)
	add := func(r models.Record) {
		v := r.Get(column)
		if v.IsNull() {
			return
		}
		counts[v.Key()]++
	}
	if rows == nil {
		for _, r := range table.Rows {
			add(r)
		}
		return counts
	}
	for _, i := range rows {
		add(table.Rows[i])
	}
	return counts
}

// ValidateLDiversity checks a released table as-is.
func (l *LDiversityProcessor) ValidateLDiversity(table *models.Table) (bool, error) {
	if err := l.Validate(table); err != nil {
		return false, err
	}
	classes := NewEquivalenceClassBuilder(nil).Build(table, l.config.QuasiIdentifiers, make([]int, len(l.config.QuasiIdentifiers)), nil)
	for _, class := range classes.Classes {
		if !l.isDiverse(table, class) {
			return false, fmt.Errorf("equivalence class %s is not %d-diverse", class.Label(), l.config.L)
		}
	}
	return true, nil
}

func getDefaultLDiversityConfig() *LDiversityConfig {
	return &LDiversityConfig{
		L:                   2,
		K:                   3,
		DiversityModel:      DiversityDistinct,
		QuasiIdentifiers:    []string{"age", "gender", "admission_type", "ethnicity"},
		SensitiveAttributes: []string{"primary_diagnosis"},
		RecursiveC:          3.0,
		Hierarchies:         Hierarchies{"age": DecadeAgeHierarchy()},
	}
}
