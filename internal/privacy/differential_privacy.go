package privacy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// QueryType defines types of statistical queries
type QueryType string

const (
	QueryTypeCount       QueryType = "count"
	QueryTypeMean        QueryType = "mean"
	QueryTypeHistogram   QueryType = "histogram"
	QueryTypeCorrelation QueryType = "correlation"
	QueryTypeSummary     QueryType = "summary"
	// QueryTypePerturbation releases record-level noisy values rather than an aggregate.
	QueryTypePerturbation QueryType = "perturbation"
)

// Privacy levels reported by PrivacyBudgetAnalysis.
const (
	PrivacyLevelHigh   = "high"
	PrivacyLevelMedium = "medium"
	PrivacyLevelLow    = "low"
)

// PrivacyConfig contains query defaults for the engine.
type PrivacyConfig struct {
	QueryEpsilon      float64 `json:"query_epsilon"`
	ConfidenceAlpha   float64 `json:"confidence_alpha"`
	MinUtilityEpsilon float64 `json:"min_utility_epsilon"`
	HistogramBins     int     `json:"histogram_bins"`
}

// Bounds is the declared public range of a numeric column. Values outside it
// are clipped before aggregation.
type Bounds struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

func (b *Bounds) validate(column string) error {
	if b == nil {
		return errors.UnboundedSensitivity(column, "no value range declared for column")
	}
	if math.IsInf(b.Lower, 0) || math.IsInf(b.Upper, 0) || math.IsNaN(b.Lower) || math.IsNaN(b.Upper) {
		return errors.UnboundedSensitivity(column, "declared range must be finite")
	}
	if b.Lower > b.Upper {
		return errors.UnboundedSensitivity(column, fmt.Sprintf("lower bound %g exceeds upper bound %g", b.Lower, b.Upper))
	}
	return nil
}

func (b *Bounds) clip(x float64) float64 {
	return math.Max(b.Lower, math.Min(b.Upper, x))
}

// Predicate selects the rows a count query counts. A nil predicate counts all rows.
type Predicate func(models.Record) bool

// NoisyResult is one released scalar statistic.
type NoisyResult struct {
	Query           QueryType `json:"query"`
	Column          string    `json:"column,omitempty"`
	Value           float64   `json:"value"`
	Epsilon         float64   `json:"epsilon"`
	Sensitivity     float64   `json:"sensitivity"`
	NoiseScale      float64   `json:"noise_scale"`
	ConfidenceLower float64   `json:"confidence_lower"`
	ConfidenceUpper float64   `json:"confidence_upper"`
	TransactionID   string    `json:"transaction_id"`
	Warning         string    `json:"warning,omitempty"`
}

type HistogramBin struct {
	Label           string  `json:"label"`
	Count           float64 `json:"count"`
	ConfidenceLower float64 `json:"confidence_lower"`
	ConfidenceUpper float64 `json:"confidence_upper"`
}

// HistogramResult is a released histogram. All bins share one epsilon charge.
type HistogramResult struct {
	Column        string         `json:"column"`
	Bins          []HistogramBin `json:"bins"`
	Epsilon       float64        `json:"epsilon"`
	Sensitivity   float64        `json:"sensitivity"`
	NoiseScale    float64        `json:"noise_scale"`
	TransactionID string         `json:"transaction_id"`
	Warning       string         `json:"warning,omitempty"`
}

// ColumnBounds pairs a numeric column with its declared range.
type ColumnBounds struct {
	Column string `json:"column"`
	Bounds Bounds `json:"bounds"`
}

type SummaryStatistics struct {
	TotalRecords *NoisyResult                `json:"total_records"`
	Counts       map[string]*NoisyResult     `json:"counts"`
	Numerical    map[string]*NoisyResult     `json:"numerical"`
	Categorical  map[string]*HistogramResult `json:"categorical"`
	TotalEpsilon float64                     `json:"total_epsilon"`
	Warning      string                      `json:"warning,omitempty"`
}

// PerturbedColumn describes the noise added to one column by PerturbTable.
type PerturbedColumn struct {
	Column        string  `json:"column"`
	Bounds        Bounds  `json:"bounds"`
	Perturbed     int     `json:"perturbed"`
	Sensitivity   float64 `json:"sensitivity"`
	NoiseScale    float64 `json:"noise_scale"`
	TransactionID string  `json:"transaction_id"`
}

type PerturbationResult struct {
	Table        *models.Table     `json:"-"`
	Columns      []PerturbedColumn `json:"columns"`
	TotalEpsilon float64           `json:"total_epsilon"`
	Warning      string            `json:"warning,omitempty"`
}

type BudgetAnalysis struct {
	TotalEpsilon      float64 `json:"total_epsilon"`
	NumQueries        int     `json:"num_queries"`
	EpsilonPerQuery   float64 `json:"epsilon_per_query"`
	RemainingBudget   float64 `json:"remaining_budget"`
	QueriesAffordable int     `json:"queries_affordable"`
	PrivacyLevel      string  `json:"privacy_level"`
	Warning           string  `json:"warning,omitempty"`
}

// DifferentialPrivacyEngine answers aggregate queries with Laplace noise and
// charges every release to the session's PrivacyBudget.
type DifferentialPrivacyEngine struct {
	config    *PrivacyConfig
	mechanism Mechanism
	budget    *PrivacyBudget
	logger    *logrus.Logger
	observer  Observer
}

// preparedQuery holds a validated true statistic ready for release.
type preparedQuery struct {
	query       QueryType
	column      string
	labels      []string
	values      []float64
	sensitivity float64
	post        func(float64) float64
}

func NewDifferentialPrivacyEngine(config *PrivacyConfig, budget *PrivacyBudget, logger *logrus.Logger) (*DifferentialPrivacyEngine, error) {
	if config == nil {
		config = getDefaultPrivacyConfig()
	}
	if budget == nil {
		return nil, errors.InvalidParameter("budget", nil, "a privacy budget is required")
	}
	if config.ConfidenceAlpha <= 0 || config.ConfidenceAlpha >= 1 {
		return nil, errors.InvalidParameter("confidence_alpha", config.ConfidenceAlpha, "must be within (0, 1)")
	}
	if config.QueryEpsilon < 0 {
		return nil, errors.InvalidParameter("query_epsilon", config.QueryEpsilon, "must not be negative")
	}

	return &DifferentialPrivacyEngine{
		config:    config,
		mechanism: NewLaplaceMechanism(),
		budget:    budget,
		logger:    loggerOrDefault(logger),
		observer:  nopObserver{},
	}, nil
}

// WithMechanism swaps the noise mechanism.
func (dpe *DifferentialPrivacyEngine) WithMechanism(m Mechanism) *DifferentialPrivacyEngine {
	if m != nil {
		dpe.mechanism = m
	}
	return dpe
}

func (dpe *DifferentialPrivacyEngine) WithObserver(o Observer) *DifferentialPrivacyEngine {
	dpe.observer = observerOrNop(o)
	return dpe
}

func (dpe *DifferentialPrivacyEngine) Budget() *PrivacyBudget {
	return dpe.budget
}

// PrivateCount counts rows matching predicate with sensitivity 1. The noisy
// count is clamped at zero.
func (dpe *DifferentialPrivacyEngine) PrivateCount(ctx context.Context, table *models.Table, predicate Predicate, epsilon float64) (*NoisyResult, error) {
	eps, err := dpe.resolveEpsilon(epsilon)
	if err != nil {
		return nil, dpe.fail(QueryTypeCount, epsilon, err)
	}
	if table == nil {
		return nil, dpe.fail(QueryTypeCount, eps, errors.InvalidParameter("table", nil, "table is nil"))
	}

	count := 0
	for _, r := range table.Rows {
		if predicate == nil || predicate(r) {
			count++
		}
	}

	prepared := &preparedQuery{
		query:       QueryTypeCount,
		values:      []float64{float64(count)},
		sensitivity: 1,
		post:        clampNonNegative,
	}
	return dpe.releaseScalar(ctx, prepared, eps)
}

// PrivateMean releases the mean of a column clipped to bounds, with
// sensitivity (upper - lower) / n.
func (dpe *DifferentialPrivacyEngine) PrivateMean(ctx context.Context, table *models.Table, column string, bounds *Bounds, epsilon float64) (*NoisyResult, error) {
	eps, err := dpe.resolveEpsilon(epsilon)
	if err != nil {
		return nil, dpe.fail(QueryTypeMean, epsilon, err)
	}
	prepared, err := dpe.prepareMean(table, column, bounds)
	if err != nil {
		return nil, dpe.fail(QueryTypeMean, eps, err)
	}
	return dpe.releaseScalar(ctx, prepared, eps)
}

// PrivateHistogram releases per-bin counts. Categorical columns get one bin
// per category in label order; numeric columns get equal-width bins over
// bounds, which are required. Bins partition the rows, so the whole
// histogram costs epsilon once.
func (dpe *DifferentialPrivacyEngine) PrivateHistogram(ctx context.Context, table *models.Table, column string, bins int, bounds *Bounds, epsilon float64) (*HistogramResult, error) {
	eps, err := dpe.resolveEpsilon(epsilon)
	if err != nil {
		return nil, dpe.fail(QueryTypeHistogram, epsilon, err)
	}
	prepared, err := dpe.prepareHistogram(table, column, bins, bounds)
	if err != nil {
		return nil, dpe.fail(QueryTypeHistogram, eps, err)
	}

	txs, warning, err := dpe.budget.Charge(ctx, []Spend{{Query: string(QueryTypeHistogram), Column: column, Epsilon: eps}})
	if err != nil {
		return nil, dpe.fail(QueryTypeHistogram, eps, err)
	}
	tx := txs[0]
	result, err := dpe.releaseHistogram(prepared, eps, tx.ID, warning)
	if err != nil {
		return nil, dpe.fail(QueryTypeHistogram, eps, err)
	}
	dpe.succeed(QueryTypeHistogram, column, eps, warning)
	return result, nil
}

// PrivateCorrelation releases the Pearson correlation of two numeric columns
// with sensitivity 2/n, clamped to [-1, 1].
func (dpe *DifferentialPrivacyEngine) PrivateCorrelation(ctx context.Context, table *models.Table, column1, column2 string, epsilon float64) (*NoisyResult, error) {
	eps, err := dpe.resolveEpsilon(epsilon)
	if err != nil {
		return nil, dpe.fail(QueryTypeCorrelation, epsilon, err)
	}
	if table == nil {
		return nil, dpe.fail(QueryTypeCorrelation, eps, errors.InvalidParameter("table", nil, "table is nil"))
	}
	if err := checkColumns(table, []string{column1, column2}); err != nil {
		return nil, dpe.fail(QueryTypeCorrelation, eps, err)
	}

	var xs, ys []float64
	for _, r := range table.Rows {
		x, okx := r.Get(column1).Float()
		y, oky := r.Get(column2).Float()
		if okx && oky {
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if len(xs) < 2 {
		return nil, dpe.fail(QueryTypeCorrelation, eps, errors.NewConfigurationError(errors.CodeInsufficientData,
			"correlation needs at least two paired numeric values").WithContext("pairs", len(xs)))
	}
	corr := stat.Correlation(xs, ys, nil)
	if math.IsNaN(corr) {
		return nil, dpe.fail(QueryTypeCorrelation, eps, errors.NewConfigurationError(errors.CodeInsufficientData,
			"correlation is undefined for a constant column"))
	}

	prepared := &preparedQuery{
		query:       QueryTypeCorrelation,
		column:      column1 + "," + column2,
		values:      []float64{corr},
		sensitivity: 2 / float64(len(xs)),
		post:        func(v float64) float64 { return math.Max(-1, math.Min(1, v)) },
	}
	return dpe.releaseScalar(ctx, prepared, eps)
}

// PrivateSummaryStatistics releases a noisy record count, plus a noisy
// count and mean per numerical column and a noisy count and histogram per
// categorical column. Every release costs epsilon and the whole batch is
// charged atomically before anything is released.
func (dpe *DifferentialPrivacyEngine) PrivateSummaryStatistics(ctx context.Context, table *models.Table, numerical []ColumnBounds, categorical []string, epsilon float64) (*SummaryStatistics, error) {
	eps, err := dpe.resolveEpsilon(epsilon)
	if err != nil {
		return nil, dpe.fail(QueryTypeSummary, epsilon, err)
	}
	if len(numerical) == 0 && len(categorical) == 0 {
		return nil, dpe.fail(QueryTypeSummary, eps, errors.InvalidParameter("columns", nil, "at least one column is required"))
	}
	if table == nil {
		return nil, dpe.fail(QueryTypeSummary, eps, errors.InvalidParameter("table", nil, "table is nil"))
	}

	total := &preparedQuery{
		query:       QueryTypeCount,
		values:      []float64{float64(table.Len())},
		sensitivity: 1,
		post:        clampNonNegative,
	}
	counts := make([]*preparedQuery, 0, len(numerical)+len(categorical))
	means := make([]*preparedQuery, 0, len(numerical))
	for i := range numerical {
		p, err := dpe.prepareMean(table, numerical[i].Column, &numerical[i].Bounds)
		if err != nil {
			return nil, dpe.fail(QueryTypeSummary, eps, err)
		}
		means = append(means, p)
		counts = append(counts, prepareColumnCount(table, p.column))
	}
	histograms := make([]*preparedQuery, 0, len(categorical))
	for _, column := range categorical {
		if err := checkColumns(table, []string{column}); err != nil {
			return nil, dpe.fail(QueryTypeSummary, eps, err)
		}
		if table.IsNumericColumn(column) {
			return nil, dpe.fail(QueryTypeSummary, eps, errors.UnboundedSensitivity(column,
				"numeric columns are summarized with declared bounds, not as categories"))
		}
		histograms = append(histograms, prepareCategoryCounts(table, column))
		counts = append(counts, prepareColumnCount(table, column))
	}

	// Scalars are charged first, in release order, then the histograms.
	scalars := append(append([]*preparedQuery{total}, counts...), means...)
	spends := make([]Spend, 0, len(scalars)+len(histograms))
	for _, p := range scalars {
		spends = append(spends, Spend{Query: string(p.query), Column: p.column, Epsilon: eps})
	}
	for _, p := range histograms {
		spends = append(spends, Spend{Query: string(QueryTypeHistogram), Column: p.column, Epsilon: eps})
	}
	txs, warning, err := dpe.budget.Charge(ctx, spends)
	if err != nil {
		return nil, dpe.fail(QueryTypeSummary, eps*float64(len(spends)), err)
	}

	summary := &SummaryStatistics{
		Counts:       make(map[string]*NoisyResult, len(counts)),
		Numerical:    make(map[string]*NoisyResult, len(means)),
		Categorical:  make(map[string]*HistogramResult, len(histograms)),
		TotalEpsilon: eps * float64(len(spends)),
		Warning:      warning,
	}
	for i, p := range scalars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := dpe.releaseValue(p, eps, txs[i].ID, warning)
		if err != nil {
			return nil, dpe.fail(QueryTypeSummary, eps, err)
		}
		switch {
		case i == 0:
			summary.TotalRecords = r
		case i <= len(counts):
			summary.Counts[p.column] = r
		default:
			summary.Numerical[p.column] = r
		}
	}
	for i, p := range histograms {
		r, err := dpe.releaseHistogram(p, eps, txs[len(scalars)+i].ID, warning)
		if err != nil {
			return nil, dpe.fail(QueryTypeSummary, eps, err)
		}
		summary.Categorical[p.column] = r
	}

	dpe.succeed(QueryTypeSummary, "", summary.TotalEpsilon, warning)
	return summary, nil
}

// PerturbTable returns a copy of table with Laplace noise added to every
// value of the given numeric columns. Values are clipped to the declared
// bounds first, so one record moves a column by at most upper - lower.
// Each column costs epsilon and the columns are charged in one batch; other
// columns and missing values are copied unchanged.
func (dpe *DifferentialPrivacyEngine) PerturbTable(ctx context.Context, table *models.Table, columns []ColumnBounds, epsilon float64) (*PerturbationResult, error) {
	eps, err := dpe.resolveEpsilon(epsilon)
	if err != nil {
		return nil, dpe.fail(QueryTypePerturbation, epsilon, err)
	}
	if table == nil {
		return nil, dpe.fail(QueryTypePerturbation, eps, errors.InvalidParameter("table", nil, "table is nil"))
	}
	if len(columns) == 0 {
		return nil, dpe.fail(QueryTypePerturbation, eps, errors.InvalidParameter("columns", nil, "at least one column is required"))
	}

	seen := make(map[string]bool, len(columns))
	spends := make([]Spend, 0, len(columns))
	for i := range columns {
		c := &columns[i]
		if seen[c.Column] {
			return nil, dpe.fail(QueryTypePerturbation, eps, errors.InvalidParameter("columns", c.Column, "column listed twice"))
		}
		seen[c.Column] = true
		if err := checkColumns(table, []string{c.Column}); err != nil {
			return nil, dpe.fail(QueryTypePerturbation, eps, err)
		}
		if err := c.Bounds.validate(c.Column); err != nil {
			return nil, dpe.fail(QueryTypePerturbation, eps, err)
		}
		if table.Len() > 0 && !table.IsNumericColumn(c.Column) {
			return nil, dpe.fail(QueryTypePerturbation, eps, errors.InvalidParameter("columns", c.Column, "column is not numeric"))
		}
		spends = append(spends, Spend{Query: string(QueryTypePerturbation), Column: c.Column, Epsilon: eps})
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txs, warning, err := dpe.budget.Charge(ctx, spends)
	if err != nil {
		return nil, dpe.fail(QueryTypePerturbation, eps*float64(len(spends)), err)
	}

	out := table.Clone()
	result := &PerturbationResult{
		Table:        out,
		Columns:      make([]PerturbedColumn, len(columns)),
		TotalEpsilon: eps * float64(len(spends)),
		Warning:      warning,
	}
	for i, c := range columns {
		sensitivity := c.Bounds.Upper - c.Bounds.Lower
		pc := PerturbedColumn{
			Column:        c.Column,
			Bounds:        c.Bounds,
			Sensitivity:   sensitivity,
			NoiseScale:    NoiseScale(sensitivity, eps),
			TransactionID: txs[i].ID,
		}
		for _, r := range out.Rows {
			f, ok := r.Get(c.Column).Float()
			if !ok {
				continue
			}
			noisy, err := dpe.mechanism.AddNoise(c.Bounds.clip(f), sensitivity, eps)
			if err != nil {
				return nil, dpe.fail(QueryTypePerturbation, eps, err)
			}
			r[c.Column] = models.Numeric(noisy)
			pc.Perturbed++
		}
		result.Columns[i] = pc
	}

	dpe.succeed(QueryTypePerturbation, "", result.TotalEpsilon, warning)
	return result, nil
}

// PrivacyBudgetAnalysis splits the total budget evenly over numQueries and
// warns when the share falls below the configured utility floor.
func (dpe *DifferentialPrivacyEngine) PrivacyBudgetAnalysis(numQueries int) (*BudgetAnalysis, error) {
	if numQueries <= 0 {
		return nil, errors.InvalidParameter("num_queries", numQueries, "must be positive")
	}

	total := dpe.budget.Total()
	analysis := &BudgetAnalysis{
		TotalEpsilon:    total,
		NumQueries:      numQueries,
		EpsilonPerQuery: total / float64(numQueries),
		RemainingBudget: dpe.budget.Remaining(),
		PrivacyLevel:    privacyLevel(total),
	}
	if analysis.EpsilonPerQuery > 0 {
		analysis.QueriesAffordable = int(math.Floor(analysis.RemainingBudget/analysis.EpsilonPerQuery + budgetTolerance))
	}
	if analysis.EpsilonPerQuery < dpe.config.MinUtilityEpsilon {
		analysis.Warning = fmt.Sprintf("per-query epsilon %.4f is below the utility floor %.4f",
			analysis.EpsilonPerQuery, dpe.config.MinUtilityEpsilon)
	}
	return analysis, nil
}

func privacyLevel(total float64) string {
	switch {
	case total < 1:
		return PrivacyLevelHigh
	case total < 5:
		return PrivacyLevelMedium
	default:
		return PrivacyLevelLow
	}
}

func (dpe *DifferentialPrivacyEngine) resolveEpsilon(epsilon float64) (float64, error) {
	if epsilon == 0 {
		epsilon = dpe.config.QueryEpsilon
	}
	if epsilon <= 0 || math.IsInf(epsilon, 0) || math.IsNaN(epsilon) {
		return 0, errors.InvalidParameter("epsilon", epsilon, "epsilon must be positive and finite")
	}
	return epsilon, nil
}

func (dpe *DifferentialPrivacyEngine) prepareMean(table *models.Table, column string, bounds *Bounds) (*preparedQuery, error) {
	if table == nil {
		return nil, errors.InvalidParameter("table", nil, "table is nil")
	}
	if err := checkColumns(table, []string{column}); err != nil {
		return nil, err
	}
	if err := bounds.validate(column); err != nil {
		return nil, err
	}

	values := table.Floats(column)
	if len(values) == 0 {
		return nil, errors.NewConfigurationError(errors.CodeInsufficientData, "no numeric values to average").
			WithContext("column", column)
	}
	clipped := make([]float64, len(values))
	for i, v := range values {
		clipped[i] = bounds.clip(v)
	}

	return &preparedQuery{
		query:       QueryTypeMean,
		column:      column,
		values:      []float64{stat.Mean(clipped, nil)},
		sensitivity: (bounds.Upper - bounds.Lower) / float64(len(clipped)),
	}, nil
}

func (dpe *DifferentialPrivacyEngine) prepareHistogram(table *models.Table, column string, bins int, bounds *Bounds) (*preparedQuery, error) {
	if table == nil {
		return nil, errors.InvalidParameter("table", nil, "table is nil")
	}
	if err := checkColumns(table, []string{column}); err != nil {
		return nil, err
	}
	if !table.IsNumericColumn(column) {
		return prepareCategoryCounts(table, column), nil
	}

	// Bin edges are released as labels, so they must come from the declared
	// range and never from the data.
	if err := bounds.validate(column); err != nil {
		return nil, err
	}
	values := finiteFloats(table, column)
	if len(values) == 0 {
		return nil, errors.NewConfigurationError(errors.CodeInsufficientData, "no finite numeric values to bin").
			WithContext("column", column)
	}
	if bins <= 0 {
		bins = dpe.config.HistogramBins
	}
	if bins <= 0 {
		bins = defaultNumericBins
	}
	lo, hi := bounds.Lower, bounds.Upper
	if hi == lo {
		bins = 1
	}
	width := (hi - lo) / float64(bins)

	p := &preparedQuery{
		query:       QueryTypeHistogram,
		column:      column,
		sensitivity: 1,
		post:        clampNonNegative,
		labels:      make([]string, bins),
		values:      make([]float64, bins),
	}
	for i := range p.labels {
		p.labels[i] = fmt.Sprintf("%.1f-%.1f", lo+float64(i)*width, lo+float64(i+1)*width)
	}
	for _, v := range values {
		i := 0
		if width > 0 {
			i = int(math.Floor((bounds.clip(v) - lo) / width))
		}
		if i >= bins {
			i = bins - 1
		}
		p.values[i]++
	}
	return p, nil
}

// prepareCategoryCounts counts each non-null value by its string form, one
// bin per distinct label in sorted order.
func prepareCategoryCounts(table *models.Table, column string) *preparedQuery {
	counts := make(map[string]int)
	for _, v := range table.Column(column) {
		if !v.IsNull() {
			counts[v.String()]++
		}
	}
	p := &preparedQuery{
		query:       QueryTypeHistogram,
		column:      column,
		sensitivity: 1,
		post:        clampNonNegative,
		labels:      make([]string, 0, len(counts)),
	}
	for label := range counts {
		p.labels = append(p.labels, label)
	}
	sort.Strings(p.labels)
	p.values = make([]float64, len(p.labels))
	for i, label := range p.labels {
		p.values[i] = float64(counts[label])
	}
	return p
}

// prepareColumnCount counts the usable values of a column. NaN numerics
// count as missing.
func prepareColumnCount(table *models.Table, column string) *preparedQuery {
	n := 0
	for _, v := range table.Column(column) {
		if v.IsNull() {
			continue
		}
		if _, ok := v.Float(); v.IsNumeric() && !ok {
			continue
		}
		n++
	}
	return &preparedQuery{
		query:       QueryTypeCount,
		column:      column,
		values:      []float64{float64(n)},
		sensitivity: 1,
		post:        clampNonNegative,
	}
}

// finiteFloats is Table.Floats without the infinities.
func finiteFloats(table *models.Table, column string) []float64 {
	values := table.Floats(column)
	out := values[:0]
	for _, v := range values {
		if !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func (dpe *DifferentialPrivacyEngine) releaseScalar(ctx context.Context, p *preparedQuery, eps float64) (*NoisyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txs, warning, err := dpe.budget.Charge(ctx, []Spend{{Query: string(p.query), Column: p.column, Epsilon: eps}})
	if err != nil {
		return nil, dpe.fail(p.query, eps, err)
	}
	tx := txs[0]
	result, err := dpe.releaseValue(p, eps, tx.ID, warning)
	if err != nil {
		return nil, dpe.fail(p.query, eps, err)
	}
	dpe.succeed(p.query, p.column, eps, warning)
	return result, nil
}

func (dpe *DifferentialPrivacyEngine) releaseValue(p *preparedQuery, eps float64, txID, warning string) (*NoisyResult, error) {
	value, lower, upper, err := dpe.noisy(p, p.values[0], eps)
	if err != nil {
		return nil, err
	}
	return &NoisyResult{
		Query:           p.query,
		Column:          p.column,
		Value:           value,
		Epsilon:         eps,
		Sensitivity:     p.sensitivity,
		NoiseScale:      NoiseScale(p.sensitivity, eps),
		ConfidenceLower: lower,
		ConfidenceUpper: upper,
		TransactionID:   txID,
		Warning:         warning,
	}, nil
}

func (dpe *DifferentialPrivacyEngine) releaseHistogram(p *preparedQuery, eps float64, txID, warning string) (*HistogramResult, error) {
	result := &HistogramResult{
		Column:        p.column,
		Bins:          make([]HistogramBin, len(p.values)),
		Epsilon:       eps,
		Sensitivity:   p.sensitivity,
		NoiseScale:    NoiseScale(p.sensitivity, eps),
		TransactionID: txID,
		Warning:       warning,
	}
	for i, v := range p.values {
		value, lower, upper, err := dpe.noisy(p, v, eps)
		if err != nil {
			return nil, err
		}
		result.Bins[i] = HistogramBin{Label: p.labels[i], Count: value, ConfidenceLower: lower, ConfidenceUpper: upper}
	}
	return result, nil
}

// noisy perturbs one value and derives its confidence interval. The
// post-processing step applies to the value and both interval ends.
func (dpe *DifferentialPrivacyEngine) noisy(p *preparedQuery, v, eps float64) (float64, float64, float64, error) {
	value, err := dpe.mechanism.AddNoise(v, p.sensitivity, eps)
	if err != nil {
		return 0, 0, 0, err
	}
	lower, upper, err := dpe.mechanism.ConfidenceInterval(value, p.sensitivity, eps, dpe.config.ConfidenceAlpha)
	if err != nil {
		return 0, 0, 0, err
	}
	if p.post != nil {
		value, lower, upper = p.post(value), p.post(lower), p.post(upper)
	}
	return value, lower, upper, nil
}

func (dpe *DifferentialPrivacyEngine) succeed(query QueryType, column string, eps float64, warning string) {
	fields := logrus.Fields{
		"query":     query,
		"column":    column,
		"epsilon":   eps,
		"remaining": dpe.budget.Remaining(),
		"session":   dpe.budget.Session(),
	}
	if warning != "" {
		dpe.logger.WithFields(fields).Warn(warning)
	} else {
		dpe.logger.WithFields(fields).Debug("Released private statistic")
	}
	dpe.observer.ObserveQuery(string(query), eps, nil)
	dpe.observer.ObserveBudget(dpe.budget.Session(), dpe.budget.Remaining())
}

func (dpe *DifferentialPrivacyEngine) fail(query QueryType, eps float64, err error) error {
	dpe.logger.WithFields(logrus.Fields{
		"query":   query,
		"epsilon": eps,
		"session": dpe.budget.Session(),
	}).WithError(err).Warn("Private query refused")
	dpe.observer.ObserveQuery(string(query), eps, err)
	return err
}

func clampNonNegative(v float64) float64 {
	return math.Max(0, v)
}

func getDefaultPrivacyConfig() *PrivacyConfig {
	return &PrivacyConfig{
		QueryEpsilon:      0.1,
		ConfidenceAlpha:   0.05,
		MinUtilityEpsilon: 0.01,
		HistogramBins:     defaultNumericBins,
	}
}
