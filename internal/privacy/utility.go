package privacy

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/ehrprivacy/pkg/models"
)

// neutralPreservation is the statistical score when no numeric column survives
// to compare.
const neutralPreservation = 0.5

// UtilityReport compares a released table with its source.
type UtilityReport struct {
	RetentionRate            float64            `json:"retention_rate"`
	StatisticalPreservation  float64            `json:"statistical_preservation"`
	ColumnPreservation       map[string]float64 `json:"column_preservation"`
	DistributionPreservation map[string]float64 `json:"distribution_preservation"`
	InformationLoss          float64            `json:"information_loss"`
	UtilityScore             float64            `json:"utility_score"`
}

// EvaluateUtility scores retention, numeric mean preservation, categorical
// distribution preservation and generalization loss. levels may be nil when
// no generalization took place.
func EvaluateUtility(original, released *models.Table, levels map[string]int, hierarchies Hierarchies) *UtilityReport {
	report := &UtilityReport{
		ColumnPreservation:       make(map[string]float64),
		DistributionPreservation: make(map[string]float64),
	}
	if original.Len() == 0 {
		return report
	}
	report.RetentionRate = float64(released.Len()) / float64(original.Len())
	report.InformationLoss = informationLoss(levels, hierarchies)
	if released.Len() == 0 {
		return report
	}

	var scores []float64
	for _, column := range original.Columns {
		if !released.HasColumn(column) {
			continue
		}
		switch {
		case original.IsNumericColumn(column) && released.IsNumericColumn(column):
			origMean := stat.Mean(original.Floats(column), nil)
			if origMean == 0 {
				continue
			}
			relMean := stat.Mean(released.Floats(column), nil)
			score := math.Max(0, 1-math.Abs(origMean-relMean)/math.Abs(origMean))
			report.ColumnPreservation[column] = score
			scores = append(scores, score)
		case !original.IsNumericColumn(column):
			report.DistributionPreservation[column] = 1 - categoricalDistance(original, released, column)
		}
	}

	report.StatisticalPreservation = neutralPreservation
	if len(scores) > 0 {
		report.StatisticalPreservation = stat.Mean(scores, nil)
	}
	report.UtilityScore = (report.RetentionRate + report.StatisticalPreservation) / 2
	return report
}

// informationLoss is the mean of level/depth over generalized attributes.
func informationLoss(levels map[string]int, hierarchies Hierarchies) float64 {
	if len(levels) == 0 {
		return 0
	}
	columns := make([]string, 0, len(levels))
	for c := range levels {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	losses := make([]float64, len(columns))
	for i, c := range columns {
		losses[i] = math.Min(1, float64(levels[c])/float64(hierarchies.Rule(c).Depth()))
	}
	return stat.Mean(losses, nil)
}

// categoricalDistance is the total variation distance between the value
// distributions of column in two tables.
func categoricalDistance(a, b *models.Table, column string) float64 {
	pa, pb := valueCounts(a, nil, column), valueCounts(b, nil, column)
	ta, tb := 0, 0
	for _, c := range pa {
		ta += c
	}
	for _, c := range pb {
		tb += c
	}
	if ta == 0 || tb == 0 {
		if ta == tb {
			return 0
		}
		return 1
	}

	keys := make(map[string]struct{}, len(pa)+len(pb))
	for k := range pa {
		keys[k] = struct{}{}
	}
	for k := range pb {
		keys[k] = struct{}{}
	}
	sum := 0.0
	for k := range keys {
		sum += math.Abs(float64(pa[k])/float64(ta) - float64(pb[k])/float64(tb))
	}
	return sum / 2
}

// QueryUtility compares released means with the true ones.
type QueryUtility struct {
	MeanAbsoluteError float64 `json:"mean_absolute_error"`
	RelativeError     float64 `json:"relative_error"`
	UtilityScore      float64 `json:"utility_score"`
}

// EvaluateQueryUtility scores a private summary against the true column means.
func EvaluateQueryUtility(trueMeans map[string]float64, summary *SummaryStatistics) *QueryUtility {
	out := &QueryUtility{}
	if summary == nil {
		return out
	}

	var absErrors, relErrors []float64
	for column, released := range summary.Numerical {
		truth, ok := trueMeans[column]
		if !ok {
			continue
		}
		abs := math.Abs(truth - released.Value)
		rel := 0.0
		if truth != 0 {
			rel = abs / math.Abs(truth)
		}
		absErrors = append(absErrors, abs)
		relErrors = append(relErrors, rel)
	}
	if len(absErrors) == 0 {
		return out
	}
	out.MeanAbsoluteError = stat.Mean(absErrors, nil)
	out.RelativeError = stat.Mean(relErrors, nil)
	out.UtilityScore = 1 - math.Min(1, out.RelativeError)
	return out
}
