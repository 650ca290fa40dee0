package config

import (
	"fmt"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
)

func isPipelineStep(step string) bool {
	switch step {
	case privacy.TechniqueKAnonymity, privacy.TechniqueLDiversity, privacy.TechniqueTCloseness, privacy.TechniqueDPNoise:
		return true
	}
	return false
}

// BuildHierarchies turns the configured rules into generalization rules.
func (a AnonymizationConfig) BuildHierarchies() (privacy.Hierarchies, error) {
	h := make(privacy.Hierarchies, len(a.Hierarchies))
	for _, hc := range a.Hierarchies {
		if hc.Column == "" {
			return nil, errors.NewConfigurationError(errors.CodeInvalidHierarchy, "hierarchy without a column")
		}
		switch privacy.RuleKind(hc.Type) {
		case privacy.RuleNumericBinning:
			h[hc.Column] = privacy.NumericBinning{Origin: hc.Origin, Widths: hc.Widths}
		case privacy.RuleCategoricalRollup:
			levels := make([]map[string]string, len(hc.Levels))
			for i, groups := range hc.Levels {
				levels[i] = make(map[string]string)
				for _, g := range groups {
					for _, from := range g.From {
						levels[i][from] = g.To
					}
				}
			}
			h[hc.Column] = privacy.CategoricalRollup{Levels: levels}
		case privacy.RuleSuppression, "":
			h[hc.Column] = privacy.SuppressionRule{}
		default:
			return nil, errors.NewConfigurationError(errors.CodeInvalidHierarchy, "unknown hierarchy type").
				WithDetails(fmt.Sprintf("column %s has type %q", hc.Column, hc.Type)).
				WithContext("column", hc.Column)
		}
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return h, nil
}

func (a AnonymizationConfig) maxLevels() map[string]int {
	if len(a.MaxLevels) == 0 {
		return nil
	}
	caps := make(map[string]int, len(a.MaxLevels))
	for _, c := range a.MaxLevels {
		caps[c.Column] = c.Level
	}
	return caps
}

func (a AnonymizationConfig) orderedAttributes() map[string][]string {
	if len(a.OrderedAttributes) == 0 {
		return nil
	}
	out := make(map[string][]string, len(a.OrderedAttributes))
	for _, o := range a.OrderedAttributes {
		out[o.Column] = o.Order
	}
	return out
}

func (a AnonymizationConfig) ToKAnonymityConfig() (*privacy.KAnonymityConfig, error) {
	h, err := a.BuildHierarchies()
	if err != nil {
		return nil, err
	}
	return &privacy.KAnonymityConfig{
		K:                    a.K,
		QuasiIdentifiers:     a.QuasiIdentifiers,
		Hierarchies:          h,
		SuppressionThreshold: a.SuppressionThreshold,
		MaxLevels:            a.maxLevels(),
	}, nil
}

func (a AnonymizationConfig) ToLDiversityConfig() (*privacy.LDiversityConfig, error) {
	h, err := a.BuildHierarchies()
	if err != nil {
		return nil, err
	}
	return &privacy.LDiversityConfig{
		L:                   a.L,
		K:                   a.K,
		DiversityModel:      a.DiversityModel,
		QuasiIdentifiers:    a.QuasiIdentifiers,
		SensitiveAttributes: a.SensitiveAttributes,
		RecursiveC:          a.RecursiveC,
		Hierarchies:         h,
		MaxLevels:           a.maxLevels(),
	}, nil
}

func (a AnonymizationConfig) ToTClosenessConfig() (*privacy.TClosenessConfig, error) {
	h, err := a.BuildHierarchies()
	if err != nil {
		return nil, err
	}
	return &privacy.TClosenessConfig{
		T:                   a.T,
		K:                   a.K,
		QuasiIdentifiers:    a.QuasiIdentifiers,
		SensitiveAttributes: a.SensitiveAttributes,
		NumericBins:         a.NumericBins,
		OrderedAttributes:   a.orderedAttributes(),
		Hierarchies:         h,
		MaxLevels:           a.maxLevels(),
	}, nil
}

func (p PrivacyConfig) ToPrivacyConfig() *privacy.PrivacyConfig {
	return &privacy.PrivacyConfig{
		QueryEpsilon:      p.QueryEpsilon,
		ConfidenceAlpha:   p.ConfidenceAlpha,
		MinUtilityEpsilon: p.MinUtilityEpsilon,
		HistogramBins:     p.HistogramBins,
	}
}

func (p PseudonymizationConfig) ToPseudonymizationConfig() *privacy.PseudonymizationConfig {
	return &privacy.PseudonymizationConfig{
		Method:            p.Method,
		HashingSalt:       p.HashingSalt,
		DirectIdentifiers: p.DirectIdentifiers,
	}
}

// ColumnBounds returns the declared ranges of the summary's numeric columns.
func (d DPSummaryConfig) ColumnBounds() []privacy.ColumnBounds {
	return columnBounds(d.Numerical)
}

// ColumnBounds returns the declared ranges of the perturbed columns.
func (d DPNoiseConfig) ColumnBounds() []privacy.ColumnBounds {
	return columnBounds(d.Columns)
}

func columnBounds(columns []NumericColumn) []privacy.ColumnBounds {
	out := make([]privacy.ColumnBounds, len(columns))
	for i, n := range columns {
		out[i] = privacy.ColumnBounds{Column: n.Column, Bounds: privacy.Bounds{Lower: n.Lower, Upper: n.Upper}}
	}
	return out
}
