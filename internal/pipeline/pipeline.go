package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Config wires the engines a run may use. Engine configs for techniques not
// listed in Steps may be nil.
type Config struct {
	Steps            []string
	Pseudonymization *privacy.PseudonymizationConfig
	KAnonymity       *privacy.KAnonymityConfig
	LDiversity       *privacy.LDiversityConfig
	TCloseness       *privacy.TClosenessConfig
	Privacy          *privacy.PrivacyConfig
	Noise            *NoiseConfig
	Summary          *SummaryConfig
}

// NoiseConfig describes the dp_noise step: Laplace noise added to each
// value of the listed numeric columns, charged to Session.
type NoiseConfig struct {
	Session string
	Epsilon float64
	Columns []privacy.ColumnBounds
}

// SummaryConfig describes the differentially private summary released from
// the final table.
type SummaryConfig struct {
	Session     string
	Epsilon     float64
	Numerical   []privacy.ColumnBounds
	Categorical []string
}

// StepReport is the outcome of one anonymization step.
type StepReport struct {
	Technique  string             `json:"technique"`
	Compliance privacy.Compliance `json:"compliance"`
	Retained   int                `json:"retained"`
	Suppressed int                `json:"suppressed"`
	Levels     map[string]int     `json:"levels,omitempty"`
	Duration   time.Duration      `json:"duration"`
	Report     interface{}        `json:"report"`
}

type Result struct {
	Table         *models.Table              `json:"-"`
	Pseudonymized bool                       `json:"pseudonymized"`
	Steps         []StepReport               `json:"steps"`
	Compliance    privacy.Compliance         `json:"compliance"`
	Summary       *privacy.SummaryStatistics `json:"summary,omitempty"`
	Utility       *privacy.UtilityReport     `json:"utility"`
	// SummaryUtility scores the summary's means against the released table.
	SummaryUtility *privacy.QueryUtility `json:"summary_utility,omitempty"`
	// Halted is set when a step retained no rows and later steps were skipped.
	Halted bool `json:"halted,omitempty"`
}

// Pipeline runs pseudonymization, the configured steps in order and an
// optional DP summary. Steps are the anonymization techniques plus dp_noise;
// each consumes the previous step's output.
type Pipeline struct {
	config    *Config
	budgets   *privacy.BudgetManager
	logger    *logrus.Logger
	observer  privacy.Observer
	mechanism privacy.Mechanism
}

func New(cfg *Config, budgets *privacy.BudgetManager, logger *logrus.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.InvalidParameter("pipeline", nil, "pipeline config is nil")
	}
	for _, step := range cfg.Steps {
		var missing bool
		switch step {
		case privacy.TechniqueKAnonymity:
			missing = cfg.KAnonymity == nil
		case privacy.TechniqueLDiversity:
			missing = cfg.LDiversity == nil
		case privacy.TechniqueTCloseness:
			missing = cfg.TCloseness == nil
		case privacy.TechniqueDPNoise:
			missing = cfg.Noise == nil
		default:
			return nil, errors.InvalidParameter("steps", step, "unknown pipeline step")
		}
		if missing {
			return nil, errors.InvalidParameter("steps", step, "step has no engine configuration")
		}
	}
	if cfg.Summary != nil && budgets == nil {
		return nil, errors.InvalidParameter("summary", nil, "a DP summary needs a budget manager")
	}
	if cfg.Noise != nil && budgets == nil {
		return nil, errors.InvalidParameter("noise", nil, "the dp_noise step needs a budget manager")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{config: cfg, budgets: budgets, logger: logger}, nil
}

// FromConfig builds the pipeline config from file settings.
func FromConfig(cfg *config.Config) (*Config, error) {
	out := &Config{
		Steps:   cfg.Pipeline.Steps,
		Privacy: cfg.Privacy.ToPrivacyConfig(),
	}

	if cfg.Pseudonymization.Enabled {
		out.Pseudonymization = cfg.Pseudonymization.ToPseudonymizationConfig()
	}

	var err error
	for _, step := range cfg.Pipeline.Steps {
		switch step {
		case privacy.TechniqueKAnonymity:
			out.KAnonymity, err = cfg.Anonymization.ToKAnonymityConfig()
		case privacy.TechniqueLDiversity:
			out.LDiversity, err = cfg.Anonymization.ToLDiversityConfig()
		case privacy.TechniqueTCloseness:
			out.TCloseness, err = cfg.Anonymization.ToTClosenessConfig()
		case privacy.TechniqueDPNoise:
			n := cfg.Pipeline.DPNoise
			out.Noise = &NoiseConfig{Session: n.Session, Epsilon: n.Epsilon, Columns: n.ColumnBounds()}
		}
		if err != nil {
			return nil, err
		}
	}

	if s := cfg.Pipeline.DPSummary; s.Enabled {
		out.Summary = &SummaryConfig{
			Session:     s.Session,
			Epsilon:     s.Epsilon,
			Numerical:   s.ColumnBounds(),
			Categorical: s.Categorical,
		}
	}
	return out, nil
}

func (p *Pipeline) WithObserver(o privacy.Observer) *Pipeline {
	p.observer = o
	return p
}

// WithMechanism replaces the noise mechanism used by dp_noise and the DP summary.
func (p *Pipeline) WithMechanism(m privacy.Mechanism) *Pipeline {
	p.mechanism = m
	return p
}

// Run executes the pipeline. The overall compliance is the weakest step
// verdict: non-compliant beats vacuous beats compliant.
func (p *Pipeline) Run(ctx context.Context, table *models.Table) (*Result, error) {
	if table == nil {
		return nil, errors.InvalidParameter("table", nil, "table is nil")
	}

	runID := fmt.Sprintf("%d", time.Now().UnixNano())
	logger := p.logger.WithField("run", runID)
	logger.WithFields(logrus.Fields{
		"rows":  table.Len(),
		"steps": p.config.Steps,
	}).Info("Starting anonymization pipeline")

	result := &Result{Compliance: privacy.Compliant}
	current := table

	if p.config.Pseudonymization != nil {
		pseudonymizer, err := privacy.NewPseudonymizer(p.config.Pseudonymization, p.logger)
		if err != nil {
			return nil, err
		}
		if current, err = pseudonymizer.Apply(ctx, current); err != nil {
			return nil, err
		}
		result.Pseudonymized = true
	}
	source := current

	levels := make(map[string]int)
	var hierarchies privacy.Hierarchies

	for _, step := range p.config.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		report, output, h, err := p.runStep(ctx, step, current)
		if err != nil {
			return nil, err
		}
		report.Duration = time.Since(start)
		result.Steps = append(result.Steps, report)
		result.Compliance = weaker(result.Compliance, report.Compliance)

		for qi, level := range report.Levels {
			if level > levels[qi] {
				levels[qi] = level
			}
		}
		if hierarchies == nil {
			hierarchies = h
		}

		logger.WithFields(logrus.Fields{
			"technique":  step,
			"compliance": report.Compliance,
			"retained":   report.Retained,
			"suppressed": report.Suppressed,
		}).Info("Pipeline step finished")

		current = output
		if current.Len() == 0 {
			result.Halted = true
			break
		}
	}

	result.Table = current
	result.Utility = privacy.EvaluateUtility(source, current, levels, hierarchies)

	if p.config.Summary != nil && !result.Halted {
		summary, err := p.summarize(ctx, current)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
		result.SummaryUtility = privacy.EvaluateQueryUtility(trueMeans(current, p.config.Summary.Numerical), summary)
	}

	logger.WithFields(logrus.Fields{
		"compliance": result.Compliance,
		"released":   current.Len(),
		"utility":    result.Utility.UtilityScore,
	}).Info("Anonymization pipeline finished")

	return result, nil
}

func (p *Pipeline) runStep(ctx context.Context, step string, table *models.Table) (StepReport, *models.Table, privacy.Hierarchies, error) {
	switch step {
	case privacy.TechniqueKAnonymity:
		res, err := privacy.NewKAnonymityProcessor(p.config.KAnonymity, p.logger).WithObserver(p.observer).Anonymize(ctx, table)
		if err != nil {
			return StepReport{}, nil, nil, err
		}
		return StepReport{
			Technique:  step,
			Compliance: res.Report.Compliance,
			Retained:   res.Report.RetainedCount,
			Suppressed: res.Report.SuppressedCount,
			Levels:     res.Report.Levels,
			Report:     res.Report,
		}, res.Table, p.config.KAnonymity.Hierarchies, nil

	case privacy.TechniqueLDiversity:
		res, err := privacy.NewLDiversityProcessor(p.config.LDiversity, p.logger).WithObserver(p.observer).Anonymize(ctx, table)
		if err != nil {
			return StepReport{}, nil, nil, err
		}
		report := StepReport{
			Technique:  step,
			Compliance: res.Report.Compliance,
			Retained:   res.Report.RetainedCount,
			Suppressed: res.Report.SuppressedCount,
			Report:     res.Report,
		}
		if res.Report.KAnonymity != nil {
			report.Levels = res.Report.KAnonymity.Levels
		}
		return report, res.Table, p.config.LDiversity.Hierarchies, nil

	case privacy.TechniqueTCloseness:
		res, err := privacy.NewTClosenessProcessor(p.config.TCloseness, p.logger).WithObserver(p.observer).Anonymize(ctx, table)
		if err != nil {
			return StepReport{}, nil, nil, err
		}
		report := StepReport{
			Technique:  step,
			Compliance: res.Report.Compliance,
			Retained:   res.Report.RetainedCount,
			Suppressed: res.Report.SuppressedCount,
			Report:     res.Report,
		}
		if res.Report.KAnonymity != nil {
			report.Levels = res.Report.KAnonymity.Levels
		}
		return report, res.Table, p.config.TCloseness.Hierarchies, nil

	case privacy.TechniqueDPNoise:
		res, err := p.perturb(ctx, table)
		if err != nil {
			return StepReport{}, nil, nil, err
		}
		return StepReport{
			Technique:  step,
			Compliance: privacy.Compliant,
			Retained:   res.Table.Len(),
			Report:     res,
		}, res.Table, nil, nil
	}
	return StepReport{}, nil, nil, errors.InvalidParameter("steps", step, "unknown pipeline step")
}

// engine binds a DP engine to the session's budget.
func (p *Pipeline) engine(ctx context.Context, session string) (*privacy.DifferentialPrivacyEngine, error) {
	budget, err := p.budgets.Budget(ctx, session)
	if err != nil {
		return nil, err
	}
	engine, err := privacy.NewDifferentialPrivacyEngine(p.config.Privacy, budget, p.logger)
	if err != nil {
		return nil, err
	}
	engine.WithObserver(p.observer)
	if p.mechanism != nil {
		engine.WithMechanism(p.mechanism)
	}
	return engine, nil
}

func (p *Pipeline) perturb(ctx context.Context, table *models.Table) (*privacy.PerturbationResult, error) {
	n := p.config.Noise
	engine, err := p.engine(ctx, n.Session)
	if err != nil {
		return nil, err
	}
	res, err := engine.PerturbTable(ctx, table, n.Columns, n.Epsilon)
	if err != nil {
		return nil, err
	}
	if err := p.budgets.Sync(ctx, n.Session); err != nil {
		p.logger.WithError(err).Warn("Failed to refresh budget after perturbation")
	}
	return res, nil
}

func (p *Pipeline) summarize(ctx context.Context, table *models.Table) (*privacy.SummaryStatistics, error) {
	s := p.config.Summary
	engine, err := p.engine(ctx, s.Session)
	if err != nil {
		return nil, err
	}

	summary, err := engine.PrivateSummaryStatistics(ctx, table, s.Numerical, s.Categorical, s.Epsilon)
	if err != nil {
		return nil, err
	}
	if err := p.budgets.Sync(ctx, s.Session); err != nil {
		p.logger.WithError(err).Warn("Failed to refresh budget after summary")
	}
	return summary, nil
}

func trueMeans(table *models.Table, columns []privacy.ColumnBounds) map[string]float64 {
	means := make(map[string]float64, len(columns))
	for _, c := range columns {
		if values := table.Floats(c.Column); len(values) > 0 {
			means[c.Column] = stat.Mean(values, nil)
		}
	}
	return means
}

func weaker(a, b privacy.Compliance) privacy.Compliance {
	rank := func(c privacy.Compliance) int {
		switch c {
		case privacy.NonCompliant:
			return 2
		case privacy.VacuouslyTrue:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
