package pipeline

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/internal/storage"
	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type zeroNoise struct{}

func (zeroNoise) Name() string                                  { return "zero" }
func (zeroNoise) AddNoise(value, _, _ float64) (float64, error) { return value, nil }
func (zeroNoise) ConfidenceInterval(noisy, _, _, _ float64) (float64, float64, error) {
	return noisy, noisy, nil
}

type shiftNoise float64

func (shiftNoise) Name() string                                    { return "shift" }
func (s shiftNoise) AddNoise(value, _, _ float64) (float64, error) { return value + float64(s), nil }
func (shiftNoise) ConfidenceInterval(noisy, _, _, _ float64) (float64, float64, error) {
	return noisy, noisy, nil
}

type recordingObserver struct {
	mu         sync.Mutex
	techniques []string
	queries    []string
}

func (r *recordingObserver) ObserveAnonymization(technique string, _ privacy.Compliance, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.techniques = append(r.techniques, technique)
}

func (r *recordingObserver) ObserveQuery(query string, _ float64, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
}

func (r *recordingObserver) ObserveBudget(string, float64) {}

// admissions returns two age decades of four stays each, with two diagnoses
// per decade.
func admissions() *models.Table {
	table := models.NewTable("subject_id", "age", "primary_diagnosis", "los")
	ages := []float64{21, 22, 23, 24, 41, 42, 43, 44}
	diagnoses := []string{"SEPSIS", "PNEUMONIA", "SEPSIS", "PNEUMONIA", "CHF", "STROKE", "CHF", "STROKE"}
	for i, age := range ages {
		table.Append(models.Record{
			"subject_id":        models.Numeric(float64(1000 + i)),
			"age":               models.Numeric(age),
			"primary_diagnosis": models.Categorical(diagnoses[i]),
			"los":               models.Numeric(float64(i + 1)),
		})
	}
	return table
}

func decades() privacy.Hierarchies {
	return privacy.Hierarchies{"age": privacy.NumericBinning{Widths: []float64{10}}}
}

func chainedConfig() *Config {
	return &Config{
		Steps: []string{privacy.TechniqueKAnonymity, privacy.TechniqueLDiversity},
		Pseudonymization: &privacy.PseudonymizationConfig{
			Method:            privacy.PseudonymSequential,
			DirectIdentifiers: []string{"subject_id"},
		},
		KAnonymity: &privacy.KAnonymityConfig{
			K:                2,
			QuasiIdentifiers: []string{"age"},
			Hierarchies:      decades(),
		},
		LDiversity: &privacy.LDiversityConfig{
			L:                   2,
			K:                   2,
			DiversityModel:      "distinct",
			QuasiIdentifiers:    []string{"age"},
			SensitiveAttributes: []string{"primary_diagnosis"},
			Hierarchies:         decades(),
		},
		Summary: &SummaryConfig{
			Session:     "pipeline",
			Epsilon:     0.1,
			Numerical:   []privacy.ColumnBounds{{Column: "los", Bounds: privacy.Bounds{Lower: 0, Upper: 10}}},
			Categorical: []string{"primary_diagnosis"},
		},
	}
}

func TestPipeline_ChainsSteps(t *testing.T) {
	store := storage.NewMemoryBudgetStore()
	budgets, err := privacy.NewBudgetManager(1.0, false, store, testLogger())
	require.NoError(t, err)

	observer := &recordingObserver{}
	p, err := New(chainedConfig(), budgets, testLogger())
	require.NoError(t, err)
	p.WithObserver(observer).WithMechanism(zeroNoise{})

	result, err := p.Run(context.Background(), admissions())
	require.NoError(t, err)

	assert.True(t, result.Pseudonymized)
	assert.False(t, result.Halted)
	assert.Equal(t, privacy.Compliant, result.Compliance)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, privacy.TechniqueKAnonymity, result.Steps[0].Technique)
	assert.Equal(t, map[string]int{"age": 1}, result.Steps[0].Levels)
	assert.Equal(t, 8, result.Steps[0].Retained)
	assert.Equal(t, privacy.TechniqueLDiversity, result.Steps[1].Technique)
	assert.Equal(t, privacy.Compliant, result.Steps[1].Compliance)
	assert.Equal(t, 8, result.Steps[1].Retained)

	require.Equal(t, 8, result.Table.Len())
	first := result.Table.Rows[0]
	assert.Equal(t, models.Categorical("[20, 30)"), first["age"])
	assert.True(t, strings.HasPrefix(first["subject_id"].String(), "anon_"))

	require.NotNil(t, result.Utility)
	assert.Equal(t, 1.0, result.Utility.RetentionRate)
	assert.Equal(t, 1.0, result.Utility.ColumnPreservation["los"])

	require.NotNil(t, result.Summary)
	assert.InDelta(t, 4.5, result.Summary.Numerical["los"].Value, 1e-9)
	assert.Len(t, result.Summary.Categorical["primary_diagnosis"].Bins, 4)
	assert.InDelta(t, 0.5, result.Summary.TotalEpsilon, 1e-9)
	assert.InDelta(t, 8, result.Summary.TotalRecords.Value, 1e-9)
	require.NotNil(t, result.SummaryUtility)
	assert.InDelta(t, 1.0, result.SummaryUtility.UtilityScore, 1e-9)

	snapshot, err := store.Load(context.Background(), "pipeline")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, snapshot.Spent, 1e-9)

	assert.Equal(t, []string{privacy.TechniqueKAnonymity, privacy.TechniqueLDiversity}, observer.techniques)
	assert.NotEmpty(t, observer.queries)
}

func TestPipeline_HaltsWhenNothingRetained(t *testing.T) {
	cfg := chainedConfig()
	cfg.KAnonymity.K = 20
	budgets, err := privacy.NewBudgetManager(1.0, false, nil, testLogger())
	require.NoError(t, err)

	p, err := New(cfg, budgets, testLogger())
	require.NoError(t, err)

	result, err := p.Run(context.Background(), admissions())
	require.NoError(t, err)

	assert.True(t, result.Halted)
	assert.Len(t, result.Steps, 1)
	assert.Equal(t, privacy.NonCompliant, result.Compliance)
	assert.Equal(t, 0, result.Table.Len())
	assert.Nil(t, result.Summary)
	assert.Empty(t, budgets.Sessions(), "no budget is opened when nothing is released")
}

func TestPipeline_SummaryRefusedWhenBudgetExhausted(t *testing.T) {
	budgets, err := privacy.NewBudgetManager(0.1, false, nil, testLogger())
	require.NoError(t, err)

	p, err := New(chainedConfig(), budgets, testLogger())
	require.NoError(t, err)

	_, err = p.Run(context.Background(), admissions())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBudgetExhausted)
}

func TestPipeline_DPNoiseStep(t *testing.T) {
	store := storage.NewMemoryBudgetStore()
	budgets, err := privacy.NewBudgetManager(1.0, false, store, testLogger())
	require.NoError(t, err)

	cfg := chainedConfig()
	cfg.Steps = []string{privacy.TechniqueKAnonymity, privacy.TechniqueDPNoise}
	cfg.Summary = nil
	cfg.Noise = &NoiseConfig{
		Session: "pipeline",
		Epsilon: 0.2,
		Columns: []privacy.ColumnBounds{{Column: "los", Bounds: privacy.Bounds{Lower: 0, Upper: 6}}},
	}
	p, err := New(cfg, budgets, testLogger())
	require.NoError(t, err)
	p.WithMechanism(shiftNoise(1))

	input := admissions()
	result, err := p.Run(context.Background(), input)
	require.NoError(t, err)

	require.Len(t, result.Steps, 2)
	step := result.Steps[1]
	assert.Equal(t, privacy.TechniqueDPNoise, step.Technique)
	assert.Equal(t, privacy.Compliant, step.Compliance)
	assert.Equal(t, 8, step.Retained)
	report, ok := step.Report.(*privacy.PerturbationResult)
	require.True(t, ok)
	assert.Equal(t, 8, report.Columns[0].Perturbed)
	assert.InDelta(t, 30.0, report.Columns[0].NoiseScale, 1e-12)

	assert.Equal(t, []float64{2, 3, 4, 5, 6, 7, 7, 7}, result.Table.Floats("los"), "clipped to 6 before the shift")
	assert.Equal(t, models.Categorical("[20, 30)"), result.Table.Rows[0]["age"])
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, input.Floats("los"))

	snapshot, err := store.Load(context.Background(), "pipeline")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, snapshot.Spent, 1e-9)
	require.Len(t, snapshot.Transactions, 1)
	assert.Equal(t, string(privacy.QueryTypePerturbation), snapshot.Transactions[0].Query)
}

func TestPipeline_Cancelled(t *testing.T) {
	p, err := New(&Config{
		Steps:      []string{privacy.TechniqueKAnonymity},
		KAnonymity: chainedConfig().KAnonymity,
	}, nil, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx, admissions())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{"nil config", nil},
		{"unknown step", &Config{Steps: []string{"suppression"}}},
		{"missing engine", &Config{Steps: []string{privacy.TechniqueTCloseness}}},
		{"summary without budgets", &Config{Summary: &SummaryConfig{Session: "s"}}},
		{"noise step without config", &Config{Steps: []string{privacy.TechniqueDPNoise}}},
		{"noise without budgets", &Config{Steps: []string{privacy.TechniqueDPNoise}, Noise: &NoiseConfig{Session: "s"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, nil, testLogger())
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidParameter)
		})
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Steps = []string{privacy.TechniqueKAnonymity, privacy.TechniqueTCloseness}
	cfg.Pipeline.DPSummary.Enabled = true
	cfg.Pipeline.DPSummary.Numerical = []config.NumericColumn{{Column: "los", Lower: 0, Upper: 30}}
	cfg.Pseudonymization.Enabled = true
	cfg.Pseudonymization.HashingSalt = "pepper"

	out, err := FromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, cfg.Pipeline.Steps, out.Steps)
	require.NotNil(t, out.KAnonymity)
	assert.Equal(t, 3, out.KAnonymity.K)
	assert.Nil(t, out.LDiversity)
	require.NotNil(t, out.TCloseness)
	assert.Equal(t, 0.2, out.TCloseness.T)
	require.NotNil(t, out.Pseudonymization)
	assert.Equal(t, "pepper", out.Pseudonymization.HashingSalt)
	require.NotNil(t, out.Summary)
	assert.Equal(t, "pipeline", out.Summary.Session)
	assert.Equal(t, []privacy.ColumnBounds{{Column: "los", Bounds: privacy.Bounds{Lower: 0, Upper: 30}}}, out.Summary.Numerical)
	assert.Equal(t, 0.1, out.Privacy.QueryEpsilon)
	assert.Nil(t, out.Noise)

	cfg.Pipeline.Steps = []string{privacy.TechniqueDPNoise}
	cfg.Pipeline.DPNoise.Columns = []config.NumericColumn{{Column: "los", Lower: 0, Upper: 30}}
	out, err = FromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, out.Noise)
	assert.Equal(t, "pipeline", out.Noise.Session)
	assert.Equal(t, 0.5, out.Noise.Epsilon)
	assert.Equal(t, []privacy.ColumnBounds{{Column: "los", Bounds: privacy.Bounds{Lower: 0, Upper: 30}}}, out.Noise.Columns)
}
