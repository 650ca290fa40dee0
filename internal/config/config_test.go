package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ehrprivacy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, 3, config.Anonymization.K)
	assert.Equal(t, 2, config.Anonymization.L)
	assert.Equal(t, 0.2, config.Anonymization.T)
	assert.Equal(t, 1.0, config.Privacy.TotalEpsilon)
	assert.Equal(t, 0.1, config.Privacy.QueryEpsilon)
	assert.Equal(t, BackendMemory, config.Storage.Backend)
	assert.Equal(t, 5*time.Second, config.Storage.Redis.DialTimeout)
	assert.Equal(t, "0.0.0.0:8080", config.Server.Address())
	assert.Equal(t, []string{privacy.TechniqueKAnonymity}, config.Pipeline.Steps)

	require.Len(t, config.Anonymization.Hierarchies, 1)
	assert.Equal(t, "age", config.Anonymization.Hierarchies[0].Column)
	assert.Equal(t, []float64{5, 10, 20}, config.Anonymization.Hierarchies[0].Widths)

	assert.Equal(t, Default(), config)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json
anonymization:
  k: 5
  quasi_identifiers: [age, admission_type]
  sensitive_attributes: [primary_diagnosis]
  max_levels:
    - column: admission_type
      level: 1
  hierarchies:
    - column: age
      type: numeric
      widths: [10, 20]
    - column: admission_type
      type: categorical
      levels:
        - - to: UNPLANNED
            from: [EMERGENCY, URGENT]
  ordered_attributes:
    - column: severity
      order: [low, mid, high]
storage:
  backend: redis
  redis:
    addr: redis:6379
    ttl: 24h
pipeline:
  steps: [k_anonymity, t_closeness]
`)
	t.Setenv("EHRPRIV_PRIVACY_TOTAL_EPSILON", "2.5")
	t.Setenv("EHRPRIV_SERVER_PORT", "9000")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, 5, config.Anonymization.K)
	assert.Equal(t, 2.5, config.Privacy.TotalEpsilon)
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 24*time.Hour, config.Storage.Redis.TTL)
	assert.Equal(t, "redis:6379", config.Storage.Redis.Addr)

	kc, err := config.Anonymization.ToKAnonymityConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, kc.K)
	assert.Equal(t, map[string]int{"admission_type": 1}, kc.MaxLevels)
	assert.Equal(t, privacy.NumericBinning{Widths: []float64{10, 20}}, kc.Hierarchies["age"])
	assert.Equal(t, models.Categorical("UNPLANNED"),
		kc.Hierarchies["admission_type"].Generalize(models.Categorical("URGENT"), 1))
	assert.Equal(t, models.Categorical("ELECTIVE"),
		kc.Hierarchies["admission_type"].Generalize(models.Categorical("ELECTIVE"), 1))

	tc, err := config.Anonymization.ToTClosenessConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"low", "mid", "high"}, tc.OrderedAttributes["severity"])
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown backend", "storage:\n  backend: mongo\n", "storage.backend"},
		{"postgres without dsn", "storage:\n  backend: postgres\n", "storage.postgres.dsn"},
		{"bad port", "server:\n  port: 70000\n", "server.port"},
		{"unknown step", "pipeline:\n  steps: [shuffle]\n", "pipeline.steps"},
		{"dp_noise without columns", "pipeline:\n  steps: [dp_noise]\n", "pipeline.dp_noise.columns"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"s3 without bucket", "export:\n  s3:\n    enabled: true\n", "export.s3.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidParameter)

			appErr, ok := err.(*errors.AppError)
			require.True(t, ok)
			assert.Contains(t, appErr.Context, tt.field)
		})
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestBuildHierarchies(t *testing.T) {
	a := AnonymizationConfig{Hierarchies: []HierarchyConfig{
		{Column: "gender", Type: "suppress"},
		{Column: "ethnicity"},
	}}
	h, err := a.BuildHierarchies()
	require.NoError(t, err)
	assert.Equal(t, privacy.SuppressionRule{}, h["gender"])
	assert.Equal(t, privacy.SuppressionRule{}, h["ethnicity"])

	_, err = AnonymizationConfig{Hierarchies: []HierarchyConfig{{Column: "age", Type: "fuzzy"}}}.BuildHierarchies()
	assert.ErrorIs(t, err, errors.ErrInvalidHierarchy)

	_, err = AnonymizationConfig{Hierarchies: []HierarchyConfig{{Column: "age", Type: "numeric", Widths: []float64{5, 7}}}}.BuildHierarchies()
	assert.ErrorIs(t, err, errors.ErrInvalidHierarchy)

	_, err = AnonymizationConfig{Hierarchies: []HierarchyConfig{{Type: "numeric"}}}.BuildHierarchies()
	assert.ErrorIs(t, err, errors.ErrInvalidHierarchy)
}

func TestEngineConversions(t *testing.T) {
	config := Default()

	lc, err := config.Anonymization.ToLDiversityConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, lc.L)
	assert.Equal(t, privacy.DiversityDistinct, lc.DiversityModel)
	assert.Equal(t, privacy.DecadeAgeHierarchy(), lc.Hierarchies["age"])

	pc := config.Privacy.ToPrivacyConfig()
	assert.Equal(t, 0.05, pc.ConfidenceAlpha)
	assert.Equal(t, 10, pc.HistogramBins)

	ps := config.Pseudonymization.ToPseudonymizationConfig()
	assert.Equal(t, privacy.PseudonymHash, ps.Method)
	assert.Equal(t, []string{"subject_id", "hadm_id"}, ps.DirectIdentifiers)

	summary := DPSummaryConfig{Numerical: []NumericColumn{{Column: "age", Lower: 0, Upper: 120}}}
	assert.Equal(t, []privacy.ColumnBounds{{Column: "age", Bounds: privacy.Bounds{Lower: 0, Upper: 120}}}, summary.ColumnBounds())
}

func TestNewLogger(t *testing.T) {
	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger()
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = LoggingConfig{Level: "loud"}.NewLogger()
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}
