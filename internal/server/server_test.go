package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/observability/metrics"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/internal/storage"
)

type zeroNoise struct{}

func (zeroNoise) Name() string                                  { return "zero" }
func (zeroNoise) AddNoise(value, _, _ float64) (float64, error) { return value, nil }
func (zeroNoise) ConfidenceInterval(noisy, _, _, _ float64) (float64, float64, error) {
	return noisy, noisy, nil
}

type testServer struct {
	*Server
	store *storage.MemoryBudgetStore
	prom  *metrics.PrometheusMetrics
}

func newTestServer(t *testing.T, mutate func(*Config, *Dependencies)) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := storage.NewMemoryBudgetStore()
	budgets, err := privacy.NewBudgetManager(1.0, false, store, logger)
	require.NoError(t, err)
	pm, err := metrics.NewPrometheusMetrics(&metrics.PrometheusConfig{Enabled: true, Namespace: "test"}, logger)
	require.NoError(t, err)

	defaults := config.Default()
	deps := Dependencies{
		Budgets:       budgets.WithObserver(pm),
		Anonymization: defaults.Anonymization,
		Privacy:       defaults.Privacy.ToPrivacyConfig(),
		Metrics:       pm,
		Mechanism:     zeroNoise{},
	}
	cfg := NewDefaultConfig()
	cfg.Version = "1.2.3"
	if mutate != nil {
		mutate(cfg, &deps)
	}

	srv, err := NewServer(cfg, deps, logger)
	require.NoError(t, err)
	return &testServer{Server: srv, store: store, prom: pm}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func admissionRows() []map[string]interface{} {
	ages := []float64{21, 22, 23, 24, 41, 42, 43, 44}
	diagnoses := []string{"SEPSIS", "PNEUMONIA", "SEPSIS", "PNEUMONIA", "CHF", "STROKE", "CHF", "STROKE"}
	rows := make([]map[string]interface{}, len(ages))
	for i := range ages {
		rows[i] = map[string]interface{}{
			"age":               ages[i],
			"gender":            []string{"F", "M"}[i%2],
			"primary_diagnosis": diagnoses[i],
			"los":               float64(i + 1),
		}
	}
	return rows
}

func TestHealthAndVersion(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1.2.3", decode(t, rec)["version"])
}

func TestReady_StorageDown(t *testing.T) {
	s := newTestServer(t, func(_ *Config, deps *Dependencies) {
		deps.Ping = func(context.Context) error { return fmt.Errorf("connection refused") }
	})

	rec := s.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["ready"])
	assert.Equal(t, "unhealthy", body["status"])
}

func TestAnonymize_KAnonymity(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/anonymize", map[string]interface{}{
		"columns":   []string{"age", "gender", "primary_diagnosis", "los"},
		"rows":      admissionRows(),
		"technique": "k_anonymity",
		"parameters": map[string]interface{}{
			"k":                 2,
			"quasi_identifiers": []string{"age"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Columns []string                 `json:"columns"`
		Rows    []map[string]interface{} `json:"rows"`
		Result  struct {
			Compliance string `json:"compliance"`
			Steps      []struct {
				Technique string         `json:"technique"`
				Levels    map[string]int `json:"levels"`
			} `json:"steps"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "compliant", resp.Result.Compliance)
	require.Len(t, resp.Result.Steps, 1)
	assert.Equal(t, map[string]int{"age": 1}, resp.Result.Steps[0].Levels)
	require.Len(t, resp.Rows, 8)
	assert.Equal(t, "[20, 25)", resp.Rows[0]["age"])
	assert.Equal(t, "[40, 45)", resp.Rows[7]["age"])
	assert.Equal(t, []string{"age", "gender", "primary_diagnosis", "los"}, resp.Columns)

	assert.Equal(t, 1.0, testutilCounter(t, s, "test_anonymization_runs_total"))
}

func TestAnonymize_BadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{"no technique", map[string]interface{}{"rows": admissionRows()}, "INVALID_PARAMETER"},
		{"unknown technique", map[string]interface{}{"rows": admissionRows(), "technique": "shuffle"}, "INVALID_PARAMETER"},
		{"missing quasi-identifier", map[string]interface{}{"rows": admissionRows(), "technique": "k_anonymity"}, "MISSING_COLUMN"},
		{"unknown field", map[string]interface{}{"rows": admissionRows(), "tecnique": "k_anonymity"}, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/v1/anonymize", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			errBody := decode(t, rec)["error"].(map[string]interface{})
			assert.Equal(t, tt.code, errBody["code"])
		})
	}
}

func TestQuery_ChargesSessionBudget(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/sessions/analyst-1/queries/count"

	rec := s.do(t, http.MethodPost, path, map[string]interface{}{
		"rows":    admissionRows(),
		"epsilon": 0.5,
		"where":   map[string]interface{}{"gender": "F"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode(t, rec)
	assert.Equal(t, 4.0, result["value"])
	assert.Equal(t, 0.5, result["epsilon"])

	rec = s.do(t, http.MethodPost, path, map[string]interface{}{"rows": admissionRows(), "epsilon": 0.6})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "BUDGET_EXHAUSTED", decode(t, rec)["error"].(map[string]interface{})["code"])

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/analyst-1/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var budget BudgetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &budget))
	assert.InDelta(t, 0.5, budget.Status.Spent, 1e-9)
	assert.InDelta(t, 0.5, budget.Status.Remaining, 1e-9)
	require.Len(t, budget.Transactions, 1)
	assert.Equal(t, "count", budget.Transactions[0].Query)

	snapshot, err := s.store.Load(context.Background(), "analyst-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, snapshot.Spent, 1e-9)

	rec = s.do(t, http.MethodDelete, "/api/v1/sessions/analyst-1/budget", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/v1/sessions/analyst-1/budget", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &budget))
	assert.Equal(t, 0.0, budget.Status.Spent)
}

func TestQuery_MeanAndHistogram(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/sessions/s1/queries/mean", map[string]interface{}{
		"rows":    admissionRows(),
		"epsilon": 0.1,
		"column":  "los",
		"bounds":  map[string]float64{"lower": 0, "upper": 10},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 4.5, decode(t, rec)["value"], 1e-9)

	rec = s.do(t, http.MethodPost, "/api/v1/sessions/s1/queries/histogram", map[string]interface{}{
		"rows":    admissionRows(),
		"epsilon": 0.1,
		"column":  "gender",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bins := decode(t, rec)["bins"].([]interface{})
	require.Len(t, bins, 2)
	assert.Equal(t, "F", bins[0].(map[string]interface{})["label"])
	assert.Equal(t, 4.0, bins[0].(map[string]interface{})["count"])

	rec = s.do(t, http.MethodPost, "/api/v1/sessions/s1/queries/histogram", map[string]interface{}{
		"rows":    admissionRows(),
		"epsilon": 0.1,
		"column":  "age",
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, "UNBOUNDED_SENSITIVITY", decode(t, rec)["error"].(map[string]interface{})["code"])
	assert.NotContains(t, rec.Body.String(), "21.0")

	rec = s.do(t, http.MethodPost, "/api/v1/sessions/s1/queries/histogram", map[string]interface{}{
		"rows":    admissionRows(),
		"epsilon": 0.1,
		"column":  "age",
		"bins":    2,
		"bounds":  map[string]float64{"lower": 0, "upper": 100},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bins = decode(t, rec)["bins"].([]interface{})
	require.Len(t, bins, 2)
	assert.Equal(t, "0.0-50.0", bins[0].(map[string]interface{})["label"])
	assert.Equal(t, 8.0, bins[0].(map[string]interface{})["count"])
}

func TestBudgetAnalysis(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/v1/sessions/s1/budget/analysis?queries=4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	analysis := decode(t, rec)
	assert.Equal(t, 0.25, analysis["epsilon_per_query"])
	assert.Equal(t, 4.0, analysis["queries_affordable"])

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/s1/budget/analysis?queries=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodGet, "/health", nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(t, func(cfg *Config, _ *Dependencies) {
		cfg.MaxRequestSize = 64
	})

	rec := s.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/anonymize", nil)
	req.Header.Set("Origin", "https://analyst.example.org")
	preflight := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(preflight, req)
	assert.Equal(t, http.StatusNoContent, preflight.Code)
	assert.Equal(t, "*", preflight.Header().Get("Access-Control-Allow-Origin"))

	big := strings.NewReader(`{"rows": [` + strings.Repeat(`{"age": 1},`, 20) + `{"age": 1}]}`)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/anonymize", big)
	tooLarge := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(tooLarge, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, tooLarge.Code)
}

func TestSessionRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *Config, _ *Dependencies) {
		cfg.QueryRateLimit = 0.001
		cfg.QueryBurst = 1
	})

	rec := s.do(t, http.MethodGet, "/api/v1/sessions/busy/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/sessions/busy/budget", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decode(t, rec)["error"].(map[string]interface{})["code"])
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// other sessions keep their own bucket
	rec = s.do(t, http.MethodGet, "/api/v1/sessions/quiet/budget", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// health endpoints are not limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil).Code)
	}
}

func TestSessionRateLimit_Disabled(t *testing.T) {
	s := newTestServer(t, func(cfg *Config, _ *Dependencies) {
		cfg.QueryRateLimit = 0
	})
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/sessions/s1/budget", nil).Code)
	}
}

func TestNewServer_RequiresBudgets(t *testing.T) {
	_, err := NewServer(nil, Dependencies{}, nil)
	assert.Error(t, err)

	cfg := NewDefaultConfig()
	cfg.Port = 0
	_, err = NewServer(cfg, Dependencies{}, nil)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	app := config.Default()
	app.Server.Port = 9090
	app.Metrics.Enabled = false

	cfg := FromConfig(app)
	assert.Equal(t, "0.0.0.0:9090", cfg.GetAddress())
	assert.Equal(t, int64(32<<20), cfg.MaxRequestSize)
	assert.Empty(t, cfg.MetricsPath)
	assert.Equal(t, 5.0, cfg.QueryRateLimit)
	assert.Equal(t, 10, cfg.QueryBurst)

	bad := NewDefaultConfig()
	bad.QueryBurst = 0
	assert.Error(t, bad.Validate())
}

// testutilCounter sums a counter family from the test registry.
func testutilCounter(t *testing.T, s *testServer, name string) float64 {
	t.Helper()
	families, err := s.prom.GetRegistry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
