package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/observability/health"
	"github.com/inferloop/ehrprivacy/internal/pipeline"
	"github.com/inferloop/ehrprivacy/internal/privacy"
	"github.com/inferloop/ehrprivacy/pkg/errors"
	"github.com/inferloop/ehrprivacy/pkg/models"
)

// Handlers contains the HTTP handlers of the anonymization and query API
type Handlers struct {
	deps   Dependencies
	config *Config
	logger *logrus.Logger
	health *health.Monitor
}

// TablePayload carries a table inline. Columns fixes the column order; when
// omitted the order of the first row's keys is used, sorted.
type TablePayload struct {
	Columns []string        `json:"columns"`
	Rows    []models.Record `json:"rows"`
}

// AnonymizationParameters override the configured engine settings for one request.
type AnonymizationParameters struct {
	K                    *int     `json:"k,omitempty"`
	L                    *int     `json:"l,omitempty"`
	T                    *float64 `json:"t,omitempty"`
	SuppressionThreshold *float64 `json:"suppression_threshold,omitempty"`
	DiversityModel       string   `json:"diversity_model,omitempty"`
	QuasiIdentifiers     []string `json:"quasi_identifiers,omitempty"`
	SensitiveAttributes  []string `json:"sensitive_attributes,omitempty"`
}

type AnonymizeRequest struct {
	TablePayload
	// Technique runs a single engine; Steps chains several in order.
	Technique  string                   `json:"technique,omitempty"`
	Steps      []string                 `json:"steps,omitempty"`
	Parameters *AnonymizationParameters `json:"parameters,omitempty"`
}

type AnonymizeResponse struct {
	Columns []string         `json:"columns"`
	Rows    []models.Record  `json:"rows"`
	Result  *pipeline.Result `json:"result"`
}

type AnalyzeRequest struct {
	TablePayload
	Parameters *AnonymizationParameters `json:"parameters,omitempty"`
}

// QueryRequest is the body of a DP query. Which fields apply depends on the
// query: count uses Where, mean uses Column and Bounds, histogram uses
// Column, Bins and Bounds, correlation uses Column and Column2, summary uses
// Numerical and Categorical.
type QueryRequest struct {
	TablePayload
	Epsilon     float64                 `json:"epsilon,omitempty"`
	Column      string                  `json:"column,omitempty"`
	Column2     string                  `json:"column2,omitempty"`
	Bounds      *privacy.Bounds         `json:"bounds,omitempty"`
	Bins        int                     `json:"bins,omitempty"`
	Where       map[string]models.Value `json:"where,omitempty"`
	Numerical   []privacy.ColumnBounds  `json:"numerical,omitempty"`
	Categorical []string                `json:"categorical,omitempty"`
}

type BudgetResponse struct {
	Status       privacy.BudgetStatus        `json:"status"`
	Transactions []privacy.BudgetTransaction `json:"transactions"`
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Dependencies, cfg *Config, logger *logrus.Logger) (*Handlers, error) {
	if deps.Budgets == nil {
		return nil, errors.InvalidParameter("budgets", nil, "a budget manager is required")
	}
	monitor := health.NewMonitor(2*time.Second, logger)
	if deps.Ping != nil {
		monitor.RegisterCheck(health.NewBasicCheck("budget_store", deps.Ping, true, 0))
	}
	return &Handlers{deps: deps, config: cfg, logger: logger, health: monitor}, nil
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   h.config.Version,
		"uptime":    time.Since(h.config.StartTime).String(),
	})
}

// Ready handles GET /health/ready
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	status := h.health.Run(r.Context())
	code := http.StatusOK
	if status.OverallStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":  code == http.StatusOK,
		"status": status.OverallStatus,
		"checks": status.CheckResults,
	})
}

// Version handles GET /version
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "ehrprivacy",
		"version": h.config.Version,
		"commit":  h.config.Commit,
	})
}

// Anonymize handles POST /api/v1/anonymize
func (h *Handlers) Anonymize(w http.ResponseWriter, r *http.Request) {
	var req AnonymizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	table, err := req.table()
	if err != nil {
		writeError(w, r, err)
		return
	}

	steps := req.Steps
	if len(steps) == 0 {
		if req.Technique == "" {
			writeError(w, r, errors.InvalidParameter("technique", "", "technique or steps is required"))
			return
		}
		steps = []string{req.Technique}
	}

	cfg, err := h.pipelineConfig(steps, req.Parameters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := pipeline.New(cfg, h.deps.Budgets, h.logger)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p.WithObserver(h.observer())

	result, err := p.Run(r.Context(), table)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, AnonymizeResponse{
		Columns: result.Table.Columns,
		Rows:    result.Table.Rows,
		Result:  result,
	})
}

// AnalyzeDistances handles POST /api/v1/analyze/t-closeness
func (h *Handlers) AnalyzeDistances(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	table, err := req.table()
	if err != nil {
		writeError(w, r, err)
		return
	}

	tc, err := applyParameters(h.deps.Anonymization, req.Parameters).ToTClosenessConfig()
	if err != nil {
		writeError(w, r, err)
		return
	}
	analysis, err := privacy.NewTClosenessProcessor(tc, h.logger).AnalyzeDistributionDistances(r.Context(), table)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// Query handles POST /api/v1/sessions/{session}/queries/{query}
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	session, query := vars["session"], vars["query"]

	var req QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	table, err := req.table()
	if err != nil {
		writeError(w, r, err)
		return
	}

	engine, err := h.engine(r.Context(), session)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var result interface{}
	switch privacy.QueryType(query) {
	case privacy.QueryTypeCount:
		result, err = engine.PrivateCount(r.Context(), table, wherePredicate(req.Where), req.Epsilon)
	case privacy.QueryTypeMean:
		result, err = engine.PrivateMean(r.Context(), table, req.Column, req.Bounds, req.Epsilon)
	case privacy.QueryTypeHistogram:
		result, err = engine.PrivateHistogram(r.Context(), table, req.Column, req.Bins, req.Bounds, req.Epsilon)
	case privacy.QueryTypeCorrelation:
		result, err = engine.PrivateCorrelation(r.Context(), table, req.Column, req.Column2, req.Epsilon)
	case privacy.QueryTypeSummary:
		result, err = engine.PrivateSummaryStatistics(r.Context(), table, req.Numerical, req.Categorical, req.Epsilon)
	default:
		err = errors.InvalidParameter("query", query, "unknown query type")
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.deps.Budgets.Sync(r.Context(), session); err != nil {
		h.logger.WithFields(logrus.Fields{
			"session":    session,
			"request_id": getRequestID(r),
			"error":      err,
		}).Warn("Failed to refresh budget after query")
	}
	writeJSON(w, http.StatusOK, result)
}

// GetBudget handles GET /api/v1/sessions/{session}/budget
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	budget, err := h.deps.Budgets.Budget(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BudgetResponse{
		Status:       budget.Status(),
		Transactions: budget.Transactions(),
	})
}

// ResetBudget handles DELETE /api/v1/sessions/{session}/budget
func (h *Handlers) ResetBudget(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Budgets.Reset(r.Context(), mux.Vars(r)["session"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AnalyzeBudget handles GET /api/v1/sessions/{session}/budget/analysis?queries=N
func (h *Handlers) AnalyzeBudget(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("queries")
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, r, errors.InvalidParameter("queries", raw, "must be a positive integer"))
		return
	}

	engine, err := h.engine(r.Context(), mux.Vars(r)["session"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	analysis, err := engine.PrivacyBudgetAnalysis(n)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// NotFound handles unknown routes
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	appErr := errors.NewValidationError("NOT_FOUND", "route not found").WithContext("path", r.URL.Path)
	appErr.HTTPStatus = http.StatusNotFound
	writeError(w, r, appErr)
}

func (h *Handlers) engine(ctx context.Context, session string) (*privacy.DifferentialPrivacyEngine, error) {
	budget, err := h.deps.Budgets.Budget(ctx, session)
	if err != nil {
		return nil, err
	}
	engine, err := privacy.NewDifferentialPrivacyEngine(h.deps.Privacy, budget, h.logger)
	if err != nil {
		return nil, err
	}
	return engine.WithObserver(h.observer()).WithMechanism(h.deps.Mechanism), nil
}

func (h *Handlers) observer() privacy.Observer {
	if h.deps.Metrics == nil {
		return nil
	}
	return h.deps.Metrics
}

func (h *Handlers) pipelineConfig(steps []string, params *AnonymizationParameters) (*pipeline.Config, error) {
	anon := applyParameters(h.deps.Anonymization, params)
	cfg := &pipeline.Config{Steps: steps, Privacy: h.deps.Privacy}

	var err error
	for _, step := range steps {
		switch step {
		case privacy.TechniqueKAnonymity:
			cfg.KAnonymity, err = anon.ToKAnonymityConfig()
		case privacy.TechniqueLDiversity:
			cfg.LDiversity, err = anon.ToLDiversityConfig()
		case privacy.TechniqueTCloseness:
			cfg.TCloseness, err = anon.ToTClosenessConfig()
		default:
			err = errors.InvalidParameter("technique", step, "must be k_anonymity, l_diversity or t_closeness")
		}
		if err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func applyParameters(base config.AnonymizationConfig, p *AnonymizationParameters) config.AnonymizationConfig {
	if p == nil {
		return base
	}
	if p.K != nil {
		base.K = *p.K
	}
	if p.L != nil {
		base.L = *p.L
	}
	if p.T != nil {
		base.T = *p.T
	}
	if p.SuppressionThreshold != nil {
		base.SuppressionThreshold = *p.SuppressionThreshold
	}
	if p.DiversityModel != "" {
		base.DiversityModel = p.DiversityModel
	}
	if len(p.QuasiIdentifiers) > 0 {
		base.QuasiIdentifiers = p.QuasiIdentifiers
	}
	if len(p.SensitiveAttributes) > 0 {
		base.SensitiveAttributes = p.SensitiveAttributes
	}
	return base
}

func (t TablePayload) table() (*models.Table, error) {
	columns := t.Columns
	if len(columns) == 0 {
		if len(t.Rows) == 0 {
			return nil, errors.InvalidParameter("rows", nil, "table has no columns")
		}
		columns = sortedKeys(t.Rows[0])
	}
	table := models.NewTable(columns...)
	for _, rec := range t.Rows {
		if rec == nil {
			rec = models.Record{}
		}
		table.Append(rec)
	}
	return table, nil
}

func sortedKeys(rec models.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// wherePredicate counts rows equal to every listed value.
func wherePredicate(where map[string]models.Value) privacy.Predicate {
	if len(where) == 0 {
		return nil
	}
	return func(r models.Record) bool {
		for column, want := range where {
			if !r.Get(column).Equal(want) {
				return false
			}
		}
		return true
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			appErr := errors.WrapError(err, errors.ErrorTypeValidation, "REQUEST_TOO_LARGE", "Request body too large")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			return appErr
		}
		return errors.WrapError(err, errors.ErrorTypeValidation, "INVALID_REQUEST", "Request body is not valid JSON").
			WithDetails(err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, err.Error())
	}
	writeJSON(w, errors.HTTPStatus(appErr), errors.ErrorResponse{
		Error:     appErr,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	})
}
