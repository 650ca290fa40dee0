package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Monitor runs the registered readiness checks on demand.
type Monitor struct {
	logger    *logrus.Logger
	timeout   time.Duration
	mu        sync.RWMutex
	checks    map[string]Check
	startTime time.Time
}

// Check is one dependency probe.
type Check interface {
	Name() string
	Check(ctx context.Context) Result
	Critical() bool
	Timeout() time.Duration
}

// Result represents the result of a health check
type Result struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// SystemStatus aggregates one round of checks. A failing critical check makes
// the service unhealthy; any other failure only degrades it.
type SystemStatus struct {
	OverallStatus  Status            `json:"overall_status"`
	CheckResults   map[string]Result `json:"check_results"`
	CriticalIssues []string          `json:"critical_issues"`
	LastCheck      time.Time         `json:"last_check"`
	Uptime         time.Duration     `json:"uptime"`
}

// NewMonitor creates a monitor. timeout bounds checks that declare none.
func NewMonitor(timeout time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		logger:    logger,
		timeout:   timeout,
		checks:    make(map[string]Check),
		startTime: time.Now(),
	}
}

// RegisterCheck adds check, replacing any check of the same name.
func (m *Monitor) RegisterCheck(check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[check.Name()] = check
}

// Run executes every check concurrently and aggregates the results.
func (m *Monitor) Run(ctx context.Context) *SystemStatus {
	m.mu.RLock()
	checks := make([]Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			results[i] = m.execute(ctx, c)
		}(i, check)
	}
	wg.Wait()

	status := &SystemStatus{
		OverallStatus:  StatusHealthy,
		CheckResults:   make(map[string]Result, len(checks)),
		CriticalIssues: make([]string, 0),
		LastCheck:      time.Now(),
		Uptime:         time.Since(m.startTime),
	}
	for i, check := range checks {
		result := results[i]
		status.CheckResults[check.Name()] = result
		if result.Status == StatusHealthy {
			continue
		}
		if check.Critical() {
			status.CriticalIssues = append(status.CriticalIssues, check.Name())
			status.OverallStatus = StatusUnhealthy
		} else if status.OverallStatus == StatusHealthy {
			status.OverallStatus = StatusDegraded
		}
	}
	sort.Strings(status.CriticalIssues)
	return status
}

func (m *Monitor) execute(ctx context.Context, check Check) Result {
	start := time.Now()

	timeout := check.Timeout()
	if timeout == 0 {
		timeout = m.timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := check.Check(checkCtx)
	result.Critical = check.Critical()
	result.Duration = time.Since(start)
	result.Timestamp = time.Now()

	if result.Status != StatusHealthy {
		m.logger.WithFields(logrus.Fields{
			"check":    check.Name(),
			"status":   result.Status,
			"duration": result.Duration,
			"message":  result.Message,
		}).Warn("Health check failed")
	}
	return result
}

// BasicCheck adapts a probe function to Check.
type BasicCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
	critical  bool
	timeout   time.Duration
}

func NewBasicCheck(name string, checkFunc func(ctx context.Context) error, critical bool, timeout time.Duration) *BasicCheck {
	return &BasicCheck{
		name:      name,
		checkFunc: checkFunc,
		critical:  critical,
		timeout:   timeout,
	}
}

func (c *BasicCheck) Name() string {
	return c.name
}

func (c *BasicCheck) Check(ctx context.Context) Result {
	if err := c.checkFunc(ctx); err != nil {
		return Result{Status: StatusUnhealthy, Message: err.Error()}
	}
	return Result{Status: StatusHealthy, Message: "OK"}
}

func (c *BasicCheck) Critical() bool {
	return c.critical
}

func (c *BasicCheck) Timeout() time.Duration {
	return c.timeout
}
