package health

import (
	"fmt"
	"time"
)

// Status is the overall health verdict of the agent host.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Thresholds are percentages of used capacity.
type Thresholds struct {
	DiskWarning    float64
	DiskCritical   float64
	MemoryWarning  float64
	MemoryCritical float64
}

// DefaultThresholds returns the default health thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DiskWarning:    85.0,
		DiskCritical:   95.0,
		MemoryWarning:  90.0,
		MemoryCritical: 97.0,
	}
}

// Issue is one threshold breach.
type Issue struct {
	Component string  `json:"component"`
	Severity  Status  `json:"severity"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// CheckResult is the outcome of evaluating Metrics.
type CheckResult struct {
	Status    Status    `json:"status"`
	Issues    []Issue   `json:"issues"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker evaluates host health. Moves and archives need free space on the
// organized volume, so disk pressure is reported alongside run state.
type Checker struct {
	thresholds Thresholds
}

// NewChecker creates a new health checker with the given thresholds.
func NewChecker(thresholds Thresholds) *Checker {
	return &Checker{thresholds: thresholds}
}

// Evaluate checks m against the thresholds.
func (c *Checker) Evaluate(m *Metrics) *CheckResult {
	result := &CheckResult{
		Status:    StatusHealthy,
		Issues:    []Issue{},
		CheckedAt: time.Now().UTC(),
	}
	if m == nil {
		result.Status = StatusUnknown
		return result
	}

	c.check(result, "disk", m.DiskUsage, c.thresholds.DiskWarning, c.thresholds.DiskCritical)
	c.check(result, "memory", m.MemoryUsage, c.thresholds.MemoryWarning, c.thresholds.MemoryCritical)
	return result
}

func (c *Checker) check(result *CheckResult, component string, value, warning, critical float64) {
	var severity Status
	var threshold float64
	switch {
	case value >= critical:
		severity, threshold = StatusCritical, critical
	case value >= warning:
		severity, threshold = StatusWarning, warning
	default:
		return
	}

	result.Issues = append(result.Issues, Issue{
		Component: component,
		Severity:  severity,
		Message:   fmt.Sprintf("%s usage at %.1f%%", component, value),
		Value:     value,
		Threshold: threshold,
	})
	if severity == StatusCritical || result.Status == StatusHealthy {
		result.Status = severity
	}
}
