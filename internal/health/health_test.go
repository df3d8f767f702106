package health

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker_Evaluate(t *testing.T) {
	checker := NewChecker(DefaultThresholds())

	tests := []struct {
		name       string
		metrics    *Metrics
		wantStatus Status
		wantIssues int
	}{
		{"nil metrics", nil, StatusUnknown, 0},
		{"healthy", &Metrics{DiskUsage: 40, MemoryUsage: 50}, StatusHealthy, 0},
		{"disk warning", &Metrics{DiskUsage: 85, MemoryUsage: 50}, StatusWarning, 1},
		{"disk critical", &Metrics{DiskUsage: 99, MemoryUsage: 50}, StatusCritical, 1},
		{"critical wins over warning", &Metrics{DiskUsage: 86, MemoryUsage: 98}, StatusCritical, 2},
		{"warning after critical keeps critical", &Metrics{DiskUsage: 96, MemoryUsage: 91}, StatusCritical, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := checker.Evaluate(tt.metrics)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Len(t, result.Issues, tt.wantIssues)
		})
	}
}

func TestChecker_IssueDetails(t *testing.T) {
	result := NewChecker(DefaultThresholds()).Evaluate(&Metrics{DiskUsage: 90})
	require.Len(t, result.Issues, 1)
	issue := result.Issues[0]
	assert.Equal(t, "disk", issue.Component)
	assert.Equal(t, 85.0, issue.Threshold)
	assert.Equal(t, "disk usage at 90.0%", issue.Message)
}

func TestCollector_HostInfo(t *testing.T) {
	info := NewCollector("").HostInfo(context.Background())
	require.NotNil(t, info)
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.NotEmpty(t, info.Arch)
}

func TestCollector_CollectMissingPathFallsBack(t *testing.T) {
	m := NewCollector("/definitely/not/here").Collect(context.Background())
	require.NotNil(t, m)
	assert.GreaterOrEqual(t, m.DiskUsage, 0.0)
	assert.GreaterOrEqual(t, m.UptimeSeconds, int64(0))
}
