package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterComponent_StartsUnknown(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.RegisterComponent("executor", nil)

	health := m.ComponentHealth("executor")
	require.Len(t, health, 1)
	require.Equal(t, StatusUnknown, health[0].Status)
}

func TestHeartbeat_HealthyOnFirstHeartbeatWithNoStatus(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.RegisterComponent("executor", nil)
	m.Heartbeat("executor", "", 2, nil)

	health := m.ComponentHealth("executor")
	require.Equal(t, StatusHealthy, health[0].Status)
	require.Equal(t, 2, health[0].ActiveTasks)
}

func TestReportWarning_TransitionsHealthyToWarning(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.Heartbeat("executor", StatusHealthy, 0, nil)
	m.ReportWarning("executor", "slow response")

	health := m.ComponentHealth("executor")
	require.Equal(t, StatusWarning, health[0].Status)
	require.Equal(t, 1, health[0].WarningCount)
}

func TestReportError_CriticalForcesCriticalStatus(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.Heartbeat("executor", StatusHealthy, 0, nil)
	m.ReportError("executor", "panic recovered", true)

	health := m.ComponentHealth("executor")
	require.Equal(t, StatusCritical, health[0].Status)
	require.Equal(t, "panic recovered", health[0].LastError)
}

func TestReportError_NonCriticalOnlyIncrementsCount(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.Heartbeat("executor", StatusHealthy, 0, nil)
	m.ReportError("executor", "retryable timeout", false)

	health := m.ComponentHealth("executor")
	require.Equal(t, StatusHealthy, health[0].Status)
	require.Equal(t, 1, health[0].ErrorCount)
}

func TestAdvanceHealth_FlipsToCriticalOnHeartbeatTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 5 * time.Millisecond
	m := New(cfg, nil, nil, nil)
	m.Heartbeat("executor", StatusHealthy, 0, nil)

	time.Sleep(10 * time.Millisecond)
	m.advanceHealth(nil)

	health := m.ComponentHealth("executor")
	require.Equal(t, StatusCritical, health[0].Status)

	// advanceHealth only flips status; the alert itself is a
	// ComponentPredicate rule fired by evaluateAlerts.
	m.evaluateAlerts(nil)
	alerts := m.Alerts(true)
	require.Len(t, alerts, 1)
	require.Equal(t, "heartbeat_timeout_executor", alerts[0].ID)
}

func TestAdvanceHealth_FreshHeartbeatClearsTimeoutAlertOnNextAlertPass(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 5 * time.Millisecond
	m := New(cfg, nil, nil, nil)
	m.Heartbeat("executor", StatusHealthy, 0, nil)

	time.Sleep(10 * time.Millisecond)
	m.advanceHealth(nil)
	m.evaluateAlerts(nil)
	require.Len(t, m.Alerts(true), 1)

	m.Heartbeat("executor", StatusHealthy, 0, nil)
	m.advanceHealth(nil)
	m.evaluateAlerts(nil)

	health := m.ComponentHealth("executor")
	require.Equal(t, StatusHealthy, health[0].Status)
	require.Empty(t, m.Alerts(true))
}

func TestEvaluateAlerts_ComponentErrorCountRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ErrorCountAlertThreshold = 2
	m := New(cfg, nil, nil, nil)
	m.Heartbeat("executor", StatusHealthy, 0, nil)
	m.ReportError("executor", "e1", false)
	m.ReportError("executor", "e2", false)

	m.evaluateAlerts(nil)

	alerts := m.Alerts(true)
	require.Len(t, alerts, 1)
	require.Contains(t, alerts[0].ID, "component_error_count_high")
}

func TestEvaluateAlerts_ClearsWhenConditionNoLongerHolds(t *testing.T) {
	m := New(DefaultConfig(), nil, nil, nil)
	m.mu.Lock()
	m.samples = append(m.samples, SystemMetrics{MemoryPct: 99})
	m.mu.Unlock()

	m.evaluateAlerts(nil)
	require.NotEmpty(t, m.Alerts(true))

	m.mu.Lock()
	m.samples = append(m.samples, SystemMetrics{MemoryPct: 10})
	m.mu.Unlock()
	m.evaluateAlerts(nil)

	for _, a := range m.Alerts(true) {
		require.NotContains(t, a.ID, "memory")
	}
}

func TestSystemMetrics_RingBufferBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingBufferSize = 3
	m := New(cfg, nil, nil, nil)
	for i := 0; i < 5; i++ {
		m.mu.Lock()
		m.samples = append(m.samples, SystemMetrics{MemoryPct: float64(i)})
		if len(m.samples) > cfg.RingBufferSize {
			m.samples = m.samples[len(m.samples)-cfg.RingBufferSize:]
		}
		m.mu.Unlock()
	}
	require.Len(t, m.SystemMetrics(0), 3)
}
