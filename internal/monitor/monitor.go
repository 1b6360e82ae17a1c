// Package monitor implements the Process Monitor (C5): a heartbeat-driven
// liveness tracker with rule-based alerting, per spec.md section 4.5. CPU/
// memory/disk/network sampling uses github.com/shirou/gopsutil/v3, grounded
// on the example corpus's use of the same library for an autonomous
// trading/portfolio daemon's own health loop (aristath/sentinel). The four
// cooperative-cancellation loops (metrics, health, alert, cleanup) follow
// the teacher's one-goroutine-per-loop idiom (see internal/balance and
// internal/dedup for the same pattern applied elsewhere).
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/obertruper/botcore/internal/kvshadow"
	"github.com/obertruper/botcore/internal/obslog"
)

// Status is a component's health status, per spec.md section 3.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// ComponentHealth is one tracked component's state.
type ComponentHealth struct {
	Name          string
	Status        Status
	LastHeartbeat time.Time
	ErrorCount    int
	WarningCount  int
	ActiveTasks   int
	LastError     string
	Metadata      map[string]any
}

// SystemMetrics is one time-stamped resource sample, per spec.md section 3.
type SystemMetrics struct {
	Timestamp           time.Time
	MemoryPct           float64
	CPUPct              float64
	DiskPct             float64
	ConnectionCount      int
	RemoteKVConnections int
	SQLConnections      int
}

// Alert is a fired rule instance, per spec.md section 3.
type Alert struct {
	ID        string
	Severity  string
	Message   string
	CreatedAt time.Time
}

// Rule evaluates against the latest SystemMetrics sample (system rules) or
// a ComponentHealth snapshot (component rules); exactly one of the two
// predicate fields is set.
type Rule struct {
	Name             string
	CooldownSeconds  int
	Severity         string
	SystemPredicate  func(SystemMetrics) (fire bool, message string)
	ComponentPredicate func(ComponentHealth) (fire bool, message string)
}

// Config controls loop cadence, ring buffer size, and the disk mount
// sampled, per spec.md section 4.5.
type Config struct {
	MetricsInterval  time.Duration
	HealthInterval   time.Duration
	AlertInterval    time.Duration
	CleanupInterval  time.Duration
	DiskMount        string
	RingBufferSize   int
	HeartbeatTimeout time.Duration
	ErrorCountAlertThreshold int
}

// DefaultConfig matches spec.md section 4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MetricsInterval:  30 * time.Second,
		HealthInterval:   30 * time.Second,
		AlertInterval:    60 * time.Second,
		CleanupInterval:  time.Hour,
		DiskMount:        "/",
		RingBufferSize:   1000,
		HeartbeatTimeout: 2 * time.Minute,
		ErrorCountAlertThreshold: 10,
	}
}

// Monitor is the Process Monitor (C5). It is never on the critical path
// of admission decisions; its own failure degrades observability only.
type Monitor struct {
	cfg Config
	db  *sql.DB
	kv  *kvshadow.Store
	log *obslog.Logger

	mu         sync.Mutex
	components map[string]*ComponentHealth
	samples    []SystemMetrics // ring buffer, oldest first
	alerts     map[string]Alert
	lastFired  map[string]time.Time
	rules      []Rule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Monitor. db and kv are optional; when present their
// connection-pool stats are sampled into SystemMetrics.
func New(cfg Config, db *sql.DB, kv *kvshadow.Store, log *obslog.Logger) *Monitor {
	if log == nil {
		log = obslog.Discard()
	}
	m := &Monitor{
		cfg:        cfg,
		db:         db,
		kv:         kv,
		log:        obslog.Named(log, "monitor"),
		components: make(map[string]*ComponentHealth),
		alerts:     make(map[string]Alert),
		lastFired:  make(map[string]time.Time),
	}
	m.rules = builtinRules(cfg)
	return m
}

// builtinRules returns the built-in alert rules spec.md section 4.5 lists:
// high/critical memory, high CPU, low disk, heartbeat timeout, high
// per-component error count. heartbeat_timeout is a ComponentPredicate
// rule like component_error_count_high, so it fires and clears through
// the same evaluateAlerts/applyRule path as every other rule -- a fresh
// heartbeat naturally stops the predicate from firing, and the next
// alert-loop pass clears it, per spec.md section 4.5's state diagram.
func builtinRules(cfg Config) []Rule {
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return []Rule{
		{
			Name: "memory_critical", Severity: "critical", CooldownSeconds: 300,
			SystemPredicate: func(m SystemMetrics) (bool, string) {
				return m.MemoryPct > 95, fmt.Sprintf("memory at %.1f%% (critical threshold 95%%)", m.MemoryPct)
			},
		},
		{
			Name: "memory_high", Severity: "warning", CooldownSeconds: 300,
			SystemPredicate: func(m SystemMetrics) (bool, string) {
				return m.MemoryPct > 85, fmt.Sprintf("memory at %.1f%% (warning threshold 85%%)", m.MemoryPct)
			},
		},
		{
			Name: "cpu_high", Severity: "warning", CooldownSeconds: 300,
			SystemPredicate: func(m SystemMetrics) (bool, string) {
				return m.CPUPct > 80, fmt.Sprintf("cpu at %.1f%% (threshold 80%%)", m.CPUPct)
			},
		},
		{
			Name: "disk_low", Severity: "warning", CooldownSeconds: 600,
			SystemPredicate: func(m SystemMetrics) (bool, string) {
				return m.DiskPct > 90, fmt.Sprintf("disk at %.1f%% (threshold 90%%)", m.DiskPct)
			},
		},
		{
			Name: "heartbeat_timeout", Severity: "critical", CooldownSeconds: 300,
			ComponentPredicate: func(c ComponentHealth) (bool, string) {
				if c.LastHeartbeat.IsZero() {
					return false, ""
				}
				elapsed := time.Since(c.LastHeartbeat)
				return elapsed >= timeout, fmt.Sprintf("component %s missed heartbeat for over %s", c.Name, timeout)
			},
		},
		{
			Name: "component_error_count_high", Severity: "warning", CooldownSeconds: 300,
			ComponentPredicate: func(c ComponentHealth) (bool, string) {
				return c.ErrorCount >= cfg.ErrorCountAlertThreshold,
					fmt.Sprintf("component %s has logged %d errors", c.Name, c.ErrorCount)
			},
		},
	}
}

// RegisterComponent adds name to the tracked set with status unknown.
func (m *Monitor) RegisterComponent(name string, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.components[name]; ok {
		return
	}
	m.components[name] = &ComponentHealth{Name: name, Status: StatusUnknown, Metadata: metadata}
}

// Heartbeat refreshes name's liveness; an explicit status overrides the
// current one, per spec.md section 4.5's state-transition diagram.
func (m *Monitor) Heartbeat(name string, status Status, activeTasks int, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.componentLocked(name)
	c.LastHeartbeat = time.Now()
	c.ActiveTasks = activeTasks
	if metadata != nil {
		c.Metadata = metadata
	}
	if status != "" {
		c.Status = status
	} else if c.Status == StatusUnknown {
		c.Status = StatusHealthy
	}
}

// ReportWarning transitions a healthy component to warning, per spec.md
// section 4.5.
func (m *Monitor) ReportWarning(name, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.componentLocked(name)
	c.WarningCount++
	if c.Status == StatusHealthy || c.Status == StatusUnknown {
		c.Status = StatusWarning
	}
}

// ReportError transitions a component to critical when critical is true,
// per spec.md section 4.5's "any -> critical" transition; otherwise it
// only increments the error counter used by the error-count alert rule.
func (m *Monitor) ReportError(name, message string, critical bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.componentLocked(name)
	c.ErrorCount++
	c.LastError = message
	if critical {
		c.Status = StatusCritical
	}
}

func (m *Monitor) componentLocked(name string) *ComponentHealth {
	c, ok := m.components[name]
	if !ok {
		c = &ComponentHealth{Name: name, Status: StatusUnknown}
		m.components[name] = c
	}
	return c
}

// ComponentHealth returns a snapshot for name, or all components when
// name is empty.
func (m *Monitor) ComponentHealth(name string) []ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name != "" {
		if c, ok := m.components[name]; ok {
			return []ComponentHealth{*c}
		}
		return nil
	}
	out := make([]ComponentHealth, 0, len(m.components))
	for _, c := range m.components {
		out = append(out, *c)
	}
	return out
}

// SystemMetrics returns the last n samples from the ring buffer (all of
// them if n <= 0 or n exceeds the buffer length).
func (m *Monitor) SystemMetrics(n int) []SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.samples) {
		n = len(m.samples)
	}
	out := make([]SystemMetrics, n)
	copy(out, m.samples[len(m.samples)-n:])
	return out
}

// Alerts returns the currently firing alerts. activeOnly is not
// consulted: an alert is removed as soon as its condition clears, so no
// history of cleared alerts is kept and both values return the same list.
func (m *Monitor) Alerts(activeOnly bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a)
	}
	return out
}

// Stats is an aggregate observability snapshot.
type Stats struct {
	ComponentCount int
	SampleCount    int
	ActiveAlerts   int
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ComponentCount: len(m.components),
		SampleCount:    len(m.samples),
		ActiveAlerts:   len(m.alerts),
	}
}

// Start launches the four loops spec.md section 4.5 describes: metrics,
// health, alert, cleanup.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(4)
	go m.loop(ctx, m.cfg.MetricsInterval, m.sampleMetrics)
	go m.loop(ctx, m.cfg.HealthInterval, m.advanceHealth)
	go m.loop(ctx, m.cfg.AlertInterval, m.evaluateAlerts)
	go m.loop(ctx, m.cfg.CleanupInterval, m.cleanup)
}

// Stop cancels all four loops and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// sampleMetrics is the metrics loop: sample CPU/memory/disk/net, SQL and
// KV pool stats, push into the ring buffer.
func (m *Monitor) sampleMetrics(ctx context.Context) {
	sample := SystemMetrics{Timestamp: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		sample.CPUPct = pcts[0]
	} else if err != nil {
		m.log.Debug().Err(err).Log("cpu sample failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sample.MemoryPct = vm.UsedPercent
	} else {
		m.log.Debug().Err(err).Log("memory sample failed")
	}

	mount := m.cfg.DiskMount
	if mount == "" {
		mount = "/"
	}
	if du, err := disk.UsageWithContext(ctx, mount); err == nil {
		sample.DiskPct = du.UsedPercent
	} else {
		m.log.Debug().Err(err).Log("disk sample failed")
	}

	if conns, err := net.ConnectionsWithContext(ctx, "all"); err == nil {
		sample.ConnectionCount = len(conns)
	}

	if m.db != nil {
		sample.SQLConnections = m.db.Stats().InUse
	}
	if m.kv != nil {
		sample.RemoteKVConnections = m.kv.PoolStats()
	}

	m.mu.Lock()
	m.samples = append(m.samples, sample)
	limit := m.cfg.RingBufferSize
	if limit <= 0 {
		limit = 1000
	}
	if len(m.samples) > limit {
		m.samples = m.samples[len(m.samples)-limit:]
	}
	m.mu.Unlock()
}

// advanceHealth is the health loop: flip components to critical on
// heartbeat timeout. The heartbeat_timeout alert itself is a
// ComponentPredicate rule (see builtinRules) that evaluateAlerts fires
// and clears on its own cadence, driven by the same LastHeartbeat this
// loop reads -- a fresh heartbeat clears the alert on the next
// alert-loop pass without this loop needing to know about alerts at all.
func (m *Monitor) advanceHealth(ctx context.Context) {
	now := time.Now()
	timeout := m.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.components {
		if c.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(c.LastHeartbeat) >= timeout {
			c.Status = StatusCritical
		}
	}
}

// evaluateAlerts is the alert loop: evaluate every rule, firing or
// clearing as appropriate, honoring per-rule cooldowns.
func (m *Monitor) evaluateAlerts(ctx context.Context) {
	m.mu.Lock()
	var latest SystemMetrics
	if len(m.samples) > 0 {
		latest = m.samples[len(m.samples)-1]
	}
	components := make([]ComponentHealth, 0, len(m.components))
	for _, c := range m.components {
		components = append(components, *c)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, rule := range m.rules {
		if rule.SystemPredicate != nil {
			fire, msg := rule.SystemPredicate(latest)
			m.applyRule(rule, rule.Name, fire, msg, now)
			continue
		}
		if rule.ComponentPredicate != nil {
			for _, c := range components {
				id := fmt.Sprintf("%s_%s", rule.Name, c.Name)
				fire, msg := rule.ComponentPredicate(c)
				m.applyRule(rule, id, fire, msg, now)
			}
		}
	}
}

func (m *Monitor) applyRule(rule Rule, id string, fire bool, message string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !fire {
		delete(m.alerts, id)
		return
	}
	if _, active := m.alerts[id]; active {
		return
	}
	if last, ok := m.lastFired[id]; ok && now.Sub(last) < time.Duration(rule.CooldownSeconds)*time.Second {
		return
	}
	m.fireLocked(id, rule.Severity, message, now)
}

func (m *Monitor) fireLocked(id, severity, message string, now time.Time) {
	m.alerts[id] = Alert{ID: id, Severity: severity, Message: message, CreatedAt: now}
	m.lastFired[id] = now
	switch severity {
	case "critical":
		m.log.Err().Str("alert_id", id).Log(message)
	default:
		m.log.Warning().Str("alert_id", id).Log(message)
	}
}

// cleanup is the cleanup loop: drop alerts older than 24h. It does not
// touch the KV shadow; metric samples are not written to KV, so there are
// no KV metric keys to prune.
func (m *Monitor) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-24 * time.Hour)
	m.mu.Lock()
	for id, a := range m.alerts {
		if a.CreatedAt.Before(cutoff) {
			delete(m.alerts, id)
		}
	}
	m.mu.Unlock()
}
