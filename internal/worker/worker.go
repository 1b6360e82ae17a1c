// Package worker implements the Worker Coordinator (C4): singleton-per-
// kind worker enforcement and task assignment, per spec.md section 4.4.
// Liveness combines a heartbeat-timeout check with, where discoverable, a
// process-existence check via github.com/shirou/gopsutil/v3/process —
// grounded on the example corpus's use of gopsutil for process
// introspection in autonomous trading daemons.
package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/obertruper/botcore/internal/obslog"
)

// State is a worker's lifecycle state, per spec.md section 3.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Worker is the registry's record for one worker instance.
type Worker struct {
	ID            string
	Kind          string
	ProcessID     int32
	StartedAt     time.Time
	LastHeartbeat time.Time
	State         State
	AssignedTasks map[string]struct{}
	Metadata      map[string]any

	// idleSince is non-zero once AssignedTasks has been empty continuously
	// since that instant, backing the idle-timeout demotion tie-break.
	idleSince time.Time
}

// Config controls liveness and sweep cadence.
type Config struct {
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
	IdleTimeout      time.Duration
}

// DefaultConfig matches spec.md section 4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 2 * time.Minute,
		CleanupInterval:  60 * time.Second,
		IdleTimeout:      5 * time.Minute,
	}
}

// Coordinator is the Worker Coordinator (C4). A single mutex protects the
// workers map and task-assignment map, per spec.md section 4.4's
// concurrency note — operations here are all short.
type Coordinator struct {
	cfg Config
	log *obslog.Logger

	mu      sync.Mutex
	workers map[string]*Worker // id -> worker
	tasks   map[string]string  // taskId -> workerId

	cancel func()
	wg     sync.WaitGroup
}

// New constructs a Coordinator.
func New(cfg Config, log *obslog.Logger) *Coordinator {
	if log == nil {
		log = obslog.Discard()
	}
	return &Coordinator{
		cfg:     cfg,
		log:     obslog.Named(log, "worker"),
		workers: make(map[string]*Worker),
		tasks:   make(map[string]string),
	}
}

// Start launches the background cleanup sweep, per spec.md section 4.4.
func (c *Coordinator) Start(stop <-chan struct{}) {
	done := make(chan struct{})
	c.cancel = sync.OnceFunc(func() { close(done) })
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-done:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop cancels the cleanup sweep and waits for it to exit.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) isAlive(w *Worker, now time.Time) bool {
	if w.State != StateStarting && w.State != StateRunning {
		return false
	}
	if now.Sub(w.LastHeartbeat) >= c.cfg.HeartbeatTimeout {
		return false
	}
	if w.ProcessID > 0 && !processExists(w.ProcessID) {
		return false
	}
	return true
}

// processExists reports whether pid is a live OS process; on platforms
// where gopsutil cannot enumerate processes, liveness is never blocked on
// this check (the capability degrades to "assume alive").
func processExists(pid int32) bool {
	ok, err := process.PidExists(pid)
	if err != nil {
		return true
	}
	return ok
}

// Register succeeds and returns a fresh id iff no worker of kind is
// currently alive, per spec.md section 4.4.
func (c *Coordinator) Register(kind, id string, processID int32, metadata map[string]any) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, w := range c.workers {
		if w.Kind == kind && c.isAlive(w, now) {
			return "", false
		}
	}

	if id == "" {
		id = uuid.NewString()
	} else if _, exists := c.workers[id]; exists {
		return "", false
	}

	c.workers[id] = &Worker{
		ID:            id,
		Kind:          kind,
		ProcessID:     processID,
		StartedAt:     now,
		LastHeartbeat: now,
		State:         StateStarting,
		AssignedTasks: make(map[string]struct{}),
		Metadata:      metadata,
		idleSince:     now,
	}
	return id, true
}

// Heartbeat refreshes a worker's liveness and optionally its reported
// status/tasks/metadata, per spec.md section 4.4.
func (c *Coordinator) Heartbeat(id string, status State, activeTasks []string, metadata map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = time.Now()
	if status != "" {
		w.State = status
	}
	if activeTasks != nil {
		w.AssignedTasks = make(map[string]struct{}, len(activeTasks))
		for _, t := range activeTasks {
			w.AssignedTasks[t] = struct{}{}
			c.tasks[t] = id
		}
	}
	if metadata != nil {
		w.Metadata = metadata
	}
	if len(w.AssignedTasks) == 0 {
		if w.idleSince.IsZero() {
			w.idleSince = time.Now()
		}
	} else {
		w.idleSince = time.Time{}
	}
	return true
}

// Unregister releases all assigned tasks and removes the worker, per
// spec.md section 4.4.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unregisterLocked(id)
}

func (c *Coordinator) unregisterLocked(id string) {
	w, ok := c.workers[id]
	if !ok {
		return
	}
	for t := range w.AssignedTasks {
		delete(c.tasks, t)
	}
	delete(c.workers, id)
}

// AssignTask picks the live worker of kind with the fewest currently
// assigned tasks, per spec.md section 4.4. Among equally loaded workers,
// a worker that has been idle longer than cfg.IdleTimeout is deprioritized
// relative to one with a fresher idle window (this codebase's supplement
// to the original spec, surfaced from the Python original's idle-timeout
// demotion); ties beyond that break lexicographically by id for stable,
// repeatable assignment.
func (c *Coordinator) AssignTask(taskID, kind string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, taken := c.tasks[taskID]; taken {
		return "", false
	}

	now := time.Now()
	var candidates []*Worker
	for _, w := range c.workers {
		if w.Kind == kind && c.isAlive(w, now) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		li, lj := len(candidates[i].AssignedTasks), len(candidates[j].AssignedTasks)
		if li != lj {
			return li < lj
		}
		idleI := candidates[i].idleTooLong(now, c.cfg.IdleTimeout)
		idleJ := candidates[j].idleTooLong(now, c.cfg.IdleTimeout)
		if idleI != idleJ {
			return idleJ // the non-idle-too-long worker sorts first
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	chosen.AssignedTasks[taskID] = struct{}{}
	chosen.idleSince = time.Time{}
	c.tasks[taskID] = chosen.ID
	return chosen.ID, true
}

func (w *Worker) idleTooLong(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 || w.idleSince.IsZero() {
		return false
	}
	return now.Sub(w.idleSince) > timeout
}

// CompleteTask verifies ownership and releases the task, per spec.md
// section 4.4.
func (c *Coordinator) CompleteTask(taskID, workerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.tasks[taskID]
	if !ok || owner != workerID {
		return false
	}
	delete(c.tasks, taskID)
	if w, ok := c.workers[workerID]; ok {
		delete(w.AssignedTasks, taskID)
		if len(w.AssignedTasks) == 0 {
			w.idleSince = time.Now()
		}
	}
	return true
}

// sweep Unregisters workers failing the liveness check, per spec.md
// section 4.4's background sweep; their tasks become unassigned and
// eligible for reassignment on the next AssignTask.
func (c *Coordinator) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for id, w := range c.workers {
		if !c.isAlive(w, now) {
			c.log.Info().Str("worker_id", id).Str("kind", w.Kind).Log("worker failed liveness check, unregistering")
			c.unregisterLocked(id)
		}
	}
}

// Snapshot returns a shallow copy of every tracked worker, for
// observability.
func (c *Coordinator) Snapshot() []Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Worker, 0, len(c.workers))
	for _, w := range c.workers {
		cp := *w
		cp.AssignedTasks = make(map[string]struct{}, len(w.AssignedTasks))
		for t := range w.AssignedTasks {
			cp.AssignedTasks[t] = struct{}{}
		}
		out = append(out, cp)
	}
	return out
}
