// Package registry tracks the lifecycle of every spawned execution unit
// and persists that state for crash recovery.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of one tracked process.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final. A process enters a
// terminal state exactly once.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// ResourceUsage is a point-in-time sample of a process's footprint.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// ProcessInfo tracks one running execution unit.
type ProcessInfo struct {
	TaskID        string        `json:"task_id"`
	Status        Status        `json:"status"`
	PID           int           `json:"pid,omitempty"` // 0 means not spawned / unknown
	StartedAt     time.Time     `json:"started_at,omitempty"`
	CompletedAt   time.Time     `json:"completed_at,omitempty"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitempty"`
	Usage         ResourceUsage `json:"resource_usage"`
	Error         string        `json:"error,omitempty"`
}

// snapshot is the on-disk layout: one JSON document per registry.
type snapshot struct {
	Processes map[string]*ProcessInfo `json:"processes"`
}

// Registry is an in-memory map of task ID to ProcessInfo backed by a
// crash-safe JSON snapshot. The in-memory view is authoritative for the
// lifetime of the process; the snapshot only matters across restarts.
// Persistence failures are logged, never surfaced: durability here is
// best effort, not correctness-critical.
type Registry struct {
	mu               sync.Mutex
	procs            map[string]*ProcessInfo
	path             string
	heartbeatTimeout time.Duration
	log              *zap.Logger
	now              func() time.Time   // test seam
	alive            func(pid int) bool // test seam
}

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatTimeout overrides the staleness window for PID-less
// processes. The default is 120s; the value is tunable policy, nothing
// downstream depends on the exact number.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(r *Registry) { r.heartbeatTimeout = d }
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLivenessProbe replaces the OS process probe, used by tests.
func WithLivenessProbe(alive func(pid int) bool) Option {
	return func(r *Registry) { r.alive = alive }
}

// New creates a registry persisting to path. An existing snapshot is
// loaded; a missing or corrupt snapshot degrades to an empty registry
// rather than failing startup.
func New(path string, log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		procs:            make(map[string]*ProcessInfo),
		path:             path,
		heartbeatTimeout: 120 * time.Second,
		log:              log,
		now:              time.Now,
		alive:            processAlive,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load()
	return r
}

// Register admits a process record. An empty task ID is an error.
// Re-registering an existing task overwrites the previous record with a
// warning; callers may treat Register as idempotent.
func (r *Registry) Register(info *ProcessInfo) error {
	if info.TaskID == "" {
		return fmt.Errorf("process registration requires a task ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.procs[info.TaskID]; exists {
		r.log.Warn("re-registering task, overwriting previous record",
			zap.String("task_id", info.TaskID))
	}
	cp := *info
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	if cp.LastHeartbeat.IsZero() {
		cp.LastHeartbeat = r.now()
	}
	r.procs[info.TaskID] = &cp
	r.persistLocked()
	return nil
}

// UpdateStatus moves a process to a new status. Returns false if the
// task is unknown. StartedAt is stamped on the transition to RUNNING
// and CompletedAt on any terminal transition.
func (r *Registry) UpdateStatus(taskID string, status Status, pid int, errMsg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.procs[taskID]
	if !ok {
		return false
	}

	info.Status = status
	if pid != 0 {
		info.PID = pid
	}
	if errMsg != "" {
		info.Error = errMsg
	}
	switch {
	case status == StatusRunning && info.StartedAt.IsZero():
		info.StartedAt = r.now()
	case status.Terminal() && info.CompletedAt.IsZero():
		info.CompletedAt = r.now()
	}
	info.LastHeartbeat = r.now()
	r.persistLocked()
	return true
}

// Heartbeat refreshes the liveness timestamp for a task.
func (r *Registry) Heartbeat(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.procs[taskID]
	if !ok {
		return false
	}
	info.LastHeartbeat = r.now()
	r.persistLocked()
	return true
}

// RecordUsage stores a resource sample for a task.
func (r *Registry) RecordUsage(taskID string, usage ResourceUsage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.procs[taskID]
	if !ok {
		return false
	}
	info.Usage = usage
	r.persistLocked()
	return true
}

// UpdateHeartbeats scans RUNNING processes for silent death. A
// PID-less process is stale once its heartbeat is older than the
// configured timeout. A process with a known PID must also fail the
// OS-level probe: the recorded PID is the task's most recent agent
// subprocess, which is legitimately gone between phases, so a dead
// PID alone proves nothing while the heartbeat is fresh. Stale
// processes are marked FAILED. This scan is the sole mechanism for
// detecting work that died without reporting.
// Returns the task IDs that were marked failed.
func (r *Registry) UpdateHeartbeats() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var failed []string
	now := r.now()
	for id, info := range r.procs {
		if info.Status != StatusRunning {
			continue
		}
		stale := now.Sub(info.LastHeartbeat) > r.heartbeatTimeout
		if info.PID != 0 {
			stale = stale && !r.alive(info.PID)
		}
		if stale {
			info.Status = StatusFailed
			info.Error = "heartbeat timeout"
			info.CompletedAt = now
			failed = append(failed, id)
			r.log.Warn("process presumed dead, marking failed",
				zap.String("task_id", id), zap.Int("pid", info.PID))
		}
	}
	if len(failed) > 0 {
		r.persistLocked()
	}
	return failed
}

// CleanupCompleted purges terminal entries older than the threshold so
// the registry does not grow without bound. Returns the purge count.
func (r *Registry) CleanupCompleted(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	removed := 0
	for id, info := range r.procs {
		if info.Status.Terminal() && !info.CompletedAt.IsZero() && info.CompletedAt.Before(cutoff) {
			delete(r.procs, id)
			removed++
		}
	}
	if removed > 0 {
		r.persistLocked()
	}
	return removed
}

// Remove deletes a task's record entirely, used when its sandbox is
// released.
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[taskID]; ok {
		delete(r.procs, taskID)
		r.persistLocked()
	}
}

// Get returns a copy of the record for taskID.
func (r *Registry) Get(taskID string) (*ProcessInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.procs[taskID]
	if !ok {
		return nil, false
	}
	cp := *info
	return &cp, true
}

// List returns copies of every record.
func (r *Registry) List() []*ProcessInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ProcessInfo, 0, len(r.procs))
	for _, info := range r.procs {
		cp := *info
		out = append(out, &cp)
	}
	return out
}

// Counts returns the number of processes per status.
func (r *Registry) Counts() map[Status]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Status]int)
	for _, info := range r.procs {
		counts[info.Status]++
	}
	return counts
}

// Export writes the current snapshot JSON to w-compatible bytes.
func (r *Registry) Export() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(snapshot{Processes: r.procs}, "", "  ")
}

// persistLocked rewrites the snapshot atomically (write temp file, then
// rename) so readers never observe a torn file. Callers hold r.mu.
func (r *Registry) persistLocked() {
	if r.path == "" {
		return
	}
	data, err := json.MarshalIndent(snapshot{Processes: r.procs}, "", "  ")
	if err != nil {
		r.log.Error("marshaling registry snapshot", zap.Error(err))
		return
	}
	tmp := r.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		r.log.Error("creating registry dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.log.Error("writing registry snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		r.log.Error("replacing registry snapshot", zap.Error(err))
	}
}

// load reads the snapshot from disk. Missing or corrupt files leave the
// registry empty: a bad snapshot must not prevent startup.
func (r *Registry) load() {
	if r.path == "" {
		return
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("reading registry snapshot", zap.Error(err))
		}
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		r.log.Warn("corrupt registry snapshot, starting empty", zap.Error(err))
		return
	}
	if snap.Processes != nil {
		r.procs = snap.Processes
	}
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
