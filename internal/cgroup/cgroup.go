// Package cgroup creates and tears down per-job control groups under a
// melon parent hierarchy, auto-detecting v1 vs v2. On platforms or
// configurations without cgroups, every operation degrades to a no-op
// and only the wall-clock deadline remains enforced.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/protortyp/melon/internal/logging"
	"github.com/protortyp/melon/internal/model"
)

const parentName = "melon"

// Manager creates, attaches to, and tears down per-job cgroups.
type Manager struct {
	root      string
	version   int // 1 or 2
	available bool
	log       *logging.Logger
}

// New probes the local cgroup filesystem and returns a Manager. It
// never fails: if cgroups are unusable, available is false and every
// method becomes a no-op.
func New(log *logging.Logger) *Manager {
	root := "/sys/fs/cgroup"
	version := detectVersion(root)
	available := checkAvailable(root)

	if available {
		log.Info("cgroup manager initialized", map[string]interface{}{"version": version, "root": root})
	} else {
		log.Warn("cgroups not available, resource limits will not be enforced", nil)
	}

	return &Manager{root: root, version: version, available: available, log: log}
}

func detectVersion(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

func checkAvailable(root string) bool {
	if _, err := os.Stat(root); err != nil {
		return false
	}
	if _, err := os.ReadDir(root); err != nil {
		return false
	}
	return true
}

// CleanStale best-effort removes any cgroups left under the melon
// parent hierarchy by a prior crashed process. Safe to call on every
// startup regardless of whether cgroups are available.
func (m *Manager) CleanStale() {
	if !m.available {
		return
	}

	var dirs []string
	if m.version == 2 {
		dirs = []string{filepath.Join(m.root, parentName)}
	} else {
		dirs = []string{
			filepath.Join(m.root, "cpu", parentName),
			filepath.Join(m.root, "memory", parentName),
		}
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			stale := filepath.Join(dir, e.Name())
			if err := os.Remove(stale); err != nil {
				m.log.Warn("failed to remove stale cgroup", map[string]interface{}{"path": stale, "error": err.Error()})
			} else {
				m.log.Info("removed stale cgroup", map[string]interface{}{"path": stale})
			}
		}
	}
}

// Job represents one job's cgroup, returned by Create and consumed by
// Attach and Remove.
type Job struct {
	cpuPath    string
	memoryPath string // only distinct from cpuPath on v1
}

// Create makes a dedicated cgroup for jobID under the melon parent and
// applies the requested cpu/memory limits. Returns a zero Job (every
// method a no-op) if cgroups are unavailable.
func (m *Manager) Create(jobID uint64, limits model.Resources) (*Job, error) {
	if !m.available {
		return &Job{}, nil
	}

	name := fmt.Sprintf("%s/job-%d", parentName, jobID)
	if m.version == 2 {
		return m.createV2(name, limits)
	}
	return m.createV1(name, limits)
}

func (m *Manager) createV2(name string, limits model.Resources) (*Job, error) {
	path := filepath.Join(m.root, name)
	if err := os.MkdirAll(path, 0755); err != nil {
		if os.IsPermission(err) {
			m.log.Warn("cannot create cgroup, permission denied", map[string]interface{}{"path": path})
			return &Job{}, nil
		}
		return nil, fmt.Errorf("cgroup: create %s: %w", path, err)
	}

	if limits.CPUCount > 0 {
		period := 100000
		quota := int(limits.CPUCount) * period
		writeBestEffort(m.log, filepath.Join(path, "cpu.max"), fmt.Sprintf("%d %d", quota, period))
	}
	if limits.MemoryBytes > 0 {
		writeBestEffort(m.log, filepath.Join(path, "memory.max"), fmt.Sprintf("%d", limits.MemoryBytes))
	}

	return &Job{cpuPath: path, memoryPath: path}, nil
}

func (m *Manager) createV1(name string, limits model.Resources) (*Job, error) {
	cpuPath := filepath.Join(m.root, "cpu", name)
	memPath := filepath.Join(m.root, "memory", name)

	if err := os.MkdirAll(cpuPath, 0755); err != nil {
		if os.IsPermission(err) {
			m.log.Warn("cannot create cgroup, permission denied", map[string]interface{}{"path": cpuPath})
			return &Job{}, nil
		}
		return nil, fmt.Errorf("cgroup: create %s: %w", cpuPath, err)
	}
	if err := os.MkdirAll(memPath, 0755); err != nil {
		m.log.Warn("failed to create memory cgroup", map[string]interface{}{"path": memPath, "error": err.Error()})
	}

	if limits.CPUCount > 0 {
		period := 100000
		quota := int(limits.CPUCount) * period
		writeBestEffort(m.log, filepath.Join(cpuPath, "cpu.cfs_period_us"), fmt.Sprintf("%d", period))
		writeBestEffort(m.log, filepath.Join(cpuPath, "cpu.cfs_quota_us"), fmt.Sprintf("%d", quota))
	}
	if limits.MemoryBytes > 0 {
		writeBestEffort(m.log, filepath.Join(memPath, "memory.limit_in_bytes"), fmt.Sprintf("%d", limits.MemoryBytes))
	}

	return &Job{cpuPath: cpuPath, memoryPath: memPath}, nil
}

func writeBestEffort(log *logging.Logger, path, value string) {
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		log.Warn("failed to write cgroup control file", map[string]interface{}{"path": path, "error": err.Error()})
	}
}

// Attach places pid into job's cgroup. A zero Job is a no-op.
func (m *Manager) Attach(job *Job, pid int) error {
	if job == nil || job.cpuPath == "" {
		return nil
	}

	if err := os.WriteFile(filepath.Join(job.cpuPath, "cgroup.procs"), []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		return fmt.Errorf("cgroup: attach pid %d: %w", pid, err)
	}
	if job.memoryPath != "" && job.memoryPath != job.cpuPath {
		if err := os.WriteFile(filepath.Join(job.memoryPath, "cgroup.procs"), []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
			m.log.Warn("failed to attach pid to memory cgroup", map[string]interface{}{"pid": pid, "error": err.Error()})
		}
	}
	return nil
}

// Remove tears down job's cgroup directories. Best-effort: ENOENT is
// ignored, and other errors such as EBUSY (lingering zombie reaping)
// are logged, not returned.
func (m *Manager) Remove(job *Job) {
	if job == nil || job.cpuPath == "" {
		return
	}
	if job.memoryPath != "" && job.memoryPath != job.cpuPath {
		if err := os.Remove(job.memoryPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove memory cgroup", map[string]interface{}{"path": job.memoryPath, "error": err.Error()})
		}
	}
	if err := os.Remove(job.cpuPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove cgroup", map[string]interface{}{"path": job.cpuPath, "error": err.Error()})
	}
}

// Available reports whether cgroup enforcement is active on this host.
func (m *Manager) Available() bool { return m.available }
