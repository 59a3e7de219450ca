package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is where the unified hierarchy is mounted
const DefaultRoot = "/sys/fs/cgroup"

// Manager creates one cgroup per job under Root/Prefix.
// Create. Join. Apply. Delete.
type Manager struct {
	Root   string
	Prefix string

	version int
}

// New creates a manager for root, detecting the cgroup version there
func New(root, prefix string) *Manager {
	if root == "" {
		root = DefaultRoot
	}
	if prefix == "" {
		prefix = "rexp"
	}
	return &Manager{Root: root, Prefix: prefix, version: Version(root)}
}

// Version returns the cgroup version (1 or 2) mounted at root
func Version(root string) int {
	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		return 2
	}
	return 1
}

// Create makes the job's cgroup directory.
// An empty path with a nil error means we lack permission; carry on unconfined.
func (m *Manager) Create(jobID string) (string, error) {
	if jobID == "" {
		jobID = fmt.Sprintf("unnamed-%d", os.Getpid())
	}

	path := filepath.Join(m.Root, m.Prefix, jobID)
	if m.version != 2 {
		path = filepath.Join(m.Root, "cpu", m.Prefix, jobID)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		if os.IsPermission(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

// Join moves a PID into the cgroup
func (m *Manager) Join(cgroupPath string, pid int) error {
	if cgroupPath == "" {
		return nil
	}
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	return os.WriteFile(filepath.Join(cgroupPath, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// Apply writes every set limit, returning the joined errors
func (m *Manager) Apply(cgroupPath string, limits *Limits) error {
	if cgroupPath == "" || limits.IsZero() {
		return nil
	}
	return errors.Join(
		writeCPUMax(m.version, cgroupPath, limits.CPUMax),
		writeCPUWeight(m.version, cgroupPath, limits.CPUWeight),
		writeMemoryMax(m.version, cgroupPath, limits.MemoryMax),
	)
}

// Confine creates a cgroup for jobID, moves pid into it and applies limits.
// It returns the path to hand to Delete, empty if nothing was created.
func (m *Manager) Confine(jobID string, pid int, limits *Limits) (string, error) {
	if limits.IsZero() {
		return "", nil
	}
	path, err := m.Create(jobID)
	if err != nil || path == "" {
		return "", err
	}
	if err := m.Join(path, pid); err != nil {
		m.Delete(path)
		return "", fmt.Errorf("join cgroup: %w", err)
	}
	return path, m.Apply(path, limits)
}

// Delete removes the cgroup directory. The kernel refuses while members remain.
func (m *Manager) Delete(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	return os.Remove(cgroupPath)
}
