package cgroups

// Limits are best effort. A renderer that cannot be confined still runs.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Limits defines what can be written to a job's cgroup
type Limits struct {
	CPUMax    string `mapstructure:"cpu_max" yaml:"cpu_max,omitempty"`       // "quota period" or "max"
	CPUWeight int    `mapstructure:"cpu_weight" yaml:"cpu_weight,omitempty"` // 1-10000
	MemoryMax int64  `mapstructure:"memory_max" yaml:"memory_max,omitempty"` // bytes, 0 = no limit
}

// IsZero reports whether no limit is set
func (l *Limits) IsZero() bool {
	return l == nil || (l.CPUMax == "" && l.CPUWeight == 0 && l.MemoryMax == 0)
}

// Validate checks ranges without touching the filesystem
func (l *Limits) Validate() error {
	if l == nil {
		return nil
	}
	if l.CPUWeight < 0 || l.CPUWeight > 10000 {
		return fmt.Errorf("invalid cpu weight: %d (must be 1-10000)", l.CPUWeight)
	}
	if l.MemoryMax < 0 {
		return fmt.Errorf("invalid memory limit: %d", l.MemoryMax)
	}
	return nil
}

func writeCPUMax(version int, cgroupPath, value string) error {
	if value == "" || version != 2 {
		// v1 quota/period split is not supported
		return nil
	}
	return os.WriteFile(filepath.Join(cgroupPath, "cpu.max"), []byte(value), 0644)
}

func writeCPUWeight(version int, cgroupPath string, weight int) error {
	if weight == 0 {
		return nil
	}
	if version == 2 {
		return os.WriteFile(filepath.Join(cgroupPath, "cpu.weight"), []byte(strconv.Itoa(weight)), 0644)
	}

	// weight 100 = 1024 shares
	shares := (weight * 1024) / 100
	return os.WriteFile(filepath.Join(cgroupPath, "cpu.shares"), []byte(strconv.Itoa(shares)), 0644)
}

func writeMemoryMax(version int, cgroupPath string, bytes int64) error {
	if bytes == 0 {
		return nil
	}
	name := "memory.max"
	if version != 2 {
		name = "memory.limit_in_bytes"
	}
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(strconv.FormatInt(bytes, 10)), 0644)
}
