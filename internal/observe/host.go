package observe

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host is the orchestrating machine's capacity when a run starts
type Host struct {
	CPUs         int
	MemTotal     uint64
	MemAvailable uint64
}

// SnapshotHost reads CPU and memory figures. Partial data is returned with
// the first error encountered.
func SnapshotHost() (Host, error) {
	var h Host

	cpus, err := cpu.Counts(true)
	if err != nil {
		return h, fmt.Errorf("failed to count cpus: %w", err)
	}
	h.CPUs = cpus

	vm, err := mem.VirtualMemory()
	if err != nil {
		return h, fmt.Errorf("failed to read memory: %w", err)
	}
	h.MemTotal = vm.Total
	h.MemAvailable = vm.Available

	return h, nil
}

// String formats the snapshot for logs
func (h Host) String() string {
	return fmt.Sprintf("%d cpus, %.1f/%.1f GiB available", h.CPUs,
		float64(h.MemAvailable)/(1<<30), float64(h.MemTotal)/(1<<30))
}
