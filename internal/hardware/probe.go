// Package hardware probes the local machine's CPU and memory capacity
// at worker startup, for the RegisterNode RPC's total_resources field.
package hardware

import (
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/protortyp/melon/internal/model"
)

// Probe returns the node's total resources: logical CPU count and
// total physical memory.
func Probe() (model.Resources, error) {
	counts, err := cpu.Counts(true)
	if err != nil || counts <= 0 {
		counts = runtime.NumCPU()
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return model.Resources{}, fmt.Errorf("hardware: probe memory: %w", err)
	}

	return model.Resources{
		CPUCount:    uint32(counts),
		MemoryBytes: vmem.Total,
	}, nil
}
