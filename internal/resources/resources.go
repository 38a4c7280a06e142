// Package resources probes host capacity for the agent/Register and
// agent/UpdateUsedResource reports (spec §6.6), grounded on
// project-tachyon's use of gopsutil for disk/host sampling
// (_examples/kmkrofficial-project-tachyon/internal/core/stats.go).
package resources

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Totals is the host capacity snapshot the status reporter turns into a
// Register or UpdateUsedResource request body.
type Totals struct {
	MemoryBytes uint64
	CPUCount    int
	StorageBytes uint64
}

// Prober reports total host resources. The narrow interface the status
// reporter depends on; internal/resources.Default is its only wireable
// implementation, but tests substitute a stub.
type Prober interface {
	Total() (Totals, error)
}

// gopsutilProber is the default gopsutil-backed Prober.
type gopsutilProber struct {
	storagePath string
}

// Default returns a Prober sampling total memory, logical CPU count, and
// the total size of the filesystem containing storagePath.
func Default(storagePath string) Prober {
	return &gopsutilProber{storagePath: storagePath}
}

func (p *gopsutilProber) Total() (Totals, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Totals{}, err
	}

	counts, err := cpu.Counts(true)
	if err != nil {
		counts = runtime.NumCPU()
	}

	path := p.storagePath
	if path == "" {
		path = "."
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return Totals{}, err
	}

	return Totals{
		MemoryBytes:  vm.Total,
		CPUCount:     counts,
		StorageBytes: usage.Total,
	}, nil
}
