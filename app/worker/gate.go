package worker

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// LoadGate defers prediction starts while the host is overloaded.
// Zero thresholds disable the corresponding check.
type LoadGate struct {
	CPUBelow    int // start only when cpu usage percent is below this
	MemoryBelow int // start only when memory usage percent is below this
}

// Check reports whether a prediction may start now, with the reason when not
func (g *LoadGate) Check() (bool, string) {
	if g == nil {
		return true, ""
	}

	if g.CPUBelow > 0 {
		cpuPercent, err := cpu.Percent(time.Second, false)
		if err != nil {
			return false, fmt.Sprintf("failed to get CPU usage: %v", err)
		}
		if len(cpuPercent) == 0 {
			return false, "no CPU data available"
		}
		if current := int(cpuPercent[0]); current >= g.CPUBelow {
			return false, fmt.Sprintf("CPU at %d%%, threshold %d%%", current, g.CPUBelow)
		}
	}

	if g.MemoryBelow > 0 {
		v, err := mem.VirtualMemory()
		if err != nil {
			return false, fmt.Sprintf("failed to get memory usage: %v", err)
		}
		if current := int(v.UsedPercent); current >= g.MemoryBelow {
			return false, fmt.Sprintf("memory at %d%%, threshold %d%%", current, g.MemoryBelow)
		}
	}

	return true, ""
}
