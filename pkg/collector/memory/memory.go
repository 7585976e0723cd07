// Package memory reads machine-wide physical and swap memory.
package memory

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/srodi/procpulse/pkg/types"
)

// virtualMemory and swapMemory allow tests to stub the OS queries.
var (
	virtualMemory = mem.VirtualMemory
	swapMemory    = mem.SwapMemory
)

// Reader samples system memory. It holds no OS handles.
type Reader struct{}

// NewReader returns a memory reader.
func NewReader() *Reader {
	return &Reader{}
}

// Read returns the current memory figures. Physical memory is required; swap is best effort
// because some hosts run without it.
func (r *Reader) Read() (types.MemoryMetrics, error) {
	vm, err := virtualMemory()
	if err != nil {
		return types.MemoryMetrics{}, fmt.Errorf("reading virtual memory: %w", err)
	}
	if vm.Total == 0 {
		return types.MemoryMetrics{}, fmt.Errorf("reading virtual memory: total is zero")
	}
	metrics := types.MemoryMetrics{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedBytes:      vm.Used,
		UsedPercent:    vm.UsedPercent,
	}
	if swap, err := swapMemory(); err == nil {
		metrics.SwapTotalBytes = swap.Total
		metrics.SwapUsedBytes = swap.Used
	}
	return metrics, nil
}
