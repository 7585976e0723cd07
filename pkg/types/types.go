package types

import "time"

// DefaultTopK controls how many top processes we display per resource category.
const DefaultTopK = 10

// ProcessRecord is one process as reported by a single enumeration pass.
// Times are in 100ns ticks, sizes in bytes.
type ProcessRecord struct {
	PID           uint32
	ParentPID     uint32
	Name          string
	ThreadCount   uint32
	HandleCount   uint32
	UserTime      uint64
	KernelTime    uint64
	WorkingSet    uint64
	PagefileUsage uint64
	PrivateBytes  uint64
}

// CPUTime returns the combined user and kernel time of the record.
func (r ProcessRecord) CPUTime() uint64 {
	return r.UserTime + r.KernelTime
}

// MemoryMetrics describes machine-wide physical and swap memory.
type MemoryMetrics struct {
	TotalBytes     uint64
	AvailableBytes uint64
	UsedBytes      uint64
	UsedPercent    float64
	SwapTotalBytes uint64
	SwapUsedBytes  uint64
}

// SystemCounterMetrics holds rate-based performance counters. Valid is false until
// two samples have been taken.
type SystemCounterMetrics struct {
	Valid                bool
	CPUTotalPercent      float64
	CPUPerCorePercent    []float64
	CPUFrequencyMHz      float64
	DiskReadBytesPerSec  float64
	DiskWriteBytesPerSec float64
	DiskReadsPerSec      float64
	DiskWritesPerSec     float64
	NetRecvBytesPerSec   float64
	NetSentBytesPerSec   float64
}

// MemorySegment distinguishes adapter-local video memory from system memory the adapter can map.
type MemorySegment int

const (
	SegmentLocal MemorySegment = iota
	SegmentNonLocal
)

func (s MemorySegment) String() string {
	switch s {
	case SegmentLocal:
		return "local"
	case SegmentNonLocal:
		return "non-local"
	default:
		return "unknown"
	}
}

// GPUAdapterInfo captures the static facts of a display adapter.
type GPUAdapterInfo struct {
	Index           int
	Name            string
	Vendor          string
	VendorID        uint32
	DeviceID        uint32
	DedicatedMemory uint64
	SharedMemory    uint64
}

// GPUMemoryUsage is the usage and budget of one memory segment of one adapter.
type GPUMemoryUsage struct {
	AdapterIndex int
	Segment      MemorySegment
	CurrentUsage uint64
	Budget       uint64
}

// SystemMetrics aggregates the machine-wide metrics gathered alongside a process table.
type SystemMetrics struct {
	Memory   MemoryMetrics
	Counters SystemCounterMetrics
	GPU      []GPUMemoryUsage
}

// ProcessSnapshot bundles one enumeration pass with the system metrics taken in the same cycle.
// The receiver owns it exclusively.
type ProcessSnapshot struct {
	Timestamp       time.Time
	Records         []ProcessRecord
	System          SystemMetrics
	CollectDuration time.Duration
}
