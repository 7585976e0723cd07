// Package counters samples machine-wide CPU, disk and network rates through named,
// hierarchical counter paths.
package counters

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/srodi/procpulse/pkg/types"
)

// Counter paths registered by the collector.
const (
	PathCPUTotal       = `\Processor(_Total)\% Processor Time`
	PathCPUCoreFmt     = `\Processor(%d)\%% Processor Time`
	PathCPUFrequency   = `\Processor Information(_Total)\Processor Frequency`
	PathDiskReadBytes  = `\PhysicalDisk(_Total)\Disk Read Bytes/sec`
	PathDiskWriteBytes = `\PhysicalDisk(_Total)\Disk Write Bytes/sec`
	PathDiskReads      = `\PhysicalDisk(_Total)\Disk Reads/sec`
	PathDiskWrites     = `\PhysicalDisk(_Total)\Disk Writes/sec`
	PathNetRecvBytes   = `\Network Interface(*)\Bytes Received/sec`
	PathNetSentBytes   = `\Network Interface(*)\Bytes Sent/sec`
)

// Group is a set of counters that can be switched off together.
type Group int

const (
	GroupCPU Group = iota
	GroupDisk
	GroupNetwork
	groupCount
)

func (g Group) String() string {
	switch g {
	case GroupCPU:
		return "cpu"
	case GroupDisk:
		return "disk"
	case GroupNetwork:
		return "network"
	default:
		return fmt.Sprintf("group(%d)", int(g))
	}
}

// Config selects which groups are sampled from the start.
type Config struct {
	CPU     bool
	Disk    bool
	Network bool
}

// DefaultConfig enables every group.
func DefaultConfig() Config {
	return Config{CPU: true, Disk: true, Network: true}
}

var (
	errNoData = errors.New("counter has no data yet")
	errClosed = errors.New("counter query is closed")
)

type counterID int

// query is one open counter session. Implementations are not safe for concurrent use.
type query interface {
	AddCounter(path string) (counterID, error)
	SetActive(id counterID, active bool)
	Collect() error
	Value(id counterID) (float64, error)
	Close() error
}

// openQuery allows tests to replace the platform query engine.
var openQuery = openPlatformQuery

type counter struct {
	path  string
	id    counterID
	group Group
	ok    bool
}

// Collector owns one counter session with every path registered once.
type Collector struct {
	q        query
	logger   zerolog.Logger
	enabled  [groupCount]bool
	counters []*counter

	cpuTotal       *counter
	cpuCores       []*counter
	cpuFrequency   *counter
	diskReadBytes  *counter
	diskWriteBytes *counter
	diskReads      *counter
	diskWrites     *counter
	netRecvBytes   *counter
	netSentBytes   *counter

	primed bool
}

// NewCollector opens the counter session and registers all counter paths. A path that
// cannot be added is logged and reads as zero; only failing to open the session is an error.
func NewCollector(cfg Config, logger zerolog.Logger) (*Collector, error) {
	q, err := openQuery()
	if err != nil {
		return nil, fmt.Errorf("opening counter query: %w", err)
	}
	c := &Collector{
		q:      q,
		logger: logger.With().Str("component", "counters").Logger(),
	}
	c.cpuTotal = c.register(PathCPUTotal, GroupCPU)
	for core := 0; core < runtime.NumCPU(); core++ {
		c.cpuCores = append(c.cpuCores, c.register(fmt.Sprintf(PathCPUCoreFmt, core), GroupCPU))
	}
	c.cpuFrequency = c.register(PathCPUFrequency, GroupCPU)
	c.diskReadBytes = c.register(PathDiskReadBytes, GroupDisk)
	c.diskWriteBytes = c.register(PathDiskWriteBytes, GroupDisk)
	c.diskReads = c.register(PathDiskReads, GroupDisk)
	c.diskWrites = c.register(PathDiskWrites, GroupDisk)
	c.netRecvBytes = c.register(PathNetRecvBytes, GroupNetwork)
	c.netSentBytes = c.register(PathNetSentBytes, GroupNetwork)

	c.SetEnabled(GroupCPU, cfg.CPU)
	c.SetEnabled(GroupDisk, cfg.Disk)
	c.SetEnabled(GroupNetwork, cfg.Network)
	return c, nil
}

func (c *Collector) register(path string, group Group) *counter {
	ctr := &counter{path: path, group: group}
	id, err := c.q.AddCounter(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("counter unavailable, reporting zero")
	} else {
		ctr.id = id
		ctr.ok = true
	}
	c.counters = append(c.counters, ctr)
	return ctr
}

// SetEnabled switches a group on or off. Disabled groups are not sampled and report zero.
func (c *Collector) SetEnabled(group Group, enabled bool) {
	if group < 0 || group >= groupCount {
		return
	}
	c.enabled[group] = enabled
	if c.q == nil {
		return
	}
	for _, ctr := range c.counters {
		if ctr.ok && ctr.group == group {
			c.q.SetActive(ctr.id, enabled)
		}
	}
}

// Enabled reports whether a group is being sampled.
func (c *Collector) Enabled(group Group) bool {
	if group < 0 || group >= groupCount {
		return false
	}
	return c.enabled[group]
}

// Collect samples every active counter and reads the values back. Rates need two samples,
// so the first call after construction returns zero metrics with Valid unset.
func (c *Collector) Collect() (types.SystemCounterMetrics, error) {
	if c.q == nil {
		return types.SystemCounterMetrics{}, errClosed
	}
	if err := c.q.Collect(); err != nil {
		return types.SystemCounterMetrics{}, fmt.Errorf("collecting counters: %w", err)
	}
	if !c.primed {
		c.primed = true
		return types.SystemCounterMetrics{}, nil
	}

	m := types.SystemCounterMetrics{Valid: true}
	if c.enabled[GroupCPU] {
		m.CPUTotalPercent = c.read(c.cpuTotal)
		m.CPUPerCorePercent = make([]float64, len(c.cpuCores))
		for i, core := range c.cpuCores {
			m.CPUPerCorePercent[i] = c.read(core)
		}
		m.CPUFrequencyMHz = c.read(c.cpuFrequency)
	}
	if c.enabled[GroupDisk] {
		m.DiskReadBytesPerSec = c.read(c.diskReadBytes)
		m.DiskWriteBytesPerSec = c.read(c.diskWriteBytes)
		m.DiskReadsPerSec = c.read(c.diskReads)
		m.DiskWritesPerSec = c.read(c.diskWrites)
	}
	if c.enabled[GroupNetwork] {
		m.NetRecvBytesPerSec = c.read(c.netRecvBytes)
		m.NetSentBytesPerSec = c.read(c.netSentBytes)
	}
	return m, nil
}

func (c *Collector) read(ctr *counter) float64 {
	if !ctr.ok {
		return 0
	}
	v, err := c.q.Value(ctr.id)
	if err != nil {
		if !errors.Is(err, errNoData) {
			c.logger.Debug().Err(err).Str("path", ctr.path).Msg("reading counter")
		}
		return 0
	}
	return v
}

// Close releases the counter session. Later calls are no-ops.
func (c *Collector) Close() error {
	if c.q == nil {
		return nil
	}
	err := c.q.Close()
	c.q = nil
	return err
}
