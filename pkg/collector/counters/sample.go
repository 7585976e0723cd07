package counters

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/net"
)

// OS sampling entry points, replaceable in tests.
var (
	cpuTimes       = cpu.Times
	cpuInfo        = cpu.Info
	diskIOCounters = disk.IOCounters
	netIOCounters  = net.IOCounters
	sampleClock    = time.Now
)

// source is one OS sampling call shared by several counters.
type source int

const (
	srcCPUTotal source = iota
	srcCPUCores
	srcCPUInfo
	srcDisk
	srcNet
	sourceCount
)

// metric identifies which value a counter extracts from its source.
type metric int

const (
	metricBusyPercent metric = iota
	metricFrequency
	metricReadBytes
	metricWriteBytes
	metricReads
	metricWrites
	metricRecvBytes
	metricSentBytes
)

type sampledCounter struct {
	src    source
	metric metric
	core   int
	active bool
}

// sourceSample is one reading of a source.
type sourceSample struct {
	at    time.Time
	cpu   []cpu.TimesStat
	mhz   float64
	io    [4]uint64
	valid bool
}

type sourceState struct {
	prev, cur sourceSample
	active    int
}

// sampleQuery resolves counter paths onto gopsutil samplers and derives rates from the
// two most recent samples of each source.
type sampleQuery struct {
	counters []sampledCounter
	sources  [sourceCount]sourceState
	closed   bool
}

func newSampleQuery() *sampleQuery {
	return &sampleQuery{}
}

func (q *sampleQuery) AddCounter(path string) (counterID, error) {
	if q.closed {
		return 0, errClosed
	}
	p, err := parseCounterPath(path)
	if err != nil {
		return 0, err
	}
	ctr, err := resolve(p)
	if err != nil {
		return 0, err
	}
	ctr.active = true
	q.counters = append(q.counters, ctr)
	q.sources[ctr.src].active++
	return counterID(len(q.counters) - 1), nil
}

func resolve(p counterPath) (sampledCounter, error) {
	switch {
	case strings.EqualFold(p.Object, "Processor") && strings.EqualFold(p.Counter, "% Processor Time"):
		if p.Instance == "_Total" {
			return sampledCounter{src: srcCPUTotal, metric: metricBusyPercent}, nil
		}
		core, err := strconv.Atoi(p.Instance)
		if err != nil || core < 0 {
			return sampledCounter{}, fmt.Errorf("processor instance %q: not a core index", p.Instance)
		}
		return sampledCounter{src: srcCPUCores, metric: metricBusyPercent, core: core}, nil
	case strings.EqualFold(p.Object, "Processor Information") && strings.EqualFold(p.Counter, "Processor Frequency"):
		return sampledCounter{src: srcCPUInfo, metric: metricFrequency}, nil
	case strings.EqualFold(p.Object, "PhysicalDisk"):
		m, ok := map[string]metric{
			"disk read bytes/sec":  metricReadBytes,
			"disk write bytes/sec": metricWriteBytes,
			"disk reads/sec":       metricReads,
			"disk writes/sec":      metricWrites,
		}[strings.ToLower(p.Counter)]
		if ok {
			return sampledCounter{src: srcDisk, metric: m}, nil
		}
	case strings.EqualFold(p.Object, "Network Interface"):
		switch strings.ToLower(p.Counter) {
		case "bytes received/sec":
			return sampledCounter{src: srcNet, metric: metricRecvBytes}, nil
		case "bytes sent/sec":
			return sampledCounter{src: srcNet, metric: metricSentBytes}, nil
		}
	}
	return sampledCounter{}, fmt.Errorf("counter %s(%s)\\%s is not supported", p.Object, p.Instance, p.Counter)
}

func (q *sampleQuery) SetActive(id counterID, active bool) {
	if int(id) < 0 || int(id) >= len(q.counters) {
		return
	}
	ctr := &q.counters[id]
	if ctr.active == active {
		return
	}
	ctr.active = active
	st := &q.sources[ctr.src]
	if active {
		st.active++
		if st.active == 1 {
			// the last sample is stale once a source has been idle
			st.prev, st.cur = sourceSample{}, sourceSample{}
		}
	} else {
		st.active--
	}
}

// Collect samples every source that has at least one active counter. A source that fails
// loses its samples, so its counters read no data until two fresh samples exist; Collect
// only fails when every active source failed.
func (q *sampleQuery) Collect() error {
	if q.closed {
		return errClosed
	}
	var errs []error
	sampled := 0
	for src := source(0); src < sourceCount; src++ {
		st := &q.sources[src]
		if st.active <= 0 {
			continue
		}
		sample, err := takeSample(src)
		if err != nil {
			st.prev, st.cur = sourceSample{}, sourceSample{}
			errs = append(errs, fmt.Errorf("sampling %s: %w", src, err))
			continue
		}
		st.prev, st.cur = st.cur, sample
		sampled++
	}
	if sampled == 0 && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (s source) String() string {
	switch s {
	case srcCPUTotal:
		return "cpu total"
	case srcCPUCores:
		return "cpu cores"
	case srcCPUInfo:
		return "cpu info"
	case srcDisk:
		return "disk"
	case srcNet:
		return "network"
	default:
		return "unknown"
	}
}

func takeSample(src source) (sourceSample, error) {
	s := sourceSample{at: sampleClock(), valid: true}
	switch src {
	case srcCPUTotal, srcCPUCores:
		times, err := cpuTimes(src == srcCPUCores)
		if err != nil {
			return sourceSample{}, err
		}
		s.cpu = times
	case srcCPUInfo:
		infos, err := cpuInfo()
		if err != nil {
			return sourceSample{}, err
		}
		if len(infos) > 0 {
			s.mhz = infos[0].Mhz
		}
	case srcDisk:
		counters, err := diskIOCounters()
		if err != nil {
			return sourceSample{}, err
		}
		for name, c := range counters {
			if !isPhysicalDisk(name, counters) {
				continue
			}
			s.io[0] += c.ReadBytes
			s.io[1] += c.WriteBytes
			s.io[2] += c.ReadCount
			s.io[3] += c.WriteCount
		}
	case srcNet:
		nics, err := netIOCounters(true)
		if err != nil {
			return sourceSample{}, err
		}
		for _, nic := range nics {
			if nic.Name == "lo" || strings.HasPrefix(nic.Name, "Loopback") {
				continue
			}
			s.io[0] += nic.BytesRecv
			s.io[1] += nic.BytesSent
		}
	}
	return s, nil
}

// isPhysicalDisk drops partitions and virtual block devices so bytes are not counted twice.
func isPhysicalDisk(name string, all map[string]disk.IOCountersStat) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "dm-", "md"} {
		if strings.HasPrefix(name, prefix) {
			return false
		}
	}
	for other := range all {
		if other != name && other != "" && strings.HasPrefix(name, other) && isPartitionSuffix(other, name) {
			return false
		}
	}
	return true
}

// isPartitionSuffix reports whether name is parent plus a partition number: digits, or "p" and
// digits when parent itself ends in a digit.
func isPartitionSuffix(parent, name string) bool {
	rest := name[len(parent):]
	if last := parent[len(parent)-1]; last >= '0' && last <= '9' {
		var ok bool
		if rest, ok = strings.CutPrefix(rest, "p"); !ok {
			return false
		}
	}
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (q *sampleQuery) Value(id counterID) (float64, error) {
	if q.closed {
		return 0, errClosed
	}
	if int(id) < 0 || int(id) >= len(q.counters) {
		return 0, fmt.Errorf("unknown counter %d", id)
	}
	ctr := q.counters[id]
	st := q.sources[ctr.src]
	if !st.cur.valid {
		return 0, errNoData
	}
	if ctr.metric == metricFrequency {
		return st.cur.mhz, nil
	}
	if !st.prev.valid {
		return 0, errNoData
	}
	switch ctr.metric {
	case metricBusyPercent:
		idx := 0
		if ctr.src == srcCPUCores {
			idx = ctr.core
		}
		if idx >= len(st.cur.cpu) || idx >= len(st.prev.cpu) {
			return 0, errNoData
		}
		return busyPercent(st.prev.cpu[idx], st.cur.cpu[idx]), nil
	default:
		elapsed := st.cur.at.Sub(st.prev.at).Seconds()
		if elapsed <= 0 {
			return 0, errNoData
		}
		slot := ioSlot(ctr.metric)
		if st.cur.io[slot] < st.prev.io[slot] {
			// counter reset, e.g. an interface went away
			return 0, nil
		}
		return float64(st.cur.io[slot]-st.prev.io[slot]) / elapsed, nil
	}
}

func ioSlot(m metric) int {
	switch m {
	case metricReadBytes, metricRecvBytes:
		return 0
	case metricWriteBytes, metricSentBytes:
		return 1
	case metricReads:
		return 2
	default:
		return 3
	}
}

func busyPercent(prev, cur cpu.TimesStat) float64 {
	total := cpuTotal(cur) - cpuTotal(prev)
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	if total <= 0 {
		return 0
	}
	busy := (total - idle) / total * 100
	return min(max(busy, 0), 100)
}

// cpuTotal sums the time buckets. Guest time is already part of user time on Linux.
func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

func (q *sampleQuery) Close() error {
	q.closed = true
	q.counters = nil
	return nil
}
