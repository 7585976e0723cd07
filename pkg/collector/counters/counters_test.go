package counters

import (
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/require"
)

type fakeQuery struct {
	paths    []string
	active   map[counterID]bool
	values   map[string]float64
	failAdd  map[string]bool
	collects int
	closed   int
	failNext error
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		active:  map[counterID]bool{},
		values:  map[string]float64{},
		failAdd: map[string]bool{},
	}
}

func (f *fakeQuery) AddCounter(path string) (counterID, error) {
	if f.failAdd[path] {
		return 0, errors.New("no such counter")
	}
	f.paths = append(f.paths, path)
	id := counterID(len(f.paths) - 1)
	f.active[id] = true
	return id, nil
}

func (f *fakeQuery) SetActive(id counterID, active bool) { f.active[id] = active }

func (f *fakeQuery) Collect() error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.collects++
	return nil
}

func (f *fakeQuery) Value(id counterID) (float64, error) {
	if !f.active[id] {
		return 0, errNoData
	}
	return f.values[f.paths[id]], nil
}

func (f *fakeQuery) Close() error {
	f.closed++
	return nil
}

func withFakeQuery(t *testing.T, f *fakeQuery) {
	t.Helper()
	orig := openQuery
	openQuery = func() (query, error) { return f, nil }
	t.Cleanup(func() { openQuery = orig })
}

func TestCollectorFirstCallIsNotValid(t *testing.T) {
	f := newFakeQuery()
	f.values[PathCPUTotal] = 42
	withFakeQuery(t, f)

	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	first, err := c.Collect()
	require.NoError(t, err)
	require.False(t, first.Valid)
	require.Zero(t, first.CPUTotalPercent)

	second, err := c.Collect()
	require.NoError(t, err)
	require.True(t, second.Valid)
	require.Equal(t, 42.0, second.CPUTotalPercent)
	require.Len(t, second.CPUPerCorePercent, runtime.NumCPU())
	require.Equal(t, 2, f.collects)
}

func TestCollectorReadsEveryGroup(t *testing.T) {
	f := newFakeQuery()
	f.values[PathCPUFrequency] = 3200
	f.values[PathDiskReadBytes] = 1 << 20
	f.values[PathDiskWriteBytes] = 2 << 20
	f.values[PathDiskReads] = 10
	f.values[PathDiskWrites] = 20
	f.values[PathNetRecvBytes] = 500
	f.values[PathNetSentBytes] = 250
	withFakeQuery(t, f)

	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, _ = c.Collect()
	m, err := c.Collect()
	require.NoError(t, err)

	require.Equal(t, 3200.0, m.CPUFrequencyMHz)
	require.Equal(t, float64(1<<20), m.DiskReadBytesPerSec)
	require.Equal(t, float64(2<<20), m.DiskWriteBytesPerSec)
	require.Equal(t, 10.0, m.DiskReadsPerSec)
	require.Equal(t, 20.0, m.DiskWritesPerSec)
	require.Equal(t, 500.0, m.NetRecvBytesPerSec)
	require.Equal(t, 250.0, m.NetSentBytesPerSec)
}

func TestCollectorDisabledGroupReportsZero(t *testing.T) {
	f := newFakeQuery()
	f.values[PathDiskReadBytes] = 99
	f.values[PathNetRecvBytes] = 77
	withFakeQuery(t, f)

	c, err := NewCollector(Config{CPU: true, Disk: false, Network: true}, zerolog.Nop())
	require.NoError(t, err)
	require.False(t, c.Enabled(GroupDisk))

	_, _ = c.Collect()
	m, err := c.Collect()
	require.NoError(t, err)
	require.Zero(t, m.DiskReadBytesPerSec)
	require.Equal(t, 77.0, m.NetRecvBytesPerSec)

	for id, path := range f.paths {
		if strings.HasPrefix(path, `\PhysicalDisk`) {
			require.False(t, f.active[counterID(id)], path)
		}
	}

	c.SetEnabled(GroupDisk, true)
	require.True(t, c.Enabled(GroupDisk))
	m, err = c.Collect()
	require.NoError(t, err)
	require.Equal(t, 99.0, m.DiskReadBytesPerSec)

	c.SetEnabled(GroupNetwork, false)
	m, err = c.Collect()
	require.NoError(t, err)
	require.Zero(t, m.NetRecvBytesPerSec)
}

func TestCollectorMissingCounterReadsZero(t *testing.T) {
	f := newFakeQuery()
	f.failAdd[PathCPUFrequency] = true
	f.values[PathCPUFrequency] = 1234
	f.values[PathCPUTotal] = 10
	withFakeQuery(t, f)

	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, _ = c.Collect()
	m, err := c.Collect()
	require.NoError(t, err)
	require.Zero(t, m.CPUFrequencyMHz)
	require.Equal(t, 10.0, m.CPUTotalPercent)
}

func TestCollectorCollectError(t *testing.T) {
	f := newFakeQuery()
	withFakeQuery(t, f)
	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	f.failNext = errors.New("boom")
	_, err = c.Collect()
	require.ErrorContains(t, err, "boom")
}

func TestCollectorOpenError(t *testing.T) {
	orig := openQuery
	openQuery = func() (query, error) { return nil, errors.New("pdh missing") }
	t.Cleanup(func() { openQuery = orig })

	_, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.ErrorContains(t, err, "pdh missing")
}

func TestCollectorCloseIdempotent(t *testing.T) {
	f := newFakeQuery()
	withFakeQuery(t, f)
	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.Equal(t, 1, f.closed)

	_, err = c.Collect()
	require.ErrorIs(t, err, errClosed)
}

func TestGroupString(t *testing.T) {
	if GroupCPU.String() != "cpu" || GroupDisk.String() != "disk" || GroupNetwork.String() != "network" {
		t.Fatalf("unexpected group names")
	}
	if got := Group(9).String(); got != "group(9)" {
		t.Fatalf("got %q", got)
	}
}

func TestCollectorRegistersCorePaths(t *testing.T) {
	f := newFakeQuery()
	f.values[`\Processor(0)\% Processor Time`] = 55
	withFakeQuery(t, f)

	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.Contains(t, f.paths, `\Processor(0)\% Processor Time`)
	for _, p := range f.paths {
		require.NotContains(t, p, "%!", "malformed counter path")
	}

	_, _ = c.Collect()
	m, err := c.Collect()
	require.NoError(t, err)
	require.Equal(t, 55.0, m.CPUPerCorePercent[0])
}

func TestCollectorOverSampleQuery(t *testing.T) {
	h := stubHost(t)
	h.total = []cpu.TimesStat{{User: 10, Idle: 90}}
	h.cores = []cpu.TimesStat{{User: 5, Idle: 45}}
	h.nics = []net.IOCountersStat{{Name: "eth0", BytesRecv: 100}}
	h.diskErr = errors.New("no diskstats")

	orig := openQuery
	openQuery = func() (query, error) { return newSampleQuery(), nil }
	t.Cleanup(func() { openQuery = orig })

	c, err := NewCollector(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	_, err = c.Collect()
	require.NoError(t, err)

	h.now = h.now.Add(time.Second)
	h.total = []cpu.TimesStat{{User: 50, Idle: 150}}
	h.cores = []cpu.TimesStat{{User: 30, Idle: 70}}
	h.nics = []net.IOCountersStat{{Name: "eth0", BytesRecv: 300}}
	m, err := c.Collect()
	require.NoError(t, err)
	require.True(t, m.Valid)
	require.InDelta(t, 40.0, m.CPUTotalPercent, 1e-9)
	require.InDelta(t, 50.0, m.CPUPerCorePercent[0], 1e-9)
	require.Equal(t, 200.0, m.NetRecvBytesPerSec)
	require.Zero(t, m.DiskReadBytesPerSec)
}
