//go:build linux
// +build linux

package process

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"

	"github.com/srodi/procpulse/pkg/types"
)

// procRoot allows tests to point the enumerator at a fake procfs.
var procRoot = "/proc"

const (
	readBufferSize   = 4096
	defaultClockTick = 100
	ticksPer100ns    = 10_000_000
)

// Enumerator walks procfs. It is not safe for concurrent use; the updater goroutine owns it.
type Enumerator struct {
	clockTicks uint64
	pageSize   uint64
	pids       []uint32
	bufs       [][]byte
}

// NewEnumerator resolves the clock tick rate and page size and allocates per-worker read buffers.
func NewEnumerator() (*Enumerator, error) {
	ticks, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || ticks <= 0 {
		ticks = defaultClockTick
	}
	workers := decodeWorkers(1 << 16)
	bufs := make([][]byte, workers)
	for i := range bufs {
		bufs[i] = make([]byte, readBufferSize)
	}
	return &Enumerator{
		clockTicks: uint64(ticks),
		pageSize:   uint64(unix.Getpagesize()),
		pids:       make([]uint32, 0, 1024),
		bufs:       bufs,
	}, nil
}

// Enumerate returns one record per live process. Processes that exit between listing and
// reading are skipped.
func (e *Enumerator) Enumerate() ([]types.ProcessRecord, error) {
	if err := e.listPIDs(); err != nil {
		return nil, &EnumerationError{Op: "listing " + procRoot, Err: err}
	}
	records := make([]types.ProcessRecord, len(e.pids))
	parallelFor(len(e.pids), func(w, lo, hi int) {
		buf := e.bufs[w%len(e.bufs)]
		for i := lo; i < hi; i++ {
			records[i] = e.readProcess(e.pids[i], buf)
		}
	})
	return dropIdle(records), nil
}

// Reset drops per-cycle scratch state.
func (e *Enumerator) Reset() {
	e.pids = e.pids[:0]
}

// Close is a no-op; procfs files are closed after every read.
func (e *Enumerator) Close() error {
	return nil
}

func (e *Enumerator) listPIDs() error {
	dir, err := os.Open(procRoot)
	if err != nil {
		return err
	}
	defer dir.Close()

	names, err := dir.Readdirnames(-1)
	if err != nil {
		return err
	}
	e.pids = e.pids[:0]
	for _, name := range names {
		pid, err := strconv.ParseUint(name, 10, 32)
		if err != nil || pid == 0 {
			continue
		}
		e.pids = append(e.pids, uint32(pid))
	}
	return nil
}

func (e *Enumerator) readProcess(pid uint32, buf []byte) types.ProcessRecord {
	dir := filepath.Join(procRoot, strconv.FormatUint(uint64(pid), 10))
	data, err := readInto(filepath.Join(dir, "stat"), buf)
	if err != nil {
		return types.ProcessRecord{}
	}
	st, ok := parseStat(data)
	if !ok {
		return types.ProcessRecord{}
	}
	record := types.ProcessRecord{
		PID:         pid,
		ParentPID:   st.ppid,
		Name:        st.comm,
		ThreadCount: st.threads,
		UserTime:    st.utime * ticksPer100ns / e.clockTicks,
		KernelTime:  st.stime * ticksPer100ns / e.clockTicks,
		WorkingSet:  st.rssPages * e.pageSize,
	}
	if data, err := readInto(filepath.Join(dir, "statm"), buf); err == nil {
		if pages, ok := fieldUint(data, 5); ok {
			record.PrivateBytes = pages * e.pageSize
		}
	}
	return record
}

// readInto reads a small procfs file into buf and returns the filled prefix. Content past
// len(buf) is dropped.
func readInto(path string, buf []byte) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}
