package process

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        uint64
	ppid       uint64
	name       string
	threads    uint32
	handles    uint32
	user       uint64
	kernel     uint64
	workingSet uint64
	pagefile   uint64
	private    uint64
}

// writeNTList lays procs out as consecutive SYSTEM_PROCESS_INFORMATION records in buf, with
// each image name stored right after its header, and returns the filled length.
func writeNTList(buf []byte, procs []fakeProcess) int {
	le := binary.LittleEndian
	base := bufferBase(buf)
	off := 0
	for i, p := range procs {
		units := utf16.Encode([]rune(p.name))
		nameLen := len(units) * 2
		size := ntRecordSize + (nameLen+7)&^7
		rec := buf[off : off+size]
		clear(rec)
		if i < len(procs)-1 {
			le.PutUint32(rec[offNextEntry:], uint32(size))
		}
		le.PutUint32(rec[offThreadCount:], p.threads)
		le.PutUint64(rec[offUserTime:], p.user)
		le.PutUint64(rec[offKernelTime:], p.kernel)
		le.PutUint64(rec[offPID:], p.pid)
		le.PutUint64(rec[offParentPID:], p.ppid)
		le.PutUint32(rec[offHandleCount:], p.handles)
		le.PutUint64(rec[offWorkingSet:], p.workingSet)
		le.PutUint64(rec[offPagefileUsage:], p.pagefile)
		le.PutUint64(rec[offPrivatePages:], p.private)
		if nameLen > 0 {
			le.PutUint16(rec[offNameLength:], uint16(nameLen))
			le.PutUint16(rec[offNameLength+2:], uint16(nameLen))
			le.PutUint64(rec[offNameBuffer:], base+uint64(off+ntRecordSize))
			for j, u := range units {
				le.PutUint16(rec[ntRecordSize+2*j:], u)
			}
		}
		off += size
	}
	return off
}

func parseAll(buf []byte, filled int) ([]int, int) {
	offsets := walkNTList(buf[:filled], nil)
	return offsets, len(decodeNTList(buf[:filled], bufferBase(buf), offsets))
}

func sampleProcesses() []fakeProcess {
	return []fakeProcess{
		{pid: 0, name: ""},
		{pid: 4, name: "System", threads: 200, handles: 5000},
		{pid: 812, ppid: 4, name: "smss.exe", threads: 2, user: 10, kernel: 20, workingSet: 1 << 20},
		{pid: 4120, ppid: 812, name: "explorer.exe", threads: 80, handles: 3000, user: 5_000_000, kernel: 2_500_000,
			workingSet: 150 << 20, pagefile: 90 << 20, private: 88 << 20},
		{pid: 5000, ppid: 4120, name: ""},
	}
}

func TestDecodeNTListSkipsIdleAndDecodesFields(t *testing.T) {
	buf := make([]byte, 1<<16)
	filled := writeNTList(buf, sampleProcesses())

	offsets := walkNTList(buf[:filled], nil)
	require.Len(t, offsets, 5)

	records := decodeNTList(buf[:filled], bufferBase(buf), offsets)
	require.Len(t, records, 4)
	require.Equal(t, uint32(4), records[0].PID)
	require.Equal(t, "System", records[0].Name)

	explorer := records[2]
	require.Equal(t, "explorer.exe", explorer.Name)
	require.Equal(t, uint32(4120), explorer.PID)
	require.Equal(t, uint32(812), explorer.ParentPID)
	require.Equal(t, uint32(80), explorer.ThreadCount)
	require.Equal(t, uint32(3000), explorer.HandleCount)
	require.Equal(t, uint64(5_000_000), explorer.UserTime)
	require.Equal(t, uint64(2_500_000), explorer.KernelTime)
	require.Equal(t, uint64(150<<20), explorer.WorkingSet)
	require.Equal(t, uint64(90<<20), explorer.PagefileUsage)
	require.Equal(t, uint64(88<<20), explorer.PrivateBytes)

	require.Equal(t, UnknownName, records[3].Name, "missing name should use the sentinel")
}

func TestWalkNTListTruncatesAtCorruptOffset(t *testing.T) {
	procs := make([]fakeProcess, 6)
	for i := range procs {
		procs[i] = fakeProcess{pid: uint64(100 + i), name: fmt.Sprintf("p%d", i)}
	}
	cases := []struct {
		name string
		next uint32
	}{
		{"pastEnd", 0x7fffffff},
		{"justPastEnd", 1 << 16},
		{"overlapping", 8},
		{"selfLoop", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			corrupt := make([]byte, 1<<16)
			filled := writeNTList(corrupt, procs)
			// corrupt the third record's link
			third := walkNTList(corrupt[:filled], nil)[2]
			binary.LittleEndian.PutUint32(corrupt[third+offNextEntry:], tc.next)

			offsets := walkNTList(corrupt[:filled], nil)
			require.Len(t, offsets, 3)
			for _, off := range offsets {
				require.LessOrEqual(t, off+ntRecordSize, filled)
			}
			records := decodeNTList(corrupt[:filled], bufferBase(corrupt), offsets)
			require.Len(t, records, 3)
			require.Equal(t, "p2", records[2].Name)
		})
	}
}

func TestWalkNTListDropsShortTrailingRecord(t *testing.T) {
	buf := make([]byte, 1<<16)
	filled := writeNTList(buf, sampleProcesses())
	offsets := walkNTList(buf[:filled], nil)
	last := offsets[len(offsets)-1]

	short, count := parseAll(buf, last+ntRecordSize-1)
	require.Len(t, short, len(offsets)-1)
	require.Equal(t, 3, count)

	empty := walkNTList(buf[:ntRecordSize-1], nil)
	require.Empty(t, empty)
}

func TestDecodeImageNameBounds(t *testing.T) {
	buf := make([]byte, 1<<12)
	filled := writeNTList(buf, []fakeProcess{{pid: 7, name: "svchost.exe"}})
	base := bufferBase(buf)
	c := cursor{buf: buf[:filled]}
	rec, ok := c.record(0)
	require.True(t, ok)
	ptr := rec.u64(offNameBuffer)
	length := rec.u16(offNameLength)

	require.Equal(t, "svchost.exe", decodeImageName(c, base, length, ptr))
	require.Equal(t, "svchost.ex", decodeImageName(c, base, length-1, ptr), "odd length drops the partial unit")
	require.Equal(t, UnknownName, decodeImageName(c, base, length, 0))
	require.Equal(t, UnknownName, decodeImageName(c, base, 0, ptr))
	require.Equal(t, UnknownName, decodeImageName(c, base, length, base-2))
	require.Equal(t, UnknownName, decodeImageName(c, base, length, base+uint64(filled)))
	require.Equal(t, UnknownName, decodeImageName(c, base, 0xFFFE, ptr))
}

func TestDecodeNTListParallelKeepsOrder(t *testing.T) {
	procs := make([]fakeProcess, 1000)
	for i := range procs {
		procs[i] = fakeProcess{pid: uint64(i + 1), name: fmt.Sprintf("worker-%04d", i), threads: uint32(i % 7)}
	}
	buf := make([]byte, 1<<20)
	filled := writeNTList(buf, procs)

	offsets := walkNTList(buf[:filled], nil)
	require.Len(t, offsets, 1000)
	records := decodeNTList(buf[:filled], bufferBase(buf), offsets)
	require.Len(t, records, 1000)
	for i, r := range records {
		require.Equal(t, uint32(i+1), r.PID)
		require.Equal(t, fmt.Sprintf("worker-%04d", i), r.Name)
		require.Equal(t, uint32(i%7), r.ThreadCount)
	}
}

func TestNTEnumeratorGrowsBufferOnce(t *testing.T) {
	calls := 0
	e := newNTEnumerator(func(buf []byte) (uint32, int32) {
		calls++
		if len(buf) < maxBufferSize {
			return maxBufferSize, statusInfoLengthMismatch
		}
		return uint32(writeNTList(buf, sampleProcesses())), 0
	})

	records, err := e.enumerate()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, 2, calls)
	require.Len(t, e.buf, maxBufferSize)

	// the grown buffer is kept for later cycles
	e.reset()
	records, err = e.enumerate()
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, 3, calls)
}

func TestNTEnumeratorFailsWhenStillTooSmall(t *testing.T) {
	calls := 0
	e := newNTEnumerator(func(buf []byte) (uint32, int32) {
		calls++
		return 0, statusBufferTooSmall
	})

	_, err := e.enumerate()
	var enumErr *EnumerationError
	require.True(t, errors.As(err, &enumErr))
	require.Equal(t, statusBufferTooSmall, enumErr.Status)
	require.Equal(t, 2, calls, "exactly one retry")
	require.Contains(t, err.Error(), "0xC0000023")
}

func TestNTEnumeratorReportsStatus(t *testing.T) {
	e := newNTEnumerator(func(buf []byte) (uint32, int32) {
		return 0, statusUnsuccessful
	})
	_, err := e.enumerate()
	var enumErr *EnumerationError
	require.ErrorAs(t, err, &enumErr)
	require.Equal(t, statusUnsuccessful, enumErr.Status)
}

func TestNTEnumeratorClampsFilledLength(t *testing.T) {
	e := newNTEnumerator(func(buf []byte) (uint32, int32) {
		writeNTList(buf, sampleProcesses())
		return uint32(len(buf) * 4), 0
	})
	records, err := e.enumerate()
	require.NoError(t, err)
	require.Len(t, records, 4)
}

func TestParallelForCoversRange(t *testing.T) {
	for _, n := range []int{0, 1, parallelThreshold, parallelThreshold + 1, 1000, 4097} {
		hits := make([]int, n)
		parallelFor(n, func(_, lo, hi int) {
			for i := lo; i < hi; i++ {
				hits[i]++
			}
		})
		for i, h := range hits {
			if h != 1 {
				t.Fatalf("n=%d: index %d visited %d times", n, i, h)
			}
		}
	}
}
