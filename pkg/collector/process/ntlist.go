package process

import (
	"encoding/binary"
	"unicode/utf16"
	"unsafe"

	"github.com/srodi/procpulse/pkg/types"
)

// Layout of SYSTEM_PROCESS_INFORMATION on 64-bit Windows. Only the fixed header is read;
// the thread array that follows each header is skipped through NextEntryOffset.
const (
	ntRecordSize = 256

	offNextEntry     = 0
	offThreadCount   = 4
	offUserTime      = 40
	offKernelTime    = 48
	offNameLength    = 56
	offNameBuffer    = 64
	offPID           = 80
	offParentPID     = 88
	offHandleCount   = 96
	offWorkingSet    = 144
	offPagefileUsage = 184
	offPrivatePages  = 200
)

// NTSTATUS codes meaning the caller's buffer was too small.
const (
	statusInfoLengthMismatch int32 = -1073741820 // 0xC0000004
	statusBufferTooSmall     int32 = -1073741789 // 0xC0000023
	statusUnsuccessful       int32 = -1073741823 // 0xC0000001
)

const (
	initialBufferSize = 512 << 10
	maxBufferSize     = 1 << 20
)

// cursor is the only way the parser touches the OS-filled buffer. Every read is preceded by
// a check that the whole record lies inside the filled length.
type cursor struct {
	buf []byte
}

func (c cursor) record(off int) (ntRecord, bool) {
	if off < 0 || off > len(c.buf)-ntRecordSize {
		return nil, false
	}
	return ntRecord(c.buf[off : off+ntRecordSize]), true
}

// span returns the bytes addressed by an absolute pointer into the buffer starting at base.
func (c cursor) span(base, ptr uint64, length int) ([]byte, bool) {
	if ptr < base || length <= 0 {
		return nil, false
	}
	start := ptr - base
	if start > uint64(len(c.buf)) || uint64(length) > uint64(len(c.buf))-start {
		return nil, false
	}
	return c.buf[start : start+uint64(length)], true
}

type ntRecord []byte

func (r ntRecord) u16(off int) uint16 { return binary.LittleEndian.Uint16(r[off:]) }
func (r ntRecord) u32(off int) uint32 { return binary.LittleEndian.Uint32(r[off:]) }
func (r ntRecord) u64(off int) uint64 { return binary.LittleEndian.Uint64(r[off:]) }

// walkNTList collects the offsets of every complete record in buf. A record whose header
// would run past the buffer, or a NextEntryOffset too small to clear the current header,
// ends the walk; what was collected so far is returned.
func walkNTList(buf []byte, offsets []int) []int {
	c := cursor{buf: buf}
	off := 0
	for {
		rec, ok := c.record(off)
		if !ok {
			return offsets
		}
		offsets = append(offsets, off)
		next := int(rec.u32(offNextEntry))
		if next == 0 || next < ntRecordSize {
			return offsets
		}
		off += next
	}
}

// decodeNTList decodes the records at offsets. base is the address the OS saw for buf[0];
// image name pointers are translated relative to it.
func decodeNTList(buf []byte, base uint64, offsets []int) []types.ProcessRecord {
	c := cursor{buf: buf}
	records := make([]types.ProcessRecord, len(offsets))
	parallelFor(len(offsets), func(_, lo, hi int) {
		for i := lo; i < hi; i++ {
			records[i] = decodeNTRecord(c, base, offsets[i])
		}
	})
	return dropIdle(records)
}

func decodeNTRecord(c cursor, base uint64, off int) types.ProcessRecord {
	rec, ok := c.record(off)
	if !ok {
		return types.ProcessRecord{}
	}
	return types.ProcessRecord{
		PID:           uint32(rec.u64(offPID)),
		ParentPID:     uint32(rec.u64(offParentPID)),
		Name:          decodeImageName(c, base, rec.u16(offNameLength), rec.u64(offNameBuffer)),
		ThreadCount:   rec.u32(offThreadCount),
		HandleCount:   rec.u32(offHandleCount),
		UserTime:      rec.u64(offUserTime),
		KernelTime:    rec.u64(offKernelTime),
		WorkingSet:    rec.u64(offWorkingSet),
		PagefileUsage: rec.u64(offPagefileUsage),
		PrivateBytes:  rec.u64(offPrivatePages),
	}
}

// decodeImageName decodes a UNICODE_STRING body: length is in bytes and the text is not
// null terminated.
func decodeImageName(c cursor, base uint64, length uint16, ptr uint64) string {
	if ptr == 0 || length < 2 {
		return UnknownName
	}
	raw, ok := c.span(base, ptr, int(length&^1))
	if !ok {
		return UnknownName
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	name := string(utf16.Decode(units))
	if name == "" {
		return UnknownName
	}
	return name
}

// dropIdle removes the idle process (pid 0) and slots left empty by failed decodes.
func dropIdle(records []types.ProcessRecord) []types.ProcessRecord {
	kept := records[:0]
	for _, r := range records {
		if r.PID == 0 {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// querySystemInformation fills buf with the process list and reports the filled length
// and the raw NTSTATUS.
type querySystemInformation func(buf []byte) (filled uint32, status int32)

// ntEnumerator owns the persistent query buffer and offset scratch.
type ntEnumerator struct {
	query   querySystemInformation
	buf     []byte
	offsets []int
}

func newNTEnumerator(query querySystemInformation) *ntEnumerator {
	return &ntEnumerator{
		query:   query,
		buf:     make([]byte, initialBufferSize),
		offsets: make([]int, 0, 1024),
	}
}

func (e *ntEnumerator) enumerate() ([]types.ProcessRecord, error) {
	filled, status := e.query(e.buf)
	if tooSmall(status) {
		if len(e.buf) >= maxBufferSize {
			return nil, &EnumerationError{Op: "querying process information", Status: status}
		}
		e.buf = make([]byte, min(len(e.buf)*2, maxBufferSize))
		filled, status = e.query(e.buf)
	}
	if status < 0 {
		return nil, &EnumerationError{Op: "querying process information", Status: status}
	}
	data := e.buf[:min(int(filled), len(e.buf))]
	e.offsets = walkNTList(data, e.offsets[:0])
	return decodeNTList(data, bufferBase(e.buf), e.offsets), nil
}

// reset drops per-cycle scratch state while keeping the allocations.
func (e *ntEnumerator) reset() {
	e.offsets = e.offsets[:0]
}

// bufferBase is the address the OS writes image name pointers against.
func bufferBase(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

func tooSmall(status int32) bool {
	return status == statusInfoLengthMismatch || status == statusBufferTooSmall
}
