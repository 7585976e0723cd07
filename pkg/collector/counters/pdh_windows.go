//go:build windows
// +build windows

package counters

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modpdh                          = windows.NewLazySystemDLL("pdh.dll")
	procPdhOpenQueryW               = modpdh.NewProc("PdhOpenQueryW")
	procPdhAddEnglishCounterW       = modpdh.NewProc("PdhAddEnglishCounterW")
	procPdhRemoveCounter            = modpdh.NewProc("PdhRemoveCounter")
	procPdhCollectQueryData         = modpdh.NewProc("PdhCollectQueryData")
	procPdhGetFormattedCounterValue = modpdh.NewProc("PdhGetFormattedCounterValue")
	procPdhGetFormattedCounterArray = modpdh.NewProc("PdhGetFormattedCounterArrayW")
	procPdhCloseQuery               = modpdh.NewProc("PdhCloseQuery")
)

const (
	pdhFmtDouble   = 0x00000200
	pdhFmtNoCap100 = 0x00008000

	pdhMoreData                = 0x800007D2
	pdhNoData                  = 0x800007D5
	pdhCalcNegativeDenominator = 0x800007D6
	pdhInvalidData             = 0xC0000BC6

	pdhCStatusValidData = 0x00000000
	pdhCStatusNewData   = 0x00000001
)

type pdhStatus uint32

func (s pdhStatus) Error() string {
	return fmt.Sprintf("pdh status 0x%08X", uint32(s))
}

// pdhFmtCounterValueDouble mirrors PDH_FMT_COUNTERVALUE with the double arm of the union.
type pdhFmtCounterValueDouble struct {
	CStatus uint32
	_       uint32
	Value   float64
}

// pdhFmtCounterValueItemDouble mirrors PDH_FMT_COUNTERVALUE_ITEM_W.
type pdhFmtCounterValueItemDouble struct {
	Name  *uint16
	Value pdhFmtCounterValueDouble
}

type pdhCounter struct {
	path     string
	handle   uintptr
	wildcard bool
	active   bool
}

// pdhQuery is a PDH query session. Inactive counters are removed from the query so that
// PdhCollectQueryData skips them, and re-added when switched back on.
type pdhQuery struct {
	handle   uintptr
	counters []*pdhCounter
	samples  int
	buf      []byte
}

func openPlatformQuery() (query, error) {
	if err := procPdhOpenQueryW.Find(); err != nil {
		return nil, err
	}
	var h uintptr
	r, _, _ := procPdhOpenQueryW.Call(0, 0, uintptr(unsafe.Pointer(&h)))
	if r != 0 {
		return nil, fmt.Errorf("PdhOpenQuery: %w", pdhStatus(r))
	}
	return &pdhQuery{handle: h}, nil
}

func (q *pdhQuery) add(path string) (uintptr, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var h uintptr
	r, _, _ := procPdhAddEnglishCounterW.Call(q.handle, uintptr(unsafe.Pointer(p)), 0, uintptr(unsafe.Pointer(&h)))
	if r != 0 {
		return 0, fmt.Errorf("PdhAddEnglishCounter %s: %w", path, pdhStatus(r))
	}
	return h, nil
}

func (q *pdhQuery) AddCounter(path string) (counterID, error) {
	if q.handle == 0 {
		return 0, errClosed
	}
	p, err := parseCounterPath(path)
	if err != nil {
		return 0, err
	}
	h, err := q.add(path)
	if err != nil {
		return 0, err
	}
	q.counters = append(q.counters, &pdhCounter{path: path, handle: h, wildcard: p.Instance == "*", active: true})
	return counterID(len(q.counters) - 1), nil
}

func (q *pdhQuery) SetActive(id counterID, active bool) {
	if q.handle == 0 || int(id) < 0 || int(id) >= len(q.counters) {
		return
	}
	c := q.counters[id]
	if c.active == active {
		return
	}
	if !active {
		procPdhRemoveCounter.Call(c.handle)
		c.handle = 0
		c.active = false
		return
	}
	h, err := q.add(c.path)
	if err != nil {
		return
	}
	c.handle = h
	c.active = true
}

func (q *pdhQuery) Collect() error {
	if q.handle == 0 {
		return errClosed
	}
	r, _, _ := procPdhCollectQueryData.Call(q.handle)
	// PDH_NO_DATA only means the query has no counters left
	if r != 0 && r != pdhNoData {
		return fmt.Errorf("PdhCollectQueryData: %w", pdhStatus(r))
	}
	q.samples++
	return nil
}

func (q *pdhQuery) Value(id counterID) (float64, error) {
	if q.handle == 0 {
		return 0, errClosed
	}
	if int(id) < 0 || int(id) >= len(q.counters) {
		return 0, fmt.Errorf("unknown counter %d", id)
	}
	c := q.counters[id]
	if !c.active || q.samples < 2 {
		return 0, errNoData
	}
	if c.wildcard {
		return q.sumArray(c)
	}
	var v pdhFmtCounterValueDouble
	r, _, _ := procPdhGetFormattedCounterValue.Call(c.handle, pdhFmtDouble|pdhFmtNoCap100, 0, uintptr(unsafe.Pointer(&v)))
	if r == pdhInvalidData || r == pdhCalcNegativeDenominator {
		return 0, errNoData
	}
	if r != 0 {
		return 0, fmt.Errorf("PdhGetFormattedCounterValue %s: %w", c.path, pdhStatus(r))
	}
	if v.CStatus != pdhCStatusValidData && v.CStatus != pdhCStatusNewData {
		return 0, errNoData
	}
	return v.Value, nil
}

// sumArray adds up every instance of a wildcard counter. The buffer grows to whatever size
// PDH asks for and is kept for later calls.
func (q *pdhQuery) sumArray(c *pdhCounter) (float64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		size := uint32(len(q.buf))
		var count uint32
		var ptr uintptr
		if size > 0 {
			ptr = uintptr(unsafe.Pointer(&q.buf[0]))
		}
		r, _, _ := procPdhGetFormattedCounterArray.Call(c.handle, pdhFmtDouble|pdhFmtNoCap100,
			uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&count)), ptr)
		switch {
		case r == pdhMoreData:
			q.buf = make([]byte, size)
			continue
		case r == pdhInvalidData || r == pdhNoData:
			return 0, errNoData
		case r != 0:
			return 0, fmt.Errorf("PdhGetFormattedCounterArray %s: %w", c.path, pdhStatus(r))
		}
		if count == 0 {
			return 0, nil
		}
		items := unsafe.Slice((*pdhFmtCounterValueItemDouble)(unsafe.Pointer(&q.buf[0])), count)
		var total float64
		for _, it := range items {
			if it.Value.CStatus == pdhCStatusValidData || it.Value.CStatus == pdhCStatusNewData {
				total += it.Value.Value
			}
		}
		return total, nil
	}
	return 0, fmt.Errorf("PdhGetFormattedCounterArray %s: %w", c.path, pdhStatus(pdhMoreData))
}

func (q *pdhQuery) Close() error {
	if q.handle == 0 {
		return nil
	}
	r, _, _ := procPdhCloseQuery.Call(q.handle)
	q.handle = 0
	q.counters = nil
	if r != 0 {
		return fmt.Errorf("PdhCloseQuery: %w", pdhStatus(r))
	}
	return nil
}
