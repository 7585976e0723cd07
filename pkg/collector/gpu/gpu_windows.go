//go:build windows
// +build windows

package gpu

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/srodi/procpulse/pkg/types"
)

var (
	moddxgi                = windows.NewLazySystemDLL("dxgi.dll")
	procCreateDXGIFactory1 = moddxgi.NewProc("CreateDXGIFactory1")

	iidDXGIFactory1 = ole.NewGUID("{770AAE78-F26F-4DBA-A829-253C83D1B387}")
	iidDXGIAdapter3 = ole.NewGUID("{645967A4-1392-4310-A798-8053CE3E93FD}")
)

// vtable slots, counted from IUnknown.
const (
	slotQueryInterface       = 0
	slotEnumAdapters1        = 12
	slotGetDesc1             = 10
	slotQueryVideoMemoryInfo = 14
)

const (
	dxgiErrorNotFound       = 0x887A0002
	dxgiAdapterFlagSoftware = 0x2
	sFalse                  = 0x00000001
)

// dxgiAdapterDesc1 mirrors DXGI_ADAPTER_DESC1.
type dxgiAdapterDesc1 struct {
	Description           [128]uint16
	VendorID              uint32
	DeviceID              uint32
	SubSysID              uint32
	Revision              uint32
	DedicatedVideoMemory  uintptr
	DedicatedSystemMemory uintptr
	SharedSystemMemory    uintptr
	AdapterLuid           windows.LUID
	Flags                 uint32
}

// dxgiQueryVideoMemoryInfo mirrors DXGI_QUERY_VIDEO_MEMORY_INFO.
type dxgiQueryVideoMemoryInfo struct {
	Budget                  uint64
	CurrentUsage            uint64
	AvailableForReservation uint64
	CurrentReservation      uint64
}

type hresult uint32

func (h hresult) Error() string {
	return fmt.Sprintf("hresult 0x%08X", uint32(h))
}

func call(obj *ole.IUnknown, slot int, args ...uintptr) hresult {
	vtbl := (*[slotQueryVideoMemoryInfo + 1]uintptr)(unsafe.Pointer(obj.RawVTable))
	r, _, _ := syscall.SyscallN(vtbl[slot], append([]uintptr{uintptr(unsafe.Pointer(obj))}, args...)...)
	return hresult(r)
}

type dxgiFactory struct {
	obj    *ole.IUnknown
	uninit bool
}

func openPlatformFactory() (factory, error) {
	f := &dxgiFactory{}
	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		var oleErr *ole.OleError
		if !errors.As(err, &oleErr) || (oleErr.Code() != ole.S_OK && oleErr.Code() != sFalse) {
			return nil, fmt.Errorf("CoInitializeEx: %w", err)
		}
	}
	f.uninit = true
	if err := procCreateDXGIFactory1.Find(); err != nil {
		f.Close()
		return nil, err
	}
	var obj *ole.IUnknown
	r, _, _ := procCreateDXGIFactory1.Call(uintptr(unsafe.Pointer(iidDXGIFactory1)), uintptr(unsafe.Pointer(&obj)))
	if r != 0 {
		f.Close()
		return nil, fmt.Errorf("CreateDXGIFactory1: %w", hresult(r))
	}
	f.obj = obj
	return f, nil
}

func (f *dxgiFactory) adapters() ([]adapter, error) {
	var out []adapter
	for i := uint32(0); ; i++ {
		var a1 *ole.IUnknown
		hr := call(f.obj, slotEnumAdapters1, uintptr(i), uintptr(unsafe.Pointer(&a1)))
		if hr == dxgiErrorNotFound {
			return out, nil
		}
		if hr != 0 {
			return out, fmt.Errorf("EnumAdapters1(%d): %w", i, hr)
		}
		var desc dxgiAdapterDesc1
		if hr := call(a1, slotGetDesc1, uintptr(unsafe.Pointer(&desc))); hr != 0 {
			a1.Release()
			continue
		}
		if desc.Flags&dxgiAdapterFlagSoftware != 0 {
			a1.Release()
			continue
		}
		a := &dxgiAdapter{adapter1: a1, desc: desc}
		// IDXGIAdapter3 needs Windows 10; without it the adapter still reports static facts.
		var a3 *ole.IUnknown
		if hr := call(a1, slotQueryInterface, uintptr(unsafe.Pointer(iidDXGIAdapter3)), uintptr(unsafe.Pointer(&a3))); hr == 0 {
			a.adapter3 = a3
		}
		out = append(out, a)
	}
}

func (f *dxgiFactory) Close() error {
	if f.obj != nil {
		f.obj.Release()
		f.obj = nil
	}
	if f.uninit {
		ole.CoUninitialize()
		f.uninit = false
	}
	return nil
}

type dxgiAdapter struct {
	adapter1 *ole.IUnknown
	adapter3 *ole.IUnknown
	desc     dxgiAdapterDesc1
}

func (a *dxgiAdapter) describe() types.GPUAdapterInfo {
	return types.GPUAdapterInfo{
		Name:            windows.UTF16ToString(a.desc.Description[:]),
		VendorID:        a.desc.VendorID,
		DeviceID:        a.desc.DeviceID,
		DedicatedMemory: uint64(a.desc.DedicatedVideoMemory),
		SharedMemory:    uint64(a.desc.SharedSystemMemory),
	}
}

func (a *dxgiAdapter) memory(seg types.MemorySegment) (uint64, uint64, error) {
	if a.adapter3 == nil {
		return 0, 0, errors.New("IDXGIAdapter3 not available")
	}
	group := uintptr(0)
	if seg == types.SegmentNonLocal {
		group = 1
	}
	var info dxgiQueryVideoMemoryInfo
	if hr := call(a.adapter3, slotQueryVideoMemoryInfo, 0, group, uintptr(unsafe.Pointer(&info))); hr != 0 {
		return 0, 0, fmt.Errorf("QueryVideoMemoryInfo: %w", hr)
	}
	return info.CurrentUsage, info.Budget, nil
}

func (a *dxgiAdapter) release() error {
	if a.adapter3 != nil {
		a.adapter3.Release()
		a.adapter3 = nil
	}
	if a.adapter1 != nil {
		a.adapter1.Release()
		a.adapter1 = nil
	}
	return nil
}
