//go:build linux
// +build linux

package gpu

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/srodi/procpulse/pkg/types"
)

// drmRoot is the DRM class directory; tests point it at a fake tree.
var drmRoot = "/sys/class/drm"

var errNoMemoryInfo = errors.New("driver does not export memory info")

type drmFactory struct {
	root string
}

func openPlatformFactory() (factory, error) {
	if _, err := os.Stat(drmRoot); err != nil {
		return nil, err
	}
	return &drmFactory{root: drmRoot}, nil
}

// adapters returns one entry per cardN directory. Connector entries such as card0-DP-1
// and render nodes are ignored.
func (f *drmFactory) adapters() ([]adapter, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.root, err)
	}
	type card struct {
		n   int
		dir string
	}
	var cards []card
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "card") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "card"))
		if err != nil {
			continue
		}
		cards = append(cards, card{n: n, dir: filepath.Join(f.root, name, "device")})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].n < cards[j].n })

	out := make([]adapter, 0, len(cards))
	for _, c := range cards {
		vendor, err := readHex(filepath.Join(c.dir, "vendor"))
		if err != nil {
			continue
		}
		device, _ := readHex(filepath.Join(c.dir, "device"))
		out = append(out, &drmAdapter{dir: c.dir, card: c.n, vendorID: vendor, deviceID: device})
	}
	return out, nil
}

func (f *drmFactory) Close() error { return nil }

type drmAdapter struct {
	dir      string
	card     int
	vendorID uint32
	deviceID uint32
}

func (a *drmAdapter) describe() types.GPUAdapterInfo {
	info := types.GPUAdapterInfo{
		VendorID: a.vendorID,
		DeviceID: a.deviceID,
		Name:     a.name(),
	}
	info.DedicatedMemory, _ = readUint(filepath.Join(a.dir, "mem_info_vram_total"))
	info.SharedMemory, _ = readUint(filepath.Join(a.dir, "mem_info_gtt_total"))
	return info
}

func (a *drmAdapter) name() string {
	if b, err := os.ReadFile(filepath.Join(a.dir, "product_name")); err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			return s
		}
	}
	return fmt.Sprintf("%s [%04x:%04x] card%d", VendorName(a.vendorID), a.vendorID, a.deviceID, a.card)
}

func (a *drmAdapter) memory(seg types.MemorySegment) (uint64, uint64, error) {
	prefix := "mem_info_vram_"
	if seg == types.SegmentNonLocal {
		prefix = "mem_info_gtt_"
	}
	used, err := readUint(filepath.Join(a.dir, prefix+"used"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, errNoMemoryInfo
		}
		return 0, 0, err
	}
	total, err := readUint(filepath.Join(a.dir, prefix+"total"))
	if err != nil {
		return 0, 0, err
	}
	return used, total, nil
}

func (a *drmAdapter) release() error { return nil }

func readHex(path string) (uint32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimPrefix(strings.TrimSpace(string(b)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint32(v), nil
}

func readUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}
