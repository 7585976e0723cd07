// Package gpu enumerates display adapters and reads their memory usage and budgets.
package gpu

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/srodi/procpulse/pkg/types"
)

// Vendor IDs with a known name.
const (
	VendorNVIDIA  = 0x10DE
	VendorAMD     = 0x1002
	VendorAMDAlt  = 0x1022
	VendorIntel   = 0x8086
	UnknownVendor = "Unknown"
)

var errClosed = errors.New("gpu collector is closed")

// VendorName maps a PCI vendor ID to a display name.
func VendorName(id uint32) string {
	switch id {
	case VendorNVIDIA:
		return "NVIDIA"
	case VendorAMD, VendorAMDAlt:
		return "AMD"
	case VendorIntel:
		return "Intel"
	default:
		return UnknownVendor
	}
}

// adapter is one open adapter handle.
type adapter interface {
	// describe fills the static facts; Index and Vendor are set by the collector.
	describe() types.GPUAdapterInfo
	// memory returns current usage and budget for a segment.
	memory(seg types.MemorySegment) (usage, budget uint64, err error)
	release() error
}

// factory enumerates adapters. It is kept open for the collector's lifetime.
type factory interface {
	adapters() ([]adapter, error)
	Close() error
}

// openFactory allows tests to replace the platform adapter source.
var openFactory = openPlatformFactory

// Collector holds one handle per adapter present at construction time.
type Collector struct {
	f        factory
	adapters []adapter
	info     []types.GPUAdapterInfo
	logger   zerolog.Logger
	closed   bool
}

// NewCollector creates the adapter factory and opens every adapter. It fails only when
// the factory cannot be created; an enumeration error leaves the collector empty. An empty
// collector releases the factory before returning.
func NewCollector(logger zerolog.Logger) (*Collector, error) {
	logger = logger.With().Str("component", "gpu").Logger()
	f, err := openFactory()
	if err != nil {
		return nil, fmt.Errorf("creating adapter factory: %w", err)
	}
	c := &Collector{f: f, logger: logger}
	list, err := f.adapters()
	if err != nil {
		logger.Warn().Err(err).Msg("enumerating adapters")
	}
	for _, a := range list {
		info := a.describe()
		info.Index = len(c.info)
		info.Vendor = VendorName(info.VendorID)
		c.adapters = append(c.adapters, a)
		c.info = append(c.info, info)
	}
	if len(c.adapters) == 0 {
		// nothing to query, so the factory is not held open
		if err := f.Close(); err != nil {
			logger.Debug().Err(err).Msg("releasing adapter factory")
		}
		c.f = nil
	}
	logger.Debug().Int("adapters", len(c.adapters)).Msg("gpu adapters opened")
	return c, nil
}

// Empty returns a collector with no adapters, for machines where none can be opened.
func Empty() *Collector {
	return &Collector{logger: zerolog.Nop()}
}

// AdapterInfo returns the static facts for every adapter.
func (c *Collector) AdapterInfo() []types.GPUAdapterInfo {
	out := make([]types.GPUAdapterInfo, len(c.info))
	copy(out, c.info)
	return out
}

// Len reports the number of open adapters.
func (c *Collector) Len() int {
	return len(c.adapters)
}

var segments = [...]types.MemorySegment{types.SegmentLocal, types.SegmentNonLocal}

// CollectMemoryUsage queries every adapter for each memory segment. A segment an adapter
// cannot report is skipped.
func (c *Collector) CollectMemoryUsage() ([]types.GPUMemoryUsage, error) {
	if c.closed {
		return nil, errClosed
	}
	out := make([]types.GPUMemoryUsage, 0, len(c.adapters)*len(segments))
	for i, a := range c.adapters {
		for _, seg := range segments {
			usage, budget, err := a.memory(seg)
			if err != nil {
				c.logger.Debug().Err(err).Int("adapter", i).Stringer("segment", seg).Msg("querying video memory")
				continue
			}
			out = append(out, types.GPUMemoryUsage{
				AdapterIndex: i,
				Segment:      seg,
				CurrentUsage: usage,
				Budget:       budget,
			})
		}
	}
	return out, nil
}

// Close releases every adapter and then the factory. Later calls are no-ops.
func (c *Collector) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, a := range c.adapters {
		if err := a.release(); err != nil {
			errs = append(errs, err)
		}
	}
	c.adapters = nil
	if c.f != nil {
		if err := c.f.Close(); err != nil {
			errs = append(errs, err)
		}
		c.f = nil
	}
	return errors.Join(errs...)
}
