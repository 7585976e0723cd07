// Package coordinator assembles process, memory, counter and GPU readings into one snapshot.
package coordinator

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/srodi/procpulse/pkg/types"
)

// DefaultBudget is the collection time above which a cycle is reported as slow.
const DefaultBudget = 50 * time.Millisecond

// Enumerator lists processes. Reset is called after every successful cycle.
type Enumerator interface {
	Enumerate() ([]types.ProcessRecord, error)
	Reset()
}

// MemoryReader reads machine-wide memory usage.
type MemoryReader interface {
	Read() (types.MemoryMetrics, error)
}

// CounterCollector samples rate counters.
type CounterCollector interface {
	Collect() (types.SystemCounterMetrics, error)
}

// GPUCollector reads adapter memory usage.
type GPUCollector interface {
	CollectMemoryUsage() ([]types.GPUMemoryUsage, error)
}

// CollectError names the stage that failed a cycle.
type CollectError struct {
	Stage string
	Err   error
}

func (e *CollectError) Error() string {
	return fmt.Sprintf("collecting %s: %v", e.Stage, e.Err)
}

func (e *CollectError) Unwrap() error {
	return e.Err
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCounters adds system counter sampling to every cycle.
func WithCounters(c CounterCollector) Option {
	return func(co *Coordinator) { co.counters = c }
}

// WithGPU adds GPU memory sampling every n cycles. n below 1 samples every cycle.
func WithGPU(g GPUCollector, every int) Option {
	return func(co *Coordinator) {
		co.gpu = g
		co.gpuEvery = max(every, 1)
	}
}

// WithBudget overrides DefaultBudget. A zero budget disables the check.
func WithBudget(d time.Duration) Option {
	return func(co *Coordinator) { co.budget = d }
}

// WithLogger sets the logger used for budget and degradation warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(co *Coordinator) { co.logger = l.With().Str("component", "coordinator").Logger() }
}

// Coordinator is driven by a single goroutine; it is not safe for concurrent use.
type Coordinator struct {
	enum     Enumerator
	mem      MemoryReader
	counters CounterCollector
	gpu      GPUCollector
	gpuEvery int
	budget   time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	cycle uint64
}

// New builds a coordinator around the two mandatory collectors.
func New(enum Enumerator, mem MemoryReader, opts ...Option) *Coordinator {
	c := &Coordinator{
		enum:     enum,
		mem:      mem,
		gpuEvery: 1,
		budget:   DefaultBudget,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectAll runs one collection cycle. Enumeration and memory failures fail the cycle;
// counter and GPU failures are logged and leave their part of the snapshot empty.
func (c *Coordinator) CollectAll() (types.ProcessSnapshot, error) {
	start := c.now()
	cycle := c.cycle
	c.cycle++

	records, err := c.enum.Enumerate()
	if err != nil {
		return types.ProcessSnapshot{}, &CollectError{Stage: "processes", Err: err}
	}
	memory, err := c.mem.Read()
	if err != nil {
		return types.ProcessSnapshot{}, &CollectError{Stage: "memory", Err: err}
	}

	snap := types.ProcessSnapshot{
		Timestamp: start,
		Records:   records,
		System:    types.SystemMetrics{Memory: memory},
	}
	if c.counters != nil {
		m, err := c.counters.Collect()
		if err != nil {
			c.logger.Warn().Err(err).Msg("system counters unavailable this cycle")
		} else {
			snap.System.Counters = m
		}
	}
	if c.gpu != nil && cycle%uint64(c.gpuEvery) == 0 {
		usage, err := c.gpu.CollectMemoryUsage()
		if err != nil {
			c.logger.Warn().Err(err).Msg("gpu memory unavailable this cycle")
		} else {
			snap.System.GPU = usage
		}
	}

	snap.CollectDuration = c.now().Sub(start)
	if c.budget > 0 && snap.CollectDuration > c.budget {
		c.logger.Warn().
			Dur("took", snap.CollectDuration).
			Dur("budget", c.budget).
			Int("processes", len(records)).
			Msg("collection exceeded budget")
	}
	c.enum.Reset()
	return snap, nil
}

// Cycles reports how many collection cycles have been attempted.
func (c *Coordinator) Cycles() uint64 {
	return c.cycle
}

// Close closes every collector that holds OS resources.
func (c *Coordinator) Close() error {
	var errs []error
	for _, v := range []any{c.enum, c.mem, c.counters, c.gpu} {
		if cl, ok := v.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
