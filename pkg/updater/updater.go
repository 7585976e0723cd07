// Package updater runs a collector on a fixed interval in its own goroutine and
// publishes the results on a channel.
package updater

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/srodi/procpulse/pkg/types"
)

const (
	DefaultInterval = time.Second
	DefaultBuffer   = 16
)

// Collector produces one snapshot per call. It is only ever called from the updater
// goroutine.
type Collector interface {
	CollectAll() (types.ProcessSnapshot, error)
}

// Kind tags a Message.
type Kind int

const (
	KindSnapshot Kind = iota
	KindError
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindError:
		return "error"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one item on the publish channel. Snapshot is set for KindSnapshot and
// Err for KindError.
type Message struct {
	Kind     Kind
	Snapshot types.ProcessSnapshot
	Err      error
}

// State is the updater lifecycle state.
type State int32

const (
	StateActive State = iota
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type signal int

const (
	sigPause signal = iota
	sigResume
	sigShutdown
)

// Config controls the loop.
type Config struct {
	// Interval between the starts of consecutive collections.
	Interval time.Duration
	// Buffer is the capacity of the publish channel.
	Buffer int
	// NotifyShutdown sends a final KindShutdown message before the channel closes.
	NotifyShutdown bool
	Logger         zerolog.Logger
}

// Handle controls a running updater.
type Handle struct {
	control chan signal
	done    chan struct{}
	state   atomic.Int32
}

// Start launches the updater goroutine. Cancelling ctx stops the loop without a
// shutdown message; use it when the consumer is no longer interested. The returned
// channel is closed when the loop exits.
func Start(ctx context.Context, c Collector, cfg Config) (*Handle, <-chan Message) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	} else if cfg.Buffer == 0 {
		cfg.Buffer = DefaultBuffer
	}
	h := &Handle{
		control: make(chan signal, 4),
		done:    make(chan struct{}),
	}
	out := make(chan Message, cfg.Buffer)
	l := &loop{
		ctx:      ctx,
		c:        c,
		cfg:      cfg,
		h:        h,
		out:      out,
		logger:   cfg.Logger.With().Str("component", "updater").Logger(),
		interval: cfg.Interval,
	}
	go l.run()
	return h, out
}

// Pause stops collection after the current cycle.
func (h *Handle) Pause() { h.send(sigPause) }

// Resume restarts collection after Pause.
func (h *Handle) Resume() { h.send(sigResume) }

// Shutdown stops the loop and waits for the goroutine to exit.
func (h *Handle) Shutdown() {
	h.send(sigShutdown)
	<-h.done
}

// Wait blocks until the loop has exited.
func (h *Handle) Wait() { <-h.done }

// Done is closed when the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State reports the current lifecycle state.
func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) send(s signal) {
	select {
	case h.control <- s:
	case <-h.done:
	}
}

type loop struct {
	ctx      context.Context
	c        Collector
	cfg      Config
	h        *Handle
	out      chan Message
	logger   zerolog.Logger
	interval time.Duration
}

func (l *loop) state() State { return State(l.h.state.Load()) }

func (l *loop) apply(s signal) {
	prev := l.state()
	next := prev
	switch s {
	case sigPause:
		if prev == StateActive {
			next = StatePaused
		}
	case sigResume:
		if prev == StatePaused {
			next = StateActive
		}
	case sigShutdown:
		next = StateTerminated
	}
	if next != prev {
		l.h.state.Store(int32(next))
		l.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("state change")
	}
}

// drain applies every pending control signal without blocking.
func (l *loop) drain() {
	for {
		select {
		case s := <-l.control():
			l.apply(s)
		default:
			return
		}
	}
}

func (l *loop) control() <-chan signal { return l.h.control }

func (l *loop) run() {
	defer func() {
		l.h.state.Store(int32(StateTerminated))
		close(l.out)
		close(l.h.done)
	}()
	l.logger.Debug().Dur("interval", l.interval).Msg("updater started")

	for {
		l.drain()
		switch l.state() {
		case StateTerminated:
			l.notifyShutdown()
			return
		case StatePaused:
			select {
			case s := <-l.control():
				l.apply(s)
			case <-l.ctx.Done():
				return
			}
			continue
		}
		if l.ctx.Err() != nil {
			return
		}

		start := time.Now()
		snap, err := l.c.CollectAll()
		msg := Message{Kind: KindSnapshot, Snapshot: snap}
		if err != nil {
			l.logger.Warn().Err(err).Msg("collection failed")
			msg = Message{Kind: KindError, Err: err}
		}
		if !l.publish(msg) {
			if l.state() == StateTerminated {
				l.notifyShutdown()
			}
			return
		}

		residual := l.interval - time.Since(start)
		if residual <= 0 {
			// overran the interval: start the next cycle immediately
			continue
		}
		if !l.sleep(residual) {
			return
		}
	}
}

// publish delivers msg, applying control signals while the consumer is slow. It
// returns false when the loop must exit.
func (l *loop) publish(msg Message) bool {
	for {
		select {
		case l.out <- msg:
			return true
		case s := <-l.control():
			l.apply(s)
			if l.state() == StateTerminated {
				return false
			}
		case <-l.ctx.Done():
			return false
		}
	}
}

// sleep waits for d, waking early for control signals. A pause, resume or shutdown
// received while sleeping takes effect on the next iteration.
func (l *loop) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case s := <-l.control():
			l.apply(s)
			if l.state() != StateActive {
				return true
			}
		case <-l.ctx.Done():
			return false
		}
	}
}

func (l *loop) notifyShutdown() {
	l.logger.Debug().Msg("updater shutting down")
	if !l.cfg.NotifyShutdown {
		return
	}
	t := time.NewTimer(l.interval)
	defer t.Stop()
	select {
	case l.out <- Message{Kind: KindShutdown}:
	case <-l.ctx.Done():
	case <-t.C:
		l.logger.Warn().Msg("consumer not draining, shutdown notice dropped")
	}
}
