package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/srodi/procpulse/pkg/collector/counters"
	"github.com/srodi/procpulse/pkg/collector/gpu"
	"github.com/srodi/procpulse/pkg/collector/memory"
	"github.com/srodi/procpulse/pkg/collector/process"
	"github.com/srodi/procpulse/pkg/config"
	"github.com/srodi/procpulse/pkg/coordinator"
	"github.com/srodi/procpulse/pkg/logging"
	"github.com/srodi/procpulse/pkg/store"
	"github.com/srodi/procpulse/pkg/updater"
)

type runConfig struct {
	config.Config
	once bool
}

func parseConfig(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("procpulse", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	interval := fs.Duration("interval", config.DefaultInterval, "sampling interval (e.g. 500ms, 2s)")
	topK := fs.Int("topk", config.DefaultTopK, "number of processes to display per section")
	hideKernel := fs.Bool("hide-kernel", true, "hide kernel threads and the System/idle pseudo-processes")
	filter := fs.String("filter", "", "only show processes whose name contains this substring (case-insensitive)")
	noGPU := fs.Bool("no-gpu", false, "skip GPU adapter sampling")
	logLevel := fs.String("log-level", config.DefaultLogLevel, "log level (trace, debug, info, warn, error)")
	logFile := fs.String("log-file", "", "also write logs to this rotating file")
	once := fs.Bool("once", false, "print one snapshot and exit")
	if err := fs.Parse(args); err != nil {
		return runConfig{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return runConfig{}, err
	}
	// explicit flags win over the file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interval":
			cfg.Interval = *interval
		case "topk":
			cfg.Display.TopK = *topK
		case "hide-kernel":
			cfg.Display.HideKernel = *hideKernel
		case "filter":
			cfg.Display.Filter = strings.TrimSpace(*filter)
		case "no-gpu":
			cfg.GPU.Enabled = !*noGPU
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-file":
			cfg.Log.File = *logFile
		}
	})
	if err := config.Validate(&cfg); err != nil {
		return runConfig{}, err
	}
	return runConfig{Config: cfg, once: *once}, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "procpulse: %v\n", err)
		os.Exit(2)
	}

	var logOpts []logging.Option
	console := consoleLogs(cfg)
	if !console {
		logOpts = append(logOpts, logging.WithoutConsole())
	}
	logger, logCloser, err := logging.New(cfg.Log, logOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "procpulse: configuring logger: %v\n", err)
		os.Exit(2)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("procpulse stopped")
		if !console {
			fmt.Fprintf(os.Stderr, "procpulse: %v\n", err)
		}
		logCloser.Close()
		os.Exit(1)
	}
}

// isTerminal allows tests to decide whether stdout is a terminal.
var isTerminal = term.IsTerminal

// consoleLogs reports whether log lines may go to stderr. The live view owns the terminal,
// so it only logs to a file.
func consoleLogs(cfg runConfig) bool {
	return cfg.once || !isTerminal(int(os.Stdout.Fd()))
}

func run(ctx context.Context, cfg runConfig, logger zerolog.Logger) error {
	coord, view, err := buildPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer coord.Close()

	if cfg.once {
		// rates need two samples, so take a priming one first
		if _, err := coord.CollectAll(); err != nil {
			return err
		}
		time.Sleep(cfg.Interval)
		snap, err := coord.CollectAll()
		if err != nil {
			return err
		}
		view.apply(snap)
		_, err = io.WriteString(os.Stdout, view.render(false))
		return err
	}

	cleanupTerminal, keys := enableSingleView(logger)
	defer cleanupTerminal()

	h, msgs := updater.Start(ctx, coord, updater.Config{
		Interval:       cfg.Interval,
		NotifyShutdown: true,
		Logger:         logger,
	})
	defer h.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil
		case k := <-keys:
			switch k {
			case 'q', 'Q', 3: // 3 is Ctrl+C in raw mode
				return nil
			case 'p', 'P':
				if h.State() == updater.StatePaused {
					h.Resume()
					view.paused = false
				} else {
					h.Pause()
					view.paused = true
				}
				draw(view)
			}
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			switch m.Kind {
			case updater.KindSnapshot:
				view.apply(m.Snapshot)
				draw(view)
			case updater.KindError:
				view.lastErr = m.Err
				draw(view)
			case updater.KindShutdown:
				return nil
			}
		}
	}
}

// buildPipeline opens every collector. Only the process enumerator is required;
// counters and GPU degrade to nothing when unavailable.
func buildPipeline(cfg runConfig, logger zerolog.Logger) (*coordinator.Coordinator, *view, error) {
	enum, err := process.NewEnumerator()
	if err != nil {
		return nil, nil, fmt.Errorf("initializing process enumerator: %w", err)
	}
	opts := []coordinator.Option{
		coordinator.WithBudget(cfg.Budget),
		coordinator.WithLogger(logger),
	}

	ctrCfg := counters.Config{CPU: cfg.Counters.CPU, Disk: cfg.Counters.Disk, Network: cfg.Counters.Network}
	if ctrCfg.CPU || ctrCfg.Disk || ctrCfg.Network {
		ctr, err := counters.NewCollector(ctrCfg, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("system counters disabled")
		} else {
			opts = append(opts, coordinator.WithCounters(ctr))
		}
	}

	gpus := gpu.Empty()
	if cfg.GPU.Enabled {
		if g, err := gpu.NewCollector(logger); err != nil {
			logger.Info().Err(err).Msg("no gpu adapters available")
		} else if g.Len() == 0 {
			_ = g.Close()
		} else {
			gpus = g
		}
	}
	if gpus.Len() > 0 {
		opts = append(opts, coordinator.WithGPU(gpus, cfg.GPU.Every))
	}

	coord := coordinator.New(enum, memory.NewReader(), opts...)
	v := newView(cfg.Config, store.New(cfg.StoreCapacity), gpus.AdapterInfo())
	return coord, v, nil
}

func draw(v *view) {
	out := v.render(true)
	if rawMode {
		out = strings.ReplaceAll(out, "\n", "\r\n")
	}
	clearScreen()
	fmt.Print(out)
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

// enableSingleView switches to the alternate screen and puts stdin in raw mode so
// single key presses arrive without Enter. The returned channel carries key bytes.
func enableSingleView(logger zerolog.Logger) (func(), <-chan byte) {
	keys := make(chan byte, 8)
	stdoutFD := int(os.Stdout.Fd())
	stdinFD := int(os.Stdin.Fd())
	if !isTerminal(stdoutFD) {
		return func() {}, keys
	}

	fmt.Print("\033[?1049h") // switch to alternate buffer
	fmt.Print("\033[?25l")   // hide cursor

	var restore []func()
	if isTerminal(stdinFD) {
		if state, err := term.MakeRaw(stdinFD); err != nil {
			logger.Warn().Err(err).Msg("unable to read single key presses")
		} else {
			restore = append(restore, func() { _ = term.Restore(stdinFD, state) })
			rawMode = true
			go readKeys(os.Stdin, keys)
		}
	}

	return func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
		fmt.Print("\033[?25h")   // show cursor
		fmt.Print("\033[?1049l") // restore main buffer
	}, keys
}

// rawMode is set once stdin is in raw mode; output then needs explicit carriage returns.
var rawMode bool

func readKeys(r io.Reader, keys chan<- byte) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return
		}
		if n == 1 {
			keys <- buf[0]
		}
	}
}
