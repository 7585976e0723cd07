package main

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/srodi/procpulse/pkg/config"
	"github.com/srodi/procpulse/pkg/history"
	"github.com/srodi/procpulse/pkg/report"
	"github.com/srodi/procpulse/pkg/store"
	"github.com/srodi/procpulse/pkg/types"
	"github.com/srodi/procpulse/pkg/ui"
)

const sparkWidth = 40

// view is the consumer side of the updater: it folds snapshots into the store and
// history buffers and renders them.
type view struct {
	cfg      config.Config
	store    *store.ProcessStore
	adapters []types.GPUAdapterInfo

	cpu     *history.Buffer[float64]
	mem     *history.Buffer[float64]
	diskIO  *history.Buffer[float64]
	netIO   *history.Buffer[float64]
	gpuUsed *history.Buffer[float64]

	system   types.SystemMetrics
	gpu      []types.GPUMemoryUsage
	took     time.Duration
	at       time.Time
	snapshot int
	paused   bool
	lastErr  error
}

func newView(cfg config.Config, s *store.ProcessStore, adapters []types.GPUAdapterInfo) *view {
	n := cfg.HistoryLength
	return &view{
		cfg:      cfg,
		store:    s,
		adapters: adapters,
		cpu:      history.New[float64](n),
		mem:      history.New[float64](n),
		diskIO:   history.New[float64](n),
		netIO:    history.New[float64](n),
		gpuUsed:  history.New[float64](n),
	}
}

func (v *view) apply(snap types.ProcessSnapshot) {
	v.store.UpdateAt(snap.Records, snap.Timestamp)
	v.system = snap.System
	v.took = snap.CollectDuration
	v.at = snap.Timestamp
	v.snapshot++
	v.lastErr = nil

	at := snap.Timestamp
	v.mem.PushAt(at, snap.System.Memory.UsedPercent)
	if c := snap.System.Counters; c.Valid {
		v.cpu.PushAt(at, c.CPUTotalPercent)
		v.diskIO.PushAt(at, c.DiskReadBytesPerSec+c.DiskWriteBytesPerSec)
		v.netIO.PushAt(at, c.NetRecvBytesPerSec+c.NetSentBytesPerSec)
	}
	// GPU is sampled on a slower cadence; keep the last reading between samples
	if snap.System.GPU != nil {
		v.gpu = snap.System.GPU
		var used float64
		for _, u := range v.gpu {
			if u.Segment == types.SegmentLocal {
				used += float64(u.CurrentUsage)
			}
		}
		v.gpuUsed.PushAt(at, used)
	}
}

func (v *view) render(banner bool) string {
	var buf bytes.Buffer
	if banner {
		buf.WriteString(ui.Banner())
	}
	status := "running"
	if v.paused {
		status = "paused"
	}
	fmt.Fprintf(&buf, "procpulse [%s] (p pause/resume, q quit)\n", status)
	fmt.Fprintf(&buf, "Updated: %s | Interval: %v | Collect: %v | Processes: %d\n",
		v.at.Format(time.RFC3339), v.cfg.Interval, v.took.Round(time.Microsecond), v.store.Count())
	if n := v.store.Truncated(); n > 0 {
		fmt.Fprintf(&buf, "[!] %d processes beyond store capacity %d not shown\n", n, v.store.Capacity())
	}
	if v.lastErr != nil {
		fmt.Fprintf(&buf, "[!] Last collection failed: %v\n", v.lastErr)
	}
	buf.WriteString("\n")

	v.renderSystem(&buf)

	rows := report.BuildRows(v.store, v.system.Memory.TotalBytes)
	hide := v.cfg.Display.HideKernel
	filtered := report.FilterRows(rows, report.FilterConfig{HideKernel: &hide, NameFilter: v.cfg.Display.Filter})
	topK := v.cfg.Display.TopK

	if focus := report.SelectFocusCandidate(filtered); focus != nil {
		fmt.Fprintf(&buf, "\n[!] Focus: %s (pid %d)\n", focus.Name, focus.PID)
		fmt.Fprintf(&buf, "   Reason: %s - %s\n", focus.Diagnosis, report.FocusSummary(*focus))
	} else if len(filtered) == 0 {
		fmt.Fprintf(&buf, "\n[!] No processes matched current filters (topk=%d, hide-kernel=%t)\n", topK, hide)
	}

	fmt.Fprintf(&buf, "\n[Top %d CPU, window %v]\n", topK, v.store.Elapsed().Round(time.Millisecond))
	cpuRows := report.CPUUsageRows(filtered, topK)
	if len(cpuRows) == 0 {
		fmt.Fprintln(&buf, "No CPU samples for this window")
	} else {
		tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PID\tPPID\tNAME\tTHREADS\tCPU(ms)\tCPU(%)\tDiag")
		for _, row := range cpuRows {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%.2f\t%.2f\t%s\n",
				row.PID, row.ParentPID, row.Name, row.Threads, row.CPUMs, row.CPUPercent, row.Diagnosis)
		}
		tw.Flush()
	}

	fmt.Fprintf(&buf, "\n[Top %d Memory]\n", topK)
	memRows := report.MemoryRows(filtered, topK)
	if len(memRows) == 0 {
		fmt.Fprintln(&buf, "No processes")
	} else {
		tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PID\tNAME\tWORKING SET\tPRIVATE\tHANDLES\tRAM(%)\tDiag")
		for _, row := range memRows {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%.1f\t%s\n",
				row.PID, row.Name, humanize.IBytes(row.WorkingSet), humanize.IBytes(row.PrivateBytes),
				row.Handles, row.MemRatio*100, row.Diagnosis)
		}
		tw.Flush()
	}
	return buf.String()
}

func (v *view) renderSystem(buf *bytes.Buffer) {
	m := v.system.Memory
	c := v.system.Counters

	tw := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	if c.Valid {
		fmt.Fprintf(tw, "CPU\t%s\t%s\t%.0f MHz\n", ui.Meter(c.CPUTotalPercent, 20),
			ui.Sparkline(v.cpu.GetAll(), sparkWidth, 100), c.CPUFrequencyMHz)
	} else {
		fmt.Fprintf(tw, "CPU\twarming up\t\t\n")
	}
	fmt.Fprintf(tw, "Memory\t%s\t%s\t%s / %s\n", ui.Meter(m.UsedPercent, 20),
		ui.Sparkline(v.mem.GetAll(), sparkWidth, 100), humanize.IBytes(m.UsedBytes), humanize.IBytes(m.TotalBytes))
	if m.SwapTotalBytes > 0 {
		fmt.Fprintf(tw, "Swap\t\t\t%s / %s\n", humanize.IBytes(m.SwapUsedBytes), humanize.IBytes(m.SwapTotalBytes))
	}
	if c.Valid {
		fmt.Fprintf(tw, "Disk\tR %s/s  W %s/s\t%s\t%.0f r/s  %.0f w/s\n",
			humanize.IBytes(uint64(c.DiskReadBytesPerSec)), humanize.IBytes(uint64(c.DiskWriteBytesPerSec)),
			ui.Sparkline(v.diskIO.GetAll(), sparkWidth, 0), c.DiskReadsPerSec, c.DiskWritesPerSec)
		fmt.Fprintf(tw, "Network\tRx %s/s  Tx %s/s\t%s\t\n",
			humanize.IBytes(uint64(c.NetRecvBytesPerSec)), humanize.IBytes(uint64(c.NetSentBytesPerSec)),
			ui.Sparkline(v.netIO.GetAll(), sparkWidth, 0))
	}
	for _, a := range v.adapters {
		line := fmt.Sprintf("GPU %d\t%s (%s)\t", a.Index, a.Name, a.Vendor)
		for _, u := range v.gpu {
			if u.AdapterIndex == a.Index && u.Segment == types.SegmentLocal {
				line += fmt.Sprintf("%s\t%s / %s", ui.Sparkline(v.gpuUsed.GetAll(), sparkWidth, 0),
					humanize.IBytes(u.CurrentUsage), humanize.IBytes(u.Budget))
			}
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}
