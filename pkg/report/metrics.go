package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/srodi/procpulse/pkg/store"
)

// ProcRow condenses one store slot into the fields the CLI tables show.
type ProcRow struct {
	PID          uint32
	ParentPID    uint32
	Name         string
	Threads      uint32
	Handles      uint32
	CPUMs        float64
	CPUPercent   float64
	WorkingSet   uint64
	PrivateBytes uint64
	MemRatio     float64
	Diagnosis    string
}

// FilterConfig controls which processes appear in CLI tables.
type FilterConfig struct {
	HideKernel *bool // nil defaults to true so kernel threads stay hidden unless explicitly shown
	NameFilter string
}

func (cfg FilterConfig) hideKernelEnabled() bool {
	if cfg.HideKernel == nil {
		return true
	}
	return *cfg.HideKernel
}

// BuildRows reads every live slot of s. totalMem is the machine's physical memory and
// scales MemRatio; zero leaves the ratio at zero.
func BuildRows(s *store.ProcessStore, totalMem uint64) []ProcRow {
	rows := make([]ProcRow, 0, s.Count())
	for i := 0; i < s.Count(); i++ {
		var row ProcRow
		row.PID, _ = s.PID(i)
		row.ParentPID, _ = s.ParentPID(i)
		row.Name, _ = s.Name(i)
		row.Threads, _ = s.ThreadCount(i)
		row.Handles, _ = s.HandleCount(i)
		row.WorkingSet, _ = s.WorkingSet(i)
		row.PrivateBytes, _ = s.PrivateBytes(i)
		row.CPUPercent, _ = s.CPUPercent(i)
		delta, _ := s.CPUDelta(i)
		// deltas are in 100ns ticks
		row.CPUMs = float64(delta) / 1e4
		if totalMem > 0 {
			row.MemRatio = float64(row.WorkingSet) / float64(totalMem)
		}
		row.Diagnosis = classifyProc(&row)
		rows = append(rows, row)
	}
	return rows
}

// FilterRows applies HideKernel/name filters before ranking tables.
func FilterRows(rows []ProcRow, cfg FilterConfig) []ProcRow {
	filtered := make([]ProcRow, 0, len(rows))
	for _, row := range rows {
		if passesFilters(row, cfg) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

// CPUUsageRows returns the busiest rows up to topK, skipping idle processes.
func CPUUsageRows(rows []ProcRow, topK int) []ProcRow {
	candidates := make([]ProcRow, 0, len(rows))
	for _, row := range rows {
		if row.CPUMs == 0 {
			continue
		}
		candidates = append(candidates, row)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CPUMs > candidates[j].CPUMs })
	return limit(candidates, topK)
}

// MemoryRows orders processes by working set.
func MemoryRows(rows []ProcRow, topK int) []ProcRow {
	candidates := make([]ProcRow, len(rows))
	copy(candidates, rows)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].WorkingSet == candidates[j].WorkingSet {
			return candidates[i].PrivateBytes > candidates[j].PrivateBytes
		}
		return candidates[i].WorkingSet > candidates[j].WorkingSet
	})
	return limit(candidates, topK)
}

func limit(rows []ProcRow, topK int) []ProcRow {
	if topK > 0 && len(rows) > topK {
		return rows[:topK]
	}
	return rows
}

// SelectFocusCandidate picks the most interesting process to summarize for the operator.
func SelectFocusCandidate(rows []ProcRow) *ProcRow {
	if len(rows) == 0 {
		return nil
	}
	var best *ProcRow
	bestScore := -1.0
	for _, row := range rows {
		severity := diagnosisSeverity(row.Diagnosis)
		if severity == 0 && row.CPUPercent < 1 {
			continue
		}
		score := float64(severity)*1000 + row.CPUPercent
		if best == nil || score > bestScore {
			r := row
			best = &r
			bestScore = score
		}
	}
	if best != nil {
		return best
	}
	maxIdx := 0
	for i := 1; i < len(rows); i++ {
		if rows[i].WorkingSet > rows[maxIdx].WorkingSet {
			maxIdx = i
		}
	}
	r := rows[maxIdx]
	return &r
}

// FocusSummary returns a short explanation string for the status line.
func FocusSummary(row ProcRow) string {
	switch row.Diagnosis {
	case "Memory-heavy":
		return fmt.Sprintf("%.0f%% of RAM resident, %.1f%% CPU", row.MemRatio*100, row.CPUPercent)
	case "Handle-heavy":
		return fmt.Sprintf("%d handles across %d threads", row.Handles, row.Threads)
	case "Thread-heavy":
		return fmt.Sprintf("%d threads, %.1f%% CPU", row.Threads, row.CPUPercent)
	case "CPU-bound":
		return fmt.Sprintf("%.1f%% CPU, %d threads", row.CPUPercent, row.Threads)
	default:
		return fmt.Sprintf("%.1f%% CPU, %.0f%% of RAM", row.CPUPercent, row.MemRatio*100)
	}
}

func classifyProc(row *ProcRow) string {
	switch {
	case row.MemRatio > 0.3:
		return "Memory-heavy"
	case row.Handles > 10000:
		return "Handle-heavy"
	case row.CPUPercent > 50:
		return "CPU-bound"
	case row.Threads > 500:
		return "Thread-heavy"
	}
	return "OK"
}

func passesFilters(row ProcRow, cfg FilterConfig) bool {
	if cfg.hideKernelEnabled() && isKernelThread(row) {
		return false
	}
	if cfg.NameFilter != "" {
		if !strings.Contains(strings.ToLower(row.Name), strings.ToLower(cfg.NameFilter)) {
			return false
		}
	}
	return true
}

// isKernelThread matches the idle and System pseudo-processes and Linux kernel threads,
// which are all children of kthreadd (pid 2).
func isKernelThread(row ProcRow) bool {
	if row.PID == 0 || row.PID == 2 || row.ParentPID == 2 {
		return true
	}
	name := strings.ToLower(row.Name)
	switch {
	case name == "system" && row.PID == 4, name == "registry", name == "memory compression",
		strings.HasPrefix(name, "kworker"), strings.HasPrefix(name, "ksoftirqd"),
		strings.HasPrefix(name, "migration"), strings.HasPrefix(name, "rcu"):
		return true
	}
	return false
}

func diagnosisSeverity(label string) int {
	switch label {
	case "Memory-heavy":
		return 4
	case "Handle-heavy":
		return 3
	case "CPU-bound":
		return 2
	case "Thread-heavy":
		return 1
	default:
		return 0
	}
}
