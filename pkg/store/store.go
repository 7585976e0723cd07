// Package store keeps the latest process table in parallel columns sorted by PID.
package store

import (
	"runtime"
	"sort"
	"time"

	"github.com/srodi/procpulse/pkg/types"
)

// DefaultCapacity is the number of process slots allocated by callers that have no
// better estimate.
const DefaultCapacity = 2048

// ProcessStore is a structure-of-arrays view of one process snapshot. Columns are sized
// once at construction; slots [0, Count()) are sorted ascending by PID.
//
// A store has a single writer and no internal locking. Readers on other goroutines need
// their own synchronisation.
type ProcessStore struct {
	capacity int
	count    int

	pids       []uint32
	parentPIDs []uint32
	names      []string
	threads    []uint32
	handles    []uint32
	userTime   []uint64
	kernelTime []uint64
	workingSet []uint64
	pagefile   []uint64
	private    []uint64
	cpuDelta   []uint64

	// previous generation, sorted by PID
	prevPIDs  []uint32
	prevCPU   []uint64
	prevCount int

	interned  *interner
	lastAt    time.Time
	elapsed   time.Duration
	numCPU    int
	truncated int
}

// New allocates a store with room for capacity processes. A capacity below one uses
// DefaultCapacity.
func New(capacity int) *ProcessStore {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &ProcessStore{
		capacity:   capacity,
		pids:       make([]uint32, capacity),
		parentPIDs: make([]uint32, capacity),
		names:      make([]string, capacity),
		threads:    make([]uint32, capacity),
		handles:    make([]uint32, capacity),
		userTime:   make([]uint64, capacity),
		kernelTime: make([]uint64, capacity),
		workingSet: make([]uint64, capacity),
		pagefile:   make([]uint64, capacity),
		private:    make([]uint64, capacity),
		cpuDelta:   make([]uint64, capacity),
		prevPIDs:   make([]uint32, capacity),
		prevCPU:    make([]uint64, capacity),
		interned:   newInterner(),
		numCPU:     runtime.NumCPU(),
	}
}

// Update replaces the store contents with records sampled now.
func (s *ProcessStore) Update(records []types.ProcessRecord) {
	s.UpdateAt(records, time.Now())
}

// UpdateAt replaces the store contents with records sampled at now. Records beyond
// the capacity are dropped. When a PID appears more than once, the last occurrence
// wins. CPU deltas are computed against the previous update for the same PID; a PID
// that is new, or whose CPU time went backwards, gets a delta of zero.
func (s *ProcessStore) UpdateAt(records []types.ProcessRecord, now time.Time) {
	s.saveGeneration()
	if !s.lastAt.IsZero() && now.After(s.lastAt) {
		s.elapsed = now.Sub(s.lastAt)
	} else {
		s.elapsed = 0
	}
	s.lastAt = now

	s.truncated = 0
	if len(records) > s.capacity {
		s.truncated = len(records) - s.capacity
		records = records[:s.capacity]
	}

	for i := 0; i < s.count; i++ {
		s.interned.release(s.names[i])
	}
	for i := range records {
		s.set(i, &records[i])
	}
	s.count = len(records)

	s.sortByPID()
	s.dedupe()
	s.computeDeltas()
	// slots past the live range keep no names alive
	clear(s.names[s.count:max(s.prevCount, len(records))])
	s.interned.sweep()
}

// saveGeneration copies the current PIDs and CPU times aside for delta computation.
func (s *ProcessStore) saveGeneration() {
	for i := 0; i < s.count; i++ {
		s.prevPIDs[i] = s.pids[i]
		s.prevCPU[i] = s.userTime[i] + s.kernelTime[i]
	}
	s.prevCount = s.count
}

func (s *ProcessStore) set(i int, r *types.ProcessRecord) {
	s.pids[i] = r.PID
	s.parentPIDs[i] = r.ParentPID
	s.names[i] = s.interned.acquire(r.Name)
	s.threads[i] = r.ThreadCount
	s.handles[i] = r.HandleCount
	s.userTime[i] = r.UserTime
	s.kernelTime[i] = r.KernelTime
	s.workingSet[i] = r.WorkingSet
	s.pagefile[i] = r.PagefileUsage
	s.private[i] = r.PrivateBytes
	s.cpuDelta[i] = 0
}

func (s *ProcessStore) swap(i, j int) {
	s.pids[i], s.pids[j] = s.pids[j], s.pids[i]
	s.parentPIDs[i], s.parentPIDs[j] = s.parentPIDs[j], s.parentPIDs[i]
	s.names[i], s.names[j] = s.names[j], s.names[i]
	s.threads[i], s.threads[j] = s.threads[j], s.threads[i]
	s.handles[i], s.handles[j] = s.handles[j], s.handles[i]
	s.userTime[i], s.userTime[j] = s.userTime[j], s.userTime[i]
	s.kernelTime[i], s.kernelTime[j] = s.kernelTime[j], s.kernelTime[i]
	s.workingSet[i], s.workingSet[j] = s.workingSet[j], s.workingSet[i]
	s.pagefile[i], s.pagefile[j] = s.pagefile[j], s.pagefile[i]
	s.private[i], s.private[j] = s.private[j], s.private[i]
	s.cpuDelta[i], s.cpuDelta[j] = s.cpuDelta[j], s.cpuDelta[i]
}

// copySlot moves slot src into dst, overwriting it.
func (s *ProcessStore) copySlot(dst, src int) {
	s.pids[dst] = s.pids[src]
	s.parentPIDs[dst] = s.parentPIDs[src]
	s.names[dst] = s.names[src]
	s.threads[dst] = s.threads[src]
	s.handles[dst] = s.handles[src]
	s.userTime[dst] = s.userTime[src]
	s.kernelTime[dst] = s.kernelTime[src]
	s.workingSet[dst] = s.workingSet[src]
	s.pagefile[dst] = s.pagefile[src]
	s.private[dst] = s.private[src]
	s.cpuDelta[dst] = s.cpuDelta[src]
}

// sortByPID is a stable insertion sort. Process lists arrive nearly sorted from one
// cycle to the next, so this is close to linear in practice.
func (s *ProcessStore) sortByPID() {
	for i := 1; i < s.count; i++ {
		for j := i; j > 0 && s.pids[j-1] > s.pids[j]; j-- {
			s.swap(j-1, j)
		}
	}
}

// dedupe collapses runs of equal PIDs to the last slot of each run. The sort is stable,
// so that slot is the last occurrence in list order.
func (s *ProcessStore) dedupe() {
	if s.count < 2 {
		return
	}
	w := 0
	for r := 0; r < s.count; r++ {
		if r+1 < s.count && s.pids[r+1] == s.pids[r] {
			s.interned.release(s.names[r])
			continue
		}
		if w != r {
			s.copySlot(w, r)
		}
		w++
	}
	s.count = w
}

// computeDeltas merges the sorted current and previous PID columns.
func (s *ProcessStore) computeDeltas() {
	p := 0
	for i := 0; i < s.count; i++ {
		pid := s.pids[i]
		for p < s.prevCount && s.prevPIDs[p] < pid {
			p++
		}
		if p < s.prevCount && s.prevPIDs[p] == pid {
			cur := s.userTime[i] + s.kernelTime[i]
			if prev := s.prevCPU[p]; cur > prev {
				s.cpuDelta[i] = cur - prev
			}
		}
	}
}

// GetByPID returns the slot holding pid.
func (s *ProcessStore) GetByPID(pid uint32) (int, bool) {
	i := sort.Search(s.count, func(i int) bool { return s.pids[i] >= pid })
	if i < s.count && s.pids[i] == pid {
		return i, true
	}
	return 0, false
}

// Count is the number of live slots.
func (s *ProcessStore) Count() int { return s.count }

// Capacity is the fixed number of slots.
func (s *ProcessStore) Capacity() int { return s.capacity }

// Truncated reports how many records the last update dropped for lack of capacity.
func (s *ProcessStore) Truncated() int { return s.truncated }

// Elapsed is the time between the last two updates, zero after the first.
func (s *ProcessStore) Elapsed() time.Duration { return s.elapsed }

// UpdatedAt is the sample time passed to the last update.
func (s *ProcessStore) UpdatedAt() time.Time { return s.lastAt }

// UniqueNames reports how many distinct names are interned.
func (s *ProcessStore) UniqueNames() int { return s.interned.len() }

func (s *ProcessStore) valid(i int) bool { return i >= 0 && i < s.count }

func (s *ProcessStore) PID(i int) (uint32, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.pids[i], true
}

func (s *ProcessStore) ParentPID(i int) (uint32, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.parentPIDs[i], true
}

// Name returns the interned image name. Equal names share storage.
func (s *ProcessStore) Name(i int) (string, bool) {
	if !s.valid(i) {
		return "", false
	}
	return s.names[i], true
}

func (s *ProcessStore) ThreadCount(i int) (uint32, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.threads[i], true
}

func (s *ProcessStore) HandleCount(i int) (uint32, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.handles[i], true
}

func (s *ProcessStore) UserTime(i int) (uint64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.userTime[i], true
}

func (s *ProcessStore) KernelTime(i int) (uint64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.kernelTime[i], true
}

func (s *ProcessStore) WorkingSet(i int) (uint64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.workingSet[i], true
}

func (s *ProcessStore) PagefileUsage(i int) (uint64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.pagefile[i], true
}

func (s *ProcessStore) PrivateBytes(i int) (uint64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.private[i], true
}

// CPUDelta is the CPU time in 100ns ticks consumed since the previous update.
func (s *ProcessStore) CPUDelta(i int) (uint64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	return s.cpuDelta[i], true
}

// CPUPercent scales CPUDelta by the elapsed wall time across all logical CPUs, so a
// process saturating the whole machine reads 100.
func (s *ProcessStore) CPUPercent(i int) (float64, bool) {
	if !s.valid(i) {
		return 0, false
	}
	if s.elapsed <= 0 || s.numCPU <= 0 {
		return 0, true
	}
	busy := float64(s.cpuDelta[i]) * 100e-9
	return busy / (s.elapsed.Seconds() * float64(s.numCPU)) * 100, true
}
