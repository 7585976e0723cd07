// Package process enumerates the live process table into types.ProcessRecord values.
package process

import (
	"fmt"
	"runtime"
	"sync"
)

const (
	// UnknownName is substituted when the OS reports no usable image name.
	UnknownName = "<unknown>"

	parallelThreshold = 100
)

// EnumerationError reports a failed OS query. Status carries the raw status code when the
// OS returned one.
type EnumerationError struct {
	Op     string
	Status int32
	Err    error
}

func (e *EnumerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status 0x%08X", e.Op, uint32(e.Status))
}

func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// decodeWorkers reports how many goroutines parallelFor will use for n items.
func decodeWorkers(n int) int {
	if n <= parallelThreshold {
		return 1
	}
	return min(runtime.GOMAXPROCS(0), (n+parallelThreshold-1)/parallelThreshold)
}

// parallelFor splits [0, n) into disjoint chunks and runs fn on each. The worker index w is
// in [0, decodeWorkers(n)) so callers can hand each worker its own scratch.
func parallelFor(n int, fn func(w, lo, hi int)) {
	workers := decodeWorkers(n)
	if workers <= 1 {
		fn(0, 0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		if lo >= n {
			break
		}
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(w, lo, hi int) {
			defer wg.Done()
			fn(w, lo, hi)
		}(w, lo, hi)
	}
	wg.Wait()
}
