package store

import "strings"

type internEntry struct {
	s    string
	refs int
}

// interner deduplicates process names by content. Every slot holding a name owns one
// reference; names whose count drops to zero are removed by sweep.
type interner struct {
	entries map[string]*internEntry
}

func newInterner() *interner {
	return &interner{entries: make(map[string]*internEntry)}
}

// acquire returns the shared copy of s and takes a reference to it.
func (in *interner) acquire(s string) string {
	if e, ok := in.entries[s]; ok {
		e.refs++
		return e.s
	}
	// clone so the store does not pin the enumerator's buffers
	e := &internEntry{s: strings.Clone(s), refs: 1}
	in.entries[e.s] = e
	return e.s
}

func (in *interner) release(s string) {
	if e, ok := in.entries[s]; ok && e.refs > 0 {
		e.refs--
	}
}

// sweep drops unreferenced names and returns how many were removed.
func (in *interner) sweep() int {
	n := 0
	for k, e := range in.entries {
		if e.refs == 0 {
			delete(in.entries, k)
			n++
		}
	}
	return n
}

func (in *interner) len() int {
	return len(in.entries)
}
