package process

import "bytes"

type procStat struct {
	comm     string
	ppid     uint32
	utime    uint64
	stime    uint64
	threads  uint32
	rssPages uint64
}

// Field positions in /proc/<pid>/stat counted from the state field that follows the
// parenthesised command name.
const (
	statPPID     = 1
	statUTime    = 11
	statSTime    = 12
	statThreads  = 17
	statRSSPages = 21
)

// parseStat parses /proc/<pid>/stat. The command name may itself contain spaces and
// parentheses, so the rest of the line starts after the last ')'.
func parseStat(data []byte) (procStat, bool) {
	open := bytes.IndexByte(data, '(')
	closing := bytes.LastIndexByte(data, ')')
	if open < 0 || closing < open {
		return procStat{}, false
	}
	st := procStat{comm: string(data[open+1 : closing])}
	if st.comm == "" {
		st.comm = UnknownName
	}
	rest := data[closing+1:]

	var ok bool
	var v uint64
	if v, ok = fieldUint(rest, statPPID); !ok {
		return procStat{}, false
	}
	st.ppid = uint32(v)
	if st.utime, ok = fieldUint(rest, statUTime); !ok {
		return procStat{}, false
	}
	if st.stime, ok = fieldUint(rest, statSTime); !ok {
		return procStat{}, false
	}
	if v, ok = fieldUint(rest, statThreads); !ok {
		return procStat{}, false
	}
	st.threads = uint32(v)
	if st.rssPages, ok = fieldUint(rest, statRSSPages); !ok {
		// rss can be negative for kernel threads on some kernels
		st.rssPages = 0
	}
	return st, true
}

// fieldUint returns the idx-th whitespace separated field of data parsed as an unsigned
// decimal, without allocating.
func fieldUint(data []byte, idx int) (uint64, bool) {
	field := 0
	i := 0
	for i < len(data) {
		for i < len(data) && isSpace(data[i]) {
			i++
		}
		if i >= len(data) {
			break
		}
		start := i
		for i < len(data) && !isSpace(data[i]) {
			i++
		}
		if field == idx {
			return parseUint(data[start:i])
		}
		field++
	}
	return 0, false
}

func parseUint(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t'
}
