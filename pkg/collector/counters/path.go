package counters

import (
	"fmt"
	"strings"
)

// counterPath is a parsed `\Object(Instance)\Counter` path.
type counterPath struct {
	Object   string
	Instance string
	Counter  string
}

func parseCounterPath(path string) (counterPath, error) {
	if !strings.HasPrefix(path, `\`) {
		return counterPath{}, fmt.Errorf("counter path %q: missing leading backslash", path)
	}
	sep := strings.LastIndexByte(path, '\\')
	if sep <= 0 || sep == len(path)-1 {
		return counterPath{}, fmt.Errorf("counter path %q: missing counter name", path)
	}
	object := path[1:sep]
	p := counterPath{Counter: path[sep+1:]}
	if open := strings.IndexByte(object, '('); open >= 0 {
		if !strings.HasSuffix(object, ")") || open == 0 {
			return counterPath{}, fmt.Errorf("counter path %q: malformed instance", path)
		}
		p.Instance = object[open+1 : len(object)-1]
		object = object[:open]
	}
	if object == "" {
		return counterPath{}, fmt.Errorf("counter path %q: missing object", path)
	}
	p.Object = object
	return p, nil
}
