package tracemon

import "strings"

// FilterAll is the wildcard filter spec selecting every process.
const FilterAll = "*"

// processFilter selects processes by image name. The zero value selects
// nothing.
type processFilter struct {
	all   bool
	names map[string]struct{}
}

// parseFilterSpec parses a filter spec: the wildcard token, or a
// ";"-separated list of image names. Names are matched case-insensitively;
// empty segments are ignored.
func parseFilterSpec(spec string) processFilter {
	if strings.TrimSpace(spec) == FilterAll {
		return processFilter{all: true}
	}
	names := make(map[string]struct{})
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		names[strings.ToLower(part)] = struct{}{}
	}
	return processFilter{names: names}
}

func (f processFilter) matches(imageName string) bool {
	if f.all {
		return true
	}
	_, ok := f.names[strings.ToLower(imageName)]
	return ok
}

// empty reports whether the filter can never match, in which case a
// sampling pass is skipped entirely.
func (f processFilter) empty() bool {
	return !f.all && len(f.names) == 0
}
