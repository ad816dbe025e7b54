package diff

import "strings"

// Pathspec filters full tree paths by glob patterns. A plain `*`
// matches any run of bytes within one path segment (never crossing
// `/`); `**` matches any number of segments, including none. Exclude
// always wins over include; with no Include patterns, every path not
// excluded is included.
type Pathspec struct {
	Include []string
	Exclude []string
}

// Match reports whether path survives this pathspec. A nil Pathspec
// matches everything.
func (p *Pathspec) Match(path string) bool {
	if p == nil {
		return true
	}
	for _, pat := range p.Exclude {
		if globMatch(pat, path) {
			return false
		}
	}
	if len(p.Include) == 0 {
		return true
	}
	for _, pat := range p.Include {
		if globMatch(pat, path) {
			return true
		}
	}
	return false
}

func globMatch(pattern, path string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

// matchSegments matches a pattern split on '/' against a path split on
// '/', treating a "**" pattern segment as matching zero or more whole
// path segments and any other pattern segment as a single-segment
// wildcard match (via matchSegment).
func matchSegments(pat, seg []string) bool {
	if len(pat) == 0 {
		return len(seg) == 0
	}
	if pat[0] == "**" {
		if matchSegments(pat[1:], seg) {
			return true
		}
		if len(seg) == 0 {
			return false
		}
		return matchSegments(pat, seg[1:])
	}
	if len(seg) == 0 {
		return false
	}
	if !matchSegment(pat[0], seg[0]) {
		return false
	}
	return matchSegments(pat[1:], seg[1:])
}

// matchSegment is classic '*' wildcard matching within a single path
// segment: '*' matches any run of bytes (possibly empty) because the
// segment itself never contains '/'.
func matchSegment(pat, s string) bool {
	var pi, si, star, match int
	star = -1
	for si < len(s) {
		if pi < len(pat) && pat[pi] == s[si] {
			pi++
			si++
			continue
		}
		if pi < len(pat) && pat[pi] == '*' {
			star = pi
			match = si
			pi++
			continue
		}
		if star != -1 {
			pi = star + 1
			match++
			si = match
			continue
		}
		return false
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}
