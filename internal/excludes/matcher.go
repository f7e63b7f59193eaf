package excludes

import (
	"fmt"
	"path"
	"strings"
)

// ErrInvalidPattern is returned by NewMatcher when a pattern does not parse
// as a glob.
var ErrInvalidPattern = fmt.Errorf("invalid exclude pattern")

type compiledPattern struct {
	raw     string
	glob    string
	dirOnly  bool // trailing slash, prunes the whole subtree
	anchored bool // contains a slash, matched against the relative path
}

// Matcher reports whether a slash-relative path should be excluded from a
// snapshot. A Matcher is immutable after construction and safe for
// concurrent use.
type Matcher struct {
	patterns []compiledPattern
}

// NewMatcher compiles the given glob patterns. A pattern ending in "/"
// matches directories and everything beneath them. A pattern containing a
// slash is matched against the whole relative path; otherwise it is matched
// against every path segment.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		cp := compiledPattern{raw: raw}
		if strings.HasSuffix(p, "/") {
			cp.dirOnly = true
			p = strings.TrimSuffix(p, "/")
		}
		cp.anchored = strings.Contains(p, "/")
		cp.glob = p

		// path.Match only reports syntax errors at match time, so probe now.
		if _, err := path.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, raw)
		}
		m.patterns = append(m.patterns, cp)
	}
	return m, nil
}

// Match reports whether relPath (slash-separated, relative to the snapshot
// root) is excluded. isDir tells the matcher whether the path names a
// directory, which lets directory patterns prune entire subtrees.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" || relPath == "." {
		return false
	}
	segments := strings.Split(relPath, "/")

	for _, cp := range m.patterns {
		if cp.dirOnly {
			// Match the directory itself or any ancestor segment.
			if m.segmentMatch(cp, segments, isDir) {
				return true
			}
			continue
		}
		if cp.anchored {
			if ok, _ := path.Match(cp.glob, relPath); ok {
				return true
			}
			continue
		}
		for _, seg := range segments {
			if ok, _ := path.Match(cp.glob, seg); ok {
				return true
			}
		}
	}
	return false
}

func (m *Matcher) segmentMatch(cp compiledPattern, segments []string, isDir bool) bool {
	if cp.anchored {
		// Anchored directory pattern: match the path or any prefix of it.
		for i := range segments {
			prefix := strings.Join(segments[:i+1], "/")
			last := i == len(segments)-1
			if ok, _ := path.Match(cp.glob, prefix); ok && (!last || isDir) {
				return true
			}
		}
		return false
	}
	for i, seg := range segments {
		last := i == len(segments)-1
		if ok, _ := path.Match(cp.glob, seg); ok && (!last || isDir) {
			return true
		}
	}
	return false
}

// Patterns returns the raw patterns the matcher was built from.
func (m *Matcher) Patterns() []string {
	out := make([]string, 0, len(m.patterns))
	for _, cp := range m.patterns {
		out = append(out, cp.raw)
	}
	return out
}
