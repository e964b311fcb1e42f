package watcher

import (
	"path/filepath"
	"strings"
)

// Filter decides which paths produce events. Extension allowlist, hidden
// file policy, exclude patterns, and the size cap all apply to files; only
// the name-based rules apply to directories and deletions, where no size is
// known.
type Filter struct {
	includeExt   map[string]bool
	exclude      []string
	ignoreHidden bool
	maxBytes     int64
}

// NewFilter builds a filter. Extensions are normalized to lowercase with a
// leading dot. A zero maxBytes disables the size cap.
func NewFilter(includeExt, exclude []string, ignoreHidden bool, maxBytes int64) *Filter {
	f := &Filter{
		exclude:      exclude,
		ignoreHidden: ignoreHidden,
		maxBytes:     maxBytes,
	}
	if len(includeExt) > 0 {
		f.includeExt = make(map[string]bool, len(includeExt))
		for _, ext := range includeExt {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			f.includeExt[ext] = true
		}
	}
	return f
}

// AllowPath applies the name-based rules: hidden policy, extension
// allowlist, and exclude patterns.
func (f *Filter) AllowPath(path string) bool {
	slashed := filepath.ToSlash(path)

	if f.ignoreHidden && hasHiddenSegment(slashed) {
		return false
	}

	if f.includeExt != nil {
		ext := strings.ToLower(filepath.Ext(slashed))
		if !f.includeExt[ext] {
			return false
		}
	}

	base := filepath.Base(slashed)
	for _, pattern := range f.exclude {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
		if ok, _ := filepath.Match(pattern, slashed); ok {
			return false
		}
		if strings.Contains(slashed, pattern) {
			return false
		}
	}
	return true
}

// Allow applies all rules including the size cap.
func (f *Filter) Allow(path string, size int64) bool {
	if !f.AllowPath(path) {
		return false
	}
	if f.maxBytes > 0 && size > f.maxBytes {
		return false
	}
	return true
}

// AllowDir reports whether a directory subtree should be watched at all.
// The extension allowlist does not apply to directories.
func (f *Filter) AllowDir(path string) bool {
	slashed := filepath.ToSlash(path)
	if f.ignoreHidden && hasHiddenSegment(slashed) {
		return false
	}
	base := filepath.Base(slashed)
	for _, pattern := range f.exclude {
		if ok, _ := filepath.Match(pattern, base); ok {
			return false
		}
		if strings.Contains(slashed, pattern) {
			return false
		}
	}
	return true
}

func hasHiddenSegment(slashed string) bool {
	for _, seg := range strings.Split(slashed, "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}
