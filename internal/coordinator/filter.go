// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pocket-cloud-mlx/modelengine/internal/model"
)

// PlanFilter narrows which files Plan selects for a download (§D: `pull
// --filter`/`--exclude`). Each pattern is either a glob (matched against
// the file's base name, falling back to its full relative path) or a
// `/regex/`-delimited regular expression matched against the full path.
type PlanFilter struct {
	Includes []string
	Excludes []string
}

// apply keeps every file that matches no Exclude pattern and, when Includes
// is non-empty, matches at least one Include pattern. A zero-value filter
// is a no-op, so ordinary downloads never pay for pattern compilation.
func (f PlanFilter) apply(files []engine.FileEntry) []engine.FileEntry {
	if len(f.Includes) == 0 && len(f.Excludes) == 0 {
		return files
	}
	excludes := compileMatchers(f.Excludes)
	includes := compileMatchers(f.Includes)

	out := make([]engine.FileEntry, 0, len(files))
	for _, file := range files {
		if matchesAny(excludes, file.Name) {
			continue
		}
		if len(includes) > 0 && !matchesAny(includes, file.Name) {
			continue
		}
		out = append(out, file)
	}
	return out
}

type matcher interface {
	matches(path string) bool
}

type globMatcher struct{ glob string }

func (g globMatcher) matches(path string) bool {
	if ok, _ := filepath.Match(g.glob, filepath.Base(path)); ok {
		return true
	}
	ok, _ := filepath.Match(g.glob, path)
	return ok
}

type regexMatcher struct{ re *regexp.Regexp }

func (r regexMatcher) matches(path string) bool { return r.re.MatchString(path) }

// compileMatchers builds one matcher per non-empty pattern. A /.../ pattern
// whose body fails to compile as a regex is kept as a literal glob instead,
// so a typo'd /.../ doesn't just vanish the pattern.
func compileMatchers(patterns []string) []matcher {
	matchers := make([]matcher, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") && len(p) > 1 {
			if re, err := regexp.Compile(p[1 : len(p)-1]); err == nil {
				matchers = append(matchers, regexMatcher{re: re})
				continue
			}
		}
		matchers = append(matchers, globMatcher{glob: p})
	}
	return matchers
}

func matchesAny(matchers []matcher, path string) bool {
	for _, m := range matchers {
		if m.matches(path) {
			return true
		}
	}
	return false
}
