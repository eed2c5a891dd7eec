// Package filter implements the case-insensitive wildcard matching
// used for include/exclude/optional pattern sets.
//
// Patterns use '*' and '?' glob syntax. A pattern containing a path
// separator matches against the candidate's full relative path;
// otherwise it matches against the base name only, mirroring the way
// rclone's filter package distinguishes bare-name globs from
// path-anchored ones.
package filter

import (
	"path"
	"regexp"
	"strings"
)

// PatternSet is an ordered, compiled set of glob patterns.
type PatternSet struct {
	patterns []compiledPattern
}

type compiledPattern struct {
	raw        string
	re         *regexp.Regexp
	pathScoped bool
}

// NewPatternSet compiles raw into a PatternSet. Empty/blank entries are
// skipped. Compilation never fails: any character with special regexp
// meaning other than '*'/'?' is escaped literally.
func NewPatternSet(raw ...string) PatternSet {
	ps := PatternSet{patterns: make([]compiledPattern, 0, len(raw))}
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ps.patterns = append(ps.patterns, compiledPattern{
			raw:        p,
			re:         compileGlob(p),
			pathScoped: strings.ContainsAny(p, `/\`),
		})
	}
	return ps
}

// compileGlob turns a '*'/'?' glob into an anchored, case-insensitive
// regexp.
func compileGlob(glob string) *regexp.Regexp {
	glob = filepathToSlash(glob)
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// Empty reports whether the set has no patterns.
func (ps PatternSet) Empty() bool { return len(ps.patterns) == 0 }

// Match reports whether name (the base name) or relPath (the path
// relative to the scan root, slash-separated) matches any pattern in
// the set.
func (ps PatternSet) Match(name, relPath string) bool {
	relPath = filepathToSlash(relPath)
	for _, p := range ps.patterns {
		if p.pathScoped {
			if p.re.MatchString(relPath) {
				return true
			}
		} else if p.re.MatchString(name) {
			return true
		}
	}
	return false
}

// Patterns returns the raw pattern strings, in order, for diagnostics.
func (ps PatternSet) Patterns() []string {
	out := make([]string, len(ps.patterns))
	for i, p := range ps.patterns {
		out[i] = p.raw
	}
	return out
}

// Base is a convenience wrapper around path.Base for callers building
// relPath from an OS path that has already been slash-normalized.
func Base(relPath string) string { return path.Base(relPath) }
