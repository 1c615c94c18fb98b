package script

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchName reports whether a section name matches one of the glob
// patterns.
func MatchName(patterns []string, name string) bool {
	for _, pat := range patterns {
		if pat == name {
			return true
		}
		if ok, _ := doublestar.Match(pat, name); ok {
			return true
		}
	}
	return false
}

// MatchesSection reports whether the input pattern's section globs accept
// name, honoring its exclusion list.
func (p *InputPattern) MatchesSection(name string) bool {
	return MatchName(p.Sections, name) && !MatchName(p.Exclude, name)
}

// MatchesFile checks the file constraint. Plain objects are matched by
// path and by base name; archive members as "archive:member" with either
// half allowed to be a glob.
func (p *InputPattern) MatchesFile(path, archive string) bool {
	if p.File == "" || p.File == "*" {
		return true
	}

	if archive != "" {
		arPat, memPat, ok := strings.Cut(p.File, ":")
		if !ok {
			return false
		}
		if arPat == "" {
			arPat = "*"
		}
		if memPat == "" {
			memPat = "*"
		}
		return matchPath(arPat, archive) && matchPath(memPat, path)
	}

	if strings.Contains(p.File, ":") {
		return false
	}
	return matchPath(p.File, path)
}

func matchPath(pattern, path string) bool {
	if ok, _ := doublestar.Match(pattern, path); ok {
		return true
	}
	ok, _ := doublestar.Match(pattern, filepath.Base(path))
	return ok
}
