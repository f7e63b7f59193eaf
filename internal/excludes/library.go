// Package excludes decides which paths are skipped during snapshot enumeration.
//
// Patterns come from two places: a small library of named built-in groups
// (selectable from config by group name) and free-form user patterns. Both
// feed the same Matcher.
package excludes

// Group is a named set of related exclude patterns.
type Group struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Patterns    []string `json:"patterns" yaml:"patterns"`
}

// Library holds the built-in pattern groups.
var Library = []Group{
	{
		Name:        "system",
		Description: "OS metadata and desktop cruft",
		Patterns: []string{
			".DS_Store",
			"._*",
			".Spotlight-V100",
			".fseventsd",
			"Thumbs.db",
			"desktop.ini",
			"$RECYCLE.BIN/",
			".Trash-*/",
			".nfs*",
		},
	},
	{
		Name:        "temp",
		Description: "Temporary and editor backup files",
		Patterns: []string{
			"*.tmp",
			"*.temp",
			"*.bak",
			"*.old",
			"*.swp",
			"*.swo",
			"*~",
			"tmp/",
			"temp/",
		},
	},
	{
		Name:        "caches",
		Description: "Package manager and tool caches",
		Patterns: []string{
			".cache/",
			"__pycache__/",
			"node_modules/",
			".npm/",
			".gradle/",
			".m2/",
			"vendor/",
		},
	},
	{
		Name:        "vcs",
		Description: "Version control internals",
		Patterns: []string{
			".git/",
			".svn/",
			".hg/",
		},
	},
	{
		Name:        "logs",
		Description: "Log files and rotated logs",
		Patterns: []string{
			"*.log",
			"*.log.*",
			"logs/",
		},
	},
}

// GroupByName looks up a built-in group. The second return reports whether
// the name exists.
func GroupByName(name string) (Group, bool) {
	for _, g := range Library {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// FlattenPatterns merges the patterns of the given groups, dropping duplicates
// while preserving order.
func FlattenPatterns(groups []Group) []string {
	var result []string
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, p := range g.Patterns {
			if !seen[p] {
				seen[p] = true
				result = append(result, p)
			}
		}
	}
	return result
}
