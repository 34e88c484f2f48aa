// Package duplicates finds repeated searchTerm and group values, two
// cross-field invariants the schema cannot express.
package duplicates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

// Group records one duplicated key and every source line where it recurs,
// in ascending order.
type Group struct {
	Key   string
	Lines []int
}

// Report holds the result of both duplicate checks for one document.
type Report struct {
	SearchTerms []Group
	GroupNames  []Group
}

// Empty reports whether both checks found nothing.
func (r Report) Empty() bool {
	return len(r.SearchTerms) == 0 && len(r.GroupNames) == 0
}

// Detect scans doc for duplicated title search terms (anywhere in the
// document) and duplicated variant group names, mapping each back to source
// lines by textual scanning of src.
func Detect(doc any, src []byte) Report {
	return Report{
		SearchTerms: findGroups(doc, src, "$..titles..searchTerm", `{"searchTerm": "`),
		GroupNames:  findGroups(doc, src, "$..variants[*].group", `"group": "`),
	}
}

// findGroups collects the values selected by path, keeps those occurring more
// than once, and locates their lines by literal substring match against the
// raw text. The match is deliberately approximate: it assumes the canonical
// formatting the clean-up script produces, can over-match when the same
// literal appears elsewhere, and under-match when formatting differs. The
// annotation cycling workaround depends on getting multiple candidate lines
// from it, so keep it textual.
func findGroups(doc any, src []byte, path, contextPrefix string) []Group {
	duplicated := duplicatedValues(doc, path)
	if len(duplicated) == 0 {
		return nil
	}

	lines := make(map[string][]int, len(duplicated))
	for i, line := range strings.Split(string(src), "\n") {
		for _, key := range duplicated {
			if strings.Contains(line, contextPrefix+key+`"`) {
				lines[key] = append(lines[key], i+1)
			}
		}
	}

	groups := make([]Group, 0, len(duplicated))
	for _, key := range duplicated {
		if len(lines[key]) == 0 {
			continue
		}
		groups = append(groups, Group{Key: key, Lines: lines[key]})
	}
	// Collection order depends on map traversal inside the path query, so
	// order groups by first occurrence to keep runs deterministic.
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Lines[0] < groups[j].Lines[0]
	})
	return groups
}

// duplicatedValues returns every string selected by path that occurs at least
// twice, once per duplicated value.
func duplicatedValues(doc any, path string) []string {
	result, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil
	}
	matches, ok := result.([]any)
	if !ok {
		matches = []any{result}
	}

	seen := make(map[string]bool)
	dupes := make(map[string]bool)
	var out []string
	for _, match := range matches {
		value, ok := match.(string)
		if !ok {
			continue
		}
		if seen[value] && !dupes[value] {
			dupes[value] = true
			out = append(out, value)
		}
		seen[value] = true
	}
	return out
}

// SearchTermComment renders the review comment for a duplicated search term.
func SearchTermComment(g Group) string {
	return fmt.Sprintf(
		"Found the search term `%s` multiple times on the following lines:\n\n%s\n\n"+
			"Search terms for `titles` should only be associated with one `group`, "+
			"and not be repeated within that `group`.",
		g.Key, joinLines(g.Lines))
}

// GroupNameComment renders the review comment for a duplicated group name.
func GroupNameComment(g Group) string {
	return fmt.Sprintf(
		"Found the group `%s` multiple times on the following lines:\n\n%s\n\n"+
			"There should only be one instance of a `group` name in a `variants` array.",
		g.Key, joinLines(g.Lines))
}

func joinLines(lines []int) string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, fmt.Sprintf("%d", line))
	}
	return strings.Join(out, "\n")
}
