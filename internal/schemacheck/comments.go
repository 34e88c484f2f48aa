package schemacheck

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PaesslerAG/jsonpath"
)

const (
	languagesHintHeader = "The valid languages are as follows:"
	regionsHintHeader   = "The valid regions are as follows:"
)

var arrayIndexPattern = regexp.MustCompile(`\[[0-9]+\]`)

// ResolveComment returns the best human-readable explanation for a failure:
// the $comment on the failing schema node, else the logical parent's comment,
// plus enumerated valid-value hints for language and region fields. An empty
// string means only the raw schema message should be surfaced.
func (s *Schema) ResolveComment(e RawError) string {
	comment := s.directComment(e)
	if comment == "" {
		comment = s.parentComment(e)
	}

	if strings.Contains(e.InstancePath, "localNames") {
		if hint := s.languagesHint(); hint != "" {
			comment = appendHint(comment, hint)
		}
	}
	if strings.Contains(e.InstancePath, "matchRegions") ||
		strings.Contains(e.InstancePath, "higherRegions") ||
		strings.Contains(e.InstancePath, "lowerRegions") {
		if hint := s.regionsHint(); hint != "" {
			comment = appendHint(comment, hint)
		}
	}
	return comment
}

// directComment reads $comment from the schema object whose keyword failed.
func (s *Schema) directComment(e RawError) string {
	pointer := e.SchemaPointer
	if pointer == "" {
		return ""
	}
	// The pointer ends at the failing keyword; its container is the schema node.
	if i := strings.LastIndex(pointer, "/"); i >= 0 {
		pointer = pointer[:i]
	}
	node, ok := nodeAt(s.raw, pointer)
	if !ok {
		return ""
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	comment, _ := obj["$comment"].(string)
	return comment
}

// parentComment searches the schema for the $comment of the failing node's
// logical parent. Schemas factor shared substructures into $defs referenced
// from several use sites; a failure inside the referenced definition carries
// no comment of its own, only its use sites do.
func (s *Schema) parentComment(e RawError) string {
	matches := queryAll(s.raw, parentCommentPath(e.InstancePath))
	for _, match := range matches {
		if comment, ok := match.(string); ok {
			return comment
		}
	}
	return ""
}

// parentCommentPath rewrites a dotted instance path into the descendant-search
// JSONPath that locates the parent's $comment: array indices are stripped,
// single-level separators widen to descendant search, and the comment key is
// appended.
func parentCommentPath(instancePath string) string {
	path := arrayIndexPattern.ReplaceAllString(instancePath, "")
	path = strings.ReplaceAll(path, ".", "..")
	path += `["$comment"]`

	// The schema defines filters beside titles rather than under them, even
	// though documents nest filters inside title entries. Elide the titles
	// segment so the search lands on the schema's filters definition.
	if strings.Contains(path, "$..variants..titles..filters..") {
		path = strings.ReplaceAll(path, "..variants..titles", "")
	}
	return path
}

func (s *Schema) languagesHint() string {
	for _, match := range queryAll(s.raw, "$..languages..properties") {
		props, ok := match.(map[string]any)
		if !ok {
			continue
		}
		keys := make([]string, 0, len(props))
		for key := range props {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return fmt.Sprintf("%s\n\n`%s`", languagesHintHeader, strings.Join(keys, "`, `"))
	}
	return ""
}

func (s *Schema) regionsHint() string {
	for _, match := range queryAll(s.raw, "$..regions..enum") {
		values, ok := match.([]any)
		if !ok {
			continue
		}
		regions := make([]string, 0, len(values))
		for _, value := range values {
			if region, ok := value.(string); ok {
				regions = append(regions, region)
			}
		}
		if len(regions) == 0 {
			continue
		}
		return fmt.Sprintf("%s\n\n`%s`", regionsHintHeader, strings.Join(regions, "`, `"))
	}
	return ""
}

func appendHint(comment, hint string) string {
	if comment == "" {
		return hint
	}
	return comment + "\n\n" + hint
}

// queryAll evaluates a JSONPath expression and normalizes the result to a
// slice of matches. Wildcard and descendant expressions already yield slices;
// a definite path that misses yields no matches.
func queryAll(doc any, path string) []any {
	result, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil
	}
	if matches, ok := result.([]any); ok {
		return matches
	}
	return []any{result}
}
