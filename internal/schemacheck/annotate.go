package schemacheck

import (
	"fmt"

	"github.com/tiger/clonelist-review/internal/sourcemap"
)

// LineAnnotation is the merged, line-addressed form of one or more raw
// validation errors. Line 0 is reserved for file-level annotations.
type LineAnnotation struct {
	Line         int
	Comment      string
	SchemaErrors []string
}

// Annotate validates doc and folds every violation into per-line annotations,
// in validator traversal order. An index lookup failure means the document and
// source text diverged, which is an internal error rather than user input.
func Annotate(doc any, schema *Schema, index *sourcemap.Index) ([]LineAnnotation, error) {
	acc := newAccumulator()
	for _, rawErr := range schema.Validate(doc) {
		line, err := index.Line(rawErr.InstancePointer)
		if err != nil {
			return nil, fmt.Errorf("locate schema error at %q: %w", rawErr.InstancePointer, err)
		}
		acc.add(line, schema.ResolveComment(rawErr), rawErr.Message)
	}
	return acc.annotations(), nil
}

// accumulator merges errors landing on the same line: schema error messages
// always append, distinct comments concatenate with a blank-line separator,
// and an identical comment is not repeated.
type accumulator struct {
	order  []int
	byLine map[int]*LineAnnotation
}

func newAccumulator() *accumulator {
	return &accumulator{byLine: make(map[int]*LineAnnotation)}
}

func (acc *accumulator) add(line int, comment, message string) {
	annotation, ok := acc.byLine[line]
	if !ok {
		annotation = &LineAnnotation{Line: line}
		acc.byLine[line] = annotation
		acc.order = append(acc.order, line)
	}
	switch {
	case comment == "":
	case annotation.Comment == "":
		annotation.Comment = comment
	case annotation.Comment != comment:
		annotation.Comment += "\n\n" + comment
	}
	annotation.SchemaErrors = append(annotation.SchemaErrors, message)
}

func (acc *accumulator) annotations() []LineAnnotation {
	out := make([]LineAnnotation, 0, len(acc.order))
	for _, line := range acc.order {
		out = append(out, *acc.byLine[line])
	}
	return out
}
