// Package runner drives one validation pass: parse, validate, detect
// duplicates, annotate, and aggregate the run verdict.
package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tiger/clonelist-review/internal/duplicates"
	"github.com/tiger/clonelist-review/internal/review"
	"github.com/tiger/clonelist-review/internal/schemacheck"
	"github.com/tiger/clonelist-review/internal/sourcemap"
)

// Poster delivers annotations to the review surface.
type Poster interface {
	Post(review.Request) (int, error)
	PostAny(review.Request, []int) (int, error)
}

// MalformedInputError reports JSON the parser could not read. It is fatal for
// the file only: the run continues with the next file.
type MalformedInputError struct {
	Line   int
	Column int
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("invalid JSON on or before line %d, column %d", e.Line, e.Column)
}

// Comment renders the review guidance posted for malformed input.
func (e *MalformedInputError) Comment() string {
	return fmt.Sprintf(
		"Invalid JSON found on or before this line (%d). Fix the error to continue.\n\n"+
			"There might be more invalid JSON in this file, but only one line can be checked "+
			"for at a time. To speed up error checking, try an "+
			"[online JSON validator](https://jsonlint.com/), or use an IDE that can lint JSON "+
			"like [Visual Studio code](https://code.visualstudio.com/) to find errors before "+
			"updating your PR.", e.Line)
}

// Runner validates a set of clone list files against one shared schema.
// Files are processed strictly sequentially; the schema is the only state
// shared between them.
type Runner struct {
	Schema *schemacheck.Schema
	Poster Poster
	Out    io.Writer
	DryRun bool
}

// Run validates every file in order and reports whether all were clean.
// A review.FatalError from posting aborts the run immediately.
func (r *Runner) Run(files []string) (bool, error) {
	out := r.output()
	allClean := true
	for _, path := range files {
		fmt.Fprintf(out, "\n\nValidating %s\n%s\n\n", path, strings.Repeat("-", len("Validating ")+len(path)))
		clean, err := r.runFile(path)
		if err != nil {
			return false, err
		}
		if !clean {
			allClean = false
		}
	}
	return allClean, nil
}

func (r *Runner) runFile(path string) (bool, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read clone list %s: %w", path, err)
	}

	doc, malformed := parseDocument(src)
	if malformed != nil {
		fmt.Fprintf(r.output(), "Line %d:\n%s\n", malformed.Line, malformed.Comment())
		if err := r.deliver(review.Request{Path: path, Line: malformed.Line, Body: malformed.Comment()}, nil); err != nil {
			return false, err
		}
		return false, nil
	}

	index, err := sourcemap.Build(src)
	if err != nil {
		return false, fmt.Errorf("index clone list %s: %w", path, err)
	}

	// Detection runs to completion before any annotation is posted, so a
	// delivery failure never hides remaining problems.
	annotations, err := schemacheck.Annotate(doc, r.Schema, index)
	if err != nil {
		return false, fmt.Errorf("validate clone list %s: %w", path, err)
	}
	report := duplicates.Detect(doc, src)

	for _, annotation := range annotations {
		body := annotationBody(annotation)
		fmt.Fprintf(r.output(), "Line %d:\n%s\n\n", annotation.Line, body)
		if err := r.deliver(review.Request{Path: path, Line: annotation.Line, Body: body}, nil); err != nil {
			return false, err
		}
	}
	for _, group := range report.SearchTerms {
		body := duplicates.SearchTermComment(group)
		fmt.Fprintf(r.output(), "%s\n\n", body)
		if err := r.deliver(review.Request{Path: path, Body: body}, group.Lines); err != nil {
			return false, err
		}
	}
	for _, group := range report.GroupNames {
		body := duplicates.GroupNameComment(group)
		fmt.Fprintf(r.output(), "%s\n\n", body)
		if err := r.deliver(review.Request{Path: path, Body: body}, group.Lines); err != nil {
			return false, err
		}
	}

	if len(annotations) == 0 && report.Empty() {
		fmt.Fprintln(r.output(), "No problems found.")
		return true, nil
	}
	return false, nil
}

// deliver posts one annotation, cycling through candidate lines when given.
// Only fatal posting conditions propagate; everything else has already been
// logged, and the detection output above is the fallback record.
func (r *Runner) deliver(req review.Request, candidates []int) error {
	if r.DryRun || r.Poster == nil {
		return nil
	}
	var err error
	if len(candidates) > 0 {
		_, err = r.Poster.PostAny(req, candidates)
	} else {
		_, err = r.Poster.Post(req)
	}
	var fatal *review.FatalError
	if errors.As(err, &fatal) {
		return fatal
	}
	if err != nil {
		fmt.Fprintf(r.output(), "posting annotation for %s failed: %v\n", req.Path, err)
	}
	return nil
}

func parseDocument(src []byte) (any, *MalformedInputError) {
	var doc any
	err := json.Unmarshal(src, &doc)
	if err == nil {
		return doc, nil
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line, column := positionAt(src, syntaxErr.Offset)
		return nil, &MalformedInputError{Line: line, Column: column}
	}
	return nil, &MalformedInputError{Line: 1, Column: 1}
}

// positionAt converts a parser byte offset to a 1-based line and column.
func positionAt(src []byte, offset int64) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > int64(len(src)) {
		offset = int64(len(src))
	}
	line := 1
	lineStart := int64(0)
	for i := int64(0); i < offset; i++ {
		if src[i] == '\n' {
			line++
			lineStart = i + 1
		}
	}
	return line, int(offset-lineStart) + 1
}

func annotationBody(a schemacheck.LineAnnotation) string {
	var b strings.Builder
	if a.Comment != "" {
		b.WriteString(a.Comment)
		b.WriteString("\n\n")
	}
	b.WriteString("JSON schema validation errors:\n")
	for _, message := range a.SchemaErrors {
		b.WriteString("\n- `")
		b.WriteString(message)
		b.WriteString("`")
	}
	return b.String()
}

func (r *Runner) output() io.Writer {
	if r.Out != nil {
		return r.Out
	}
	return os.Stdout
}

// SelectFiles filters a changed-file list down to clone list documents: the
// path must contain the marker segment and must not be the index file.
func SelectFiles(files []string, marker, indexFile string) []string {
	var out []string
	for _, file := range files {
		file = strings.TrimSpace(file)
		if file == "" || !strings.Contains(file, marker) {
			continue
		}
		if filepath.Base(file) == indexFile {
			continue
		}
		out = append(out, file)
	}
	return out
}
