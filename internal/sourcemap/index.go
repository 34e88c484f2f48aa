// Package sourcemap maps JSON pointer paths to the source line where each
// value begins. The index is built once per document and queried per error.
package sourcemap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ErrPathNotIndexed reports a pointer lookup for a path the index never saw.
// Document and source text diverging like this is an internal bug, not user input.
var ErrPathNotIndexed = fmt.Errorf("path not present in source index")

// Index holds value-start lines keyed by RFC 6901 JSON pointer.
type Index struct {
	lineStarts []int
	lines      map[string]int
}

// Build walks src once and records the 1-based start line of every value:
// the root, every object member, and every array element.
func Build(src []byte) (*Index, error) {
	ix := &Index{
		lineStarts: lineStartOffsets(src),
		lines:      make(map[string]int),
	}
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	if err := ix.walkValue(dec, ""); err != nil {
		return nil, err
	}
	return ix, nil
}

// Line returns the 1-based line where the value at pointer begins.
func (ix *Index) Line(pointer string) (int, error) {
	line, ok := ix.lines[pointer]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrPathNotIndexed, pointer)
	}
	return line, nil
}

// Len reports the number of indexed paths.
func (ix *Index) Len() int {
	return len(ix.lines)
}

func (ix *Index) walkValue(dec *json.Decoder, pointer string) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("index source at %q: %w", pointer, err)
	}

	// InputOffset sits just past the first token of the value. JSON tokens
	// cannot span lines, so the line at offset-1 is the value's start line.
	ix.lines[pointer] = ix.lineAt(dec.InputOffset() - 1)

	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("index object key under %q: %w", pointer, err)
			}
			key, ok := keyTok.(string)
			if !ok {
				return fmt.Errorf("index object key under %q: unexpected token %v", pointer, keyTok)
			}
			if err := ix.walkValue(dec, pointer+"/"+EscapeToken(key)); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("index object end under %q: %w", pointer, err)
		}
	case '[':
		for i := 0; dec.More(); i++ {
			if err := ix.walkValue(dec, fmt.Sprintf("%s/%d", pointer, i)); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("index array end under %q: %w", pointer, err)
		}
	}
	return nil
}

func (ix *Index) lineAt(offset int64) int {
	if offset < 0 {
		return 1
	}
	// lineStarts is ascending; the line is the last start <= offset.
	n := sort.Search(len(ix.lineStarts), func(i int) bool {
		return int64(ix.lineStarts[i]) > offset
	})
	return n
}

func lineStartOffsets(src []byte) []int {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// EscapeToken escapes one pointer reference token per RFC 6901.
func EscapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}
