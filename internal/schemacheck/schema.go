// Package schemacheck validates clone list documents against the clone list
// JSON Schema and turns raw validation failures into line-addressed,
// human-readable annotations.
package schemacheck

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema pairs a compiled Draft 2020-12 schema with its raw decoded document.
// The raw form is queried for $comment resolution and valid-value hints.
type Schema struct {
	compiled *jsonschema.Schema
	raw      any
}

// RawError is one structural validation failure, immutable once produced.
type RawError struct {
	// InstancePointer locates the failing document node, e.g. "/variants/0/group".
	InstancePointer string
	// InstancePath is the same location in dotted form, e.g. "$.variants[0].group".
	InstancePath string
	// SchemaPointer locates the failing keyword inside the schema document,
	// with $ref indirection already resolved.
	SchemaPointer string
	Message       string
}

// LoadSchema reads and compiles the schema document at path.
func LoadSchema(path string) (*Schema, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve schema path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return CompileSchema(absPath, data)
}

// CompileSchema compiles schema data registered under the given resource name.
func CompileSchema(name string, data []byte) (*Schema, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{compiled: compiled, raw: raw}, nil
}

// Validate runs full structural validation and returns every violation in
// validator traversal order. A nil result means the document is valid.
func (s *Schema) Validate(doc any) []RawError {
	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []RawError{{InstancePath: "$", Message: err.Error()}}
	}
	var out []RawError
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]RawError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, RawError{
			InstancePointer: ve.InstanceLocation,
			InstancePath:    dottedPath(ve.InstanceLocation),
			SchemaPointer:   schemaPointer(ve.AbsoluteKeywordLocation),
			Message:         ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

// dottedPath converts a JSON pointer to the dotted/bracketed form used for
// parent-comment lookup and field-name matching.
func dottedPath(pointer string) string {
	if pointer == "" {
		return "$"
	}
	var b strings.Builder
	b.WriteString("$")
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = unescapeToken(token)
		if _, err := strconv.Atoi(token); err == nil {
			fmt.Fprintf(&b, "[%s]", token)
			continue
		}
		b.WriteString(".")
		b.WriteString(token)
	}
	return b.String()
}

// schemaPointer extracts the resolved in-schema pointer from an absolute
// keyword location such as "file:///x/schema.json#/$defs/title/properties/searchTerm/type".
func schemaPointer(absoluteKeywordLocation string) string {
	_, fragment, found := strings.Cut(absoluteKeywordLocation, "#")
	if !found {
		return ""
	}
	if decoded, err := url.PathUnescape(fragment); err == nil {
		return decoded
	}
	return fragment
}

// nodeAt walks a decoded JSON tree by pointer.
func nodeAt(root any, pointer string) (any, bool) {
	if pointer == "" {
		return root, true
	}
	node := root
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = unescapeToken(token)
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[token]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			node = v[i]
		default:
			return nil, false
		}
	}
	return node, true
}

func unescapeToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}
