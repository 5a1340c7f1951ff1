// Package openapi loads OpenAPI documents and indexes their component
// schemas so encounter metadata can be checked against them.
package openapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// ValidationError describes one schema violation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Index caches component schemas keyed by (file, schema name).
type Index struct {
	mu      sync.Mutex
	schemas map[string]*openapi3.Schema // key: "file#name"
	byFile  map[string][]string         // file → []schema name
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		schemas: make(map[string]*openapi3.Schema),
		byFile:  make(map[string][]string),
	}
}

func schemaKey(file, name string) string {
	return file + "#" + name
}

// LoadFile parses and validates an OpenAPI document and indexes its
// component schemas. Loading the same file twice is a no-op.
func (idx *Index) LoadFile(ctx context.Context, path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.byFile[path]; ok {
		return nil
	}

	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", path, err)
	}

	names := []string{}
	if doc.Components != nil {
		for name, ref := range doc.Components.Schemas {
			if ref == nil || ref.Value == nil {
				continue
			}
			idx.schemas[schemaKey(path, name)] = ref.Value
			names = append(names, name)
		}
	}
	sort.Strings(names)
	idx.byFile[path] = names
	return nil
}

// Schema returns a component schema, loading its file on first use.
func (idx *Index) Schema(ctx context.Context, path, name string) (*openapi3.Schema, error) {
	if err := idx.LoadFile(ctx, path); err != nil {
		return nil, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	s, ok := idx.schemas[schemaKey(path, name)]
	if !ok {
		return nil, fmt.Errorf("openapi: schema %q not found in %s", name, path)
	}
	return s, nil
}

// SchemaNames returns the component schema names indexed for a file, sorted.
func (idx *Index) SchemaNames(path string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	names := make([]string, len(idx.byFile[path]))
	copy(names, idx.byFile[path])
	return names
}

// ParseSchema builds a schema from an inline, YAML- or JSON-decoded map.
func ParseSchema(ctx context.Context, raw map[string]any) (*openapi3.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("openapi: encoding inline schema: %w", err)
	}
	schema := &openapi3.Schema{}
	if err := schema.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("openapi: decoding inline schema: %w", err)
	}
	if err := schema.Validate(ctx); err != nil {
		return nil, fmt.Errorf("openapi: invalid inline schema: %w", err)
	}
	return schema, nil
}

// Validate checks value against schema and returns every violation found.
// Returns an empty slice if valid.
func Validate(schema *openapi3.Schema, value map[string]any) []ValidationError {
	if value == nil {
		value = map[string]any{}
	}

	// Round-trip through JSON so Go-typed values ([]string, int, structs)
	// arrive in the shapes the visitor understands.
	data, err := json.Marshal(value)
	if err != nil {
		return []ValidationError{{Message: fmt.Sprintf("value is not representable as JSON: %v", err)}}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []ValidationError{{Message: err.Error()}}
	}

	errs := []ValidationError{}
	if err := schema.VisitJSON(doc, openapi3.MultiErrors()); err != nil {
		collect(err, &errs)
	}
	return errs
}

func collect(err error, out *[]ValidationError) {
	if multi, ok := err.(openapi3.MultiError); ok {
		for _, e := range multi {
			collect(e, out)
		}
		return
	}
	*out = append(*out, toValidationError(err))
}

func toValidationError(err error) ValidationError {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return ValidationError{Message: err.Error()}
	}
	field := ""
	if ptr := se.JSONPointer(); len(ptr) > 0 {
		field = "/" + strings.Join(ptr, "/")
	}
	return ValidationError{Field: field, Message: se.Reason}
}
