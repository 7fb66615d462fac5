package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"formflow/internal/answer"
	"formflow/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiler turns a form schema into a JSON Schema that checks the per-field
// constraints (min/max, lengths, patterns, option membership, date format).
// Compiled schemas are cached by content.
type Compiler struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *js.Schema]
}

// NewCompilerWithCache creates a compiler keeping up to maxSize compiled schemas
func NewCompilerWithCache(maxSize int) *Compiler {
	return &Compiler{
		cache: expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

// JSONSchema builds the constraint document for the inline fields of s
func JSONSchema(s *Schema) map[string]interface{} {
	props := make(map[string]interface{})
	for _, f := range s.FieldsByStorage(StorageInline) {
		props[f.ID] = fieldSchema(f)
	}
	return map[string]interface{}{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	}
}

func fieldSchema(f *Field) map[string]interface{} {
	out := map[string]interface{}{}
	v := f.Validation
	if v == nil {
		v = &Validation{}
	}

	switch f.Type {
	case ShortText, LongText:
		out["type"] = "string"
		if n := minLength(f.MaxLength, v.MaxLength); n != nil {
			out["maxLength"] = *n
		}
		if v.Pattern != "" {
			out["pattern"] = v.Pattern
		}
	case Dropdown, Radio:
		out["type"] = "string"
		if len(f.Options) > 0 {
			out["enum"] = optionValues(f.Options)
		}
	case CheckboxGroup:
		items := map[string]interface{}{"type": "string"}
		if len(f.Options) > 0 {
			items["enum"] = optionValues(f.Options)
		}
		out["type"] = "array"
		out["items"] = items
	case Checkbox:
		out["type"] = "boolean"
	case Date:
		out["type"] = "string"
		out["format"] = "date"
	case Number, Rating:
		out["type"] = "number"
		if v.Min != nil {
			out["minimum"] = *v.Min
		}
		if v.Max != nil {
			out["maximum"] = *v.Max
		}
	}
	return out
}

func minLength(a, b *int) *int {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a < *b:
		return a
	}
	return b
}

func optionValues(opts []Option) []interface{} {
	out := make([]interface{}, 0, len(opts))
	for _, o := range opts {
		out = append(out, o.Value)
	}
	return out
}

func (c *Compiler) key(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Prepare compiles and caches the constraint schema of s
func (c *Compiler) Prepare(ctx context.Context, s *Schema) (*js.Schema, error) {
	doc, err := json.Marshal(JSONSchema(s))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	key := c.key(doc)
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	comp := js.NewCompiler()
	comp.AssertFormat = true
	resourceURL := fmt.Sprintf("mem://schema/%s.json", key[:16])
	if err := comp.AddResource(resourceURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}

	compiled, err := comp.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

// Validate checks the inline answers against the field constraints. Nil
// answers are skipped; missing answers are the required check's concern.
func (c *Compiler) Validate(ctx context.Context, s *Schema, answers answer.Map) (model.FieldErrors, error) {
	compiled, err := c.Prepare(ctx, s)
	if err != nil {
		return nil, err
	}

	present := make(answer.Map, len(answers))
	for id, v := range answers {
		if v == nil {
			continue
		}
		if f, ok := s.Field(id); ok && f.Type.Traits().Storage == StorageInline {
			present[id] = v
		}
	}

	value, err := present.Plain()
	if err != nil {
		return nil, fmt.Errorf("failed to convert answers: %w", err)
	}

	err = compiled.Validate(value)
	if err == nil {
		return nil, nil
	}

	var verr *js.ValidationError
	if !errors.As(err, &verr) {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return fieldErrors(s, verr), nil
}

// fieldErrors flattens the validator's cause tree into one message per
// field, ordered like the schema.
func fieldErrors(s *Schema, root *js.ValidationError) model.FieldErrors {
	byField := make(map[string]string)
	var walk func(e *js.ValidationError)
	walk = func(e *js.ValidationError) {
		if len(e.Causes) == 0 {
			id := fieldFromPointer(e.InstanceLocation)
			if id == "" {
				return
			}
			if _, seen := byField[id]; !seen {
				byField[id] = e.Message
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(root)

	var out model.FieldErrors
	for _, f := range s.Fields() {
		if msg, ok := byField[f.ID]; ok {
			out = append(out, model.FieldError{
				FieldID: f.ID,
				Message: fmt.Sprintf("%s: %s", f.DisplayLabel(), msg),
			})
		}
	}
	return out
}

func fieldFromPointer(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if i := strings.IndexByte(ptr, '/'); i >= 0 {
		ptr = ptr[:i]
	}
	ptr = strings.ReplaceAll(ptr, "~1", "/")
	return strings.ReplaceAll(ptr, "~0", "~")
}
