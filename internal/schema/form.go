package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Schema is an immutable form definition as produced by the authoring tool
type Schema struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category,omitempty"`
	Version     string    `json:"version,omitempty"`
	Settings    Settings  `json:"settings"`
	Sections    []Section `json:"sections"`

	index  map[string]*Field
	parent map[string]*Field
	order  []*Field
}

// Settings are per-form behaviour flags
type Settings struct {
	AllowDrafts              bool `json:"allowDrafts"`
	AllowMultipleSubmissions bool `json:"allowMultipleSubmissions"`
	RequireValidation        bool `json:"requireValidation"`
	ShowSubmissionToUser     bool `json:"showSubmissionToUser"`
}

type Section struct {
	ID          string  `json:"id"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// Field is one question or display element. Type-specific attributes are
// flattened onto the struct and ignored by types that do not use them.
type Field struct {
	ID                   string                `json:"id"`
	Type                 FieldType             `json:"type"`
	Label                string                `json:"label,omitempty"`
	HelpText             string                `json:"helpText,omitempty"`
	Required             bool                  `json:"required,omitempty"`
	Placeholder          string                `json:"placeholder,omitempty"`
	MaxLength            *int                  `json:"maxLength,omitempty"`
	Options              []Option              `json:"options,omitempty"`
	DefaultValue         json.RawMessage       `json:"defaultValue,omitempty"`
	Validation           *Validation           `json:"validation,omitempty"`
	Layout               *Layout               `json:"layout,omitempty"`
	VisibilityConditions []VisibilityCondition `json:"visibilityConditions,omitempty"`
	VisibleToRoles       []string              `json:"visibleToRoles,omitempty"`
	ReadOnly             bool                  `json:"readOnly,omitempty"`
	AllowMultiple        bool                  `json:"allowMultiple,omitempty"`

	// file
	Accept        []string `json:"accept,omitempty"`
	MaxFileSizeMB *float64 `json:"maxFileSizeMB,omitempty"`

	// image
	Src     string `json:"src,omitempty"`
	Alt     string `json:"alt,omitempty"`
	Caption string `json:"caption,omitempty"`

	// divider
	Style        string `json:"style,omitempty"`
	Thickness    *int   `json:"thickness,omitempty"`
	MarginTop    *int   `json:"marginTop,omitempty"`
	MarginBottom *int   `json:"marginBottom,omitempty"`

	// group
	Fields []Field `json:"fields,omitempty"`
}

// DisplayLabel is the label used in user-facing messages
func (f *Field) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.ID
}

type Validation struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
}

type Layout struct {
	Width string `json:"width,omitempty"`
	Order *int   `json:"order,omitempty"`
}

// Option is a choice for dropdown, radio and checkbox_group fields. Authoring
// tools emit either bare strings or {label, value} objects.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (o *Option) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		o.Label, o.Value = s, s
		return nil
	}
	type plain Option
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("option must be a string or {label, value}: %w", err)
	}
	if p.Value == "" {
		p.Value = p.Label
	}
	*o = Option(p)
	return nil
}

// Operator compares an answer with a condition value
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpGT        Operator = "gt"
	OpLT        Operator = "lt"
	OpGTE       Operator = "gte"
	OpLTE       Operator = "lte"
)

func (o Operator) valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpGT, OpLT, OpGTE, OpLTE:
		return true
	}
	return false
}

type VisibilityCondition struct {
	FieldID  string          `json:"fieldId"`
	Operator Operator        `json:"operator"`
	Value    json.RawMessage `json:"value"`
}

// Parse decodes a schema document and checks its structural contract
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	if err := s.init(); err != nil {
		return nil, err
	}
	return &s, nil
}

// MustParse is Parse for fixtures and tests
func MustParse(data []byte) *Schema {
	s, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) init() error {
	if s.Title == "" {
		return fmt.Errorf("schema title is required")
	}

	s.index = make(map[string]*Field)
	s.parent = make(map[string]*Field)
	s.order = nil

	sectionIDs := make(map[string]bool, len(s.Sections))
	for i := range s.Sections {
		sec := &s.Sections[i]
		if sec.ID == "" {
			return fmt.Errorf("section %d has no id", i)
		}
		if sectionIDs[sec.ID] {
			return fmt.Errorf("duplicate section id %q", sec.ID)
		}
		sectionIDs[sec.ID] = true

		if err := s.indexFields(sec.Fields, nil); err != nil {
			return err
		}
	}

	for _, f := range s.order {
		for _, c := range f.VisibilityConditions {
			if !c.Operator.valid() {
				return fmt.Errorf("field %q: unknown visibility operator %q", f.ID, c.Operator)
			}
			if _, ok := s.index[c.FieldID]; !ok {
				return fmt.Errorf("field %q: visibility condition references unknown field %q", f.ID, c.FieldID)
			}
		}
		if f.Validation != nil && f.Validation.Pattern != "" {
			if _, err := regexp.Compile(f.Validation.Pattern); err != nil {
				return fmt.Errorf("field %q: invalid pattern: %w", f.ID, err)
			}
		}
	}
	return nil
}

func (s *Schema) indexFields(fields []Field, parent *Field) error {
	for i := range fields {
		f := &fields[i]
		if f.ID == "" {
			return fmt.Errorf("field without id (label %q)", f.Label)
		}
		if !f.Type.Valid() {
			return fmt.Errorf("field %q: invalid type", f.ID)
		}
		if _, dup := s.index[f.ID]; dup {
			return fmt.Errorf("duplicate field id %q", f.ID)
		}
		if len(f.Fields) > 0 && f.Type != Group {
			return fmt.Errorf("field %q: only groups may contain fields", f.ID)
		}

		s.index[f.ID] = f
		if parent != nil {
			s.parent[f.ID] = parent
		}
		s.order = append(s.order, f)

		if err := s.indexFields(f.Fields, f); err != nil {
			return err
		}
	}
	return nil
}

// Fields returns every field in document order: sections in order, group
// children right after their group.
func (s *Schema) Fields() []*Field {
	return s.order
}

// Field looks up a field by id
func (s *Schema) Field(id string) (*Field, bool) {
	f, ok := s.index[id]
	return f, ok
}

// FieldsByStorage returns the fields whose answers are stored as st
func (s *Schema) FieldsByStorage(st Storage) []*Field {
	var out []*Field
	for _, f := range s.order {
		if f.Type.Traits().Storage == st {
			out = append(out, f)
		}
	}
	return out
}
