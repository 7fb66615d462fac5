package schema

import "fmt"

// FieldType is the closed set of field variants a form can contain
type FieldType uint8

const (
	ShortText FieldType = iota
	LongText
	Dropdown
	Radio
	Checkbox
	CheckboxGroup
	Date
	Number
	Rating
	Signature
	File
	StaticText
	Image
	Divider
	Group

	fieldTypeCount
)

// Storage says where a field's answer lives
type Storage uint8

const (
	// StorageNone fields are display-only and never carry an answer
	StorageNone Storage = iota
	// StorageInline answers are persisted in the submission's data document
	StorageInline
	// StorageFileLink answers live in the file linkage table
	StorageFileLink
	// StorageSignatureRef answers start as a data URL and are persisted as a storage reference
	StorageSignatureRef
)

// Traits describe how the rest of the system treats a field type
type Traits struct {
	Name        string
	Interactive bool
	Storage     Storage
}

var fieldTraits = [...]Traits{
	ShortText:     {Name: "short_text", Interactive: true, Storage: StorageInline},
	LongText:      {Name: "long_text", Interactive: true, Storage: StorageInline},
	Dropdown:      {Name: "dropdown", Interactive: true, Storage: StorageInline},
	Radio:         {Name: "radio", Interactive: true, Storage: StorageInline},
	Checkbox:      {Name: "checkbox", Interactive: true, Storage: StorageInline},
	CheckboxGroup: {Name: "checkbox_group", Interactive: true, Storage: StorageInline},
	Date:          {Name: "date", Interactive: true, Storage: StorageInline},
	Number:        {Name: "number", Interactive: true, Storage: StorageInline},
	Rating:        {Name: "rating", Interactive: true, Storage: StorageInline},
	Signature:     {Name: "signature", Interactive: true, Storage: StorageSignatureRef},
	File:          {Name: "file", Interactive: true, Storage: StorageFileLink},
	StaticText:    {Name: "static_text", Interactive: false, Storage: StorageNone},
	Image:         {Name: "image", Interactive: false, Storage: StorageNone},
	Divider:       {Name: "divider", Interactive: false, Storage: StorageNone},
	Group:         {Name: "group", Interactive: false, Storage: StorageNone},
}

// A field type added to the enum without a traits entry changes the array
// length and breaks this assignment at compile time.
var _ [fieldTypeCount]Traits = fieldTraits

var fieldTypeByName = func() map[string]FieldType {
	m := make(map[string]FieldType, len(fieldTraits))
	for i, t := range fieldTraits {
		if t.Name == "" {
			panic(fmt.Sprintf("schema: field type %d has no traits", i))
		}
		m[t.Name] = FieldType(i)
	}
	return m
}()

// Traits returns the traits of t
func (t FieldType) Traits() Traits {
	if t >= fieldTypeCount {
		return Traits{Name: "unknown"}
	}
	return fieldTraits[t]
}

func (t FieldType) String() string {
	return t.Traits().Name
}

// Valid reports whether t is one of the declared field types
func (t FieldType) Valid() bool {
	return t < fieldTypeCount
}

// ParseFieldType maps a wire name such as "short_text" to its FieldType
func ParseFieldType(name string) (FieldType, error) {
	t, ok := fieldTypeByName[name]
	if !ok {
		return 0, fmt.Errorf("unknown field type %q", name)
	}
	return t, nil
}

func (t FieldType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid field type %d", t)
	}
	return []byte(t.String()), nil
}

func (t *FieldType) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// FieldTypes lists every declared type in enum order
func FieldTypes() []FieldType {
	out := make([]FieldType, 0, fieldTypeCount)
	for i := FieldType(0); i < fieldTypeCount; i++ {
		out = append(out, i)
	}
	return out
}
