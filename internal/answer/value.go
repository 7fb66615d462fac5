package answer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SignatureDataURLPrefix marks a captured signature that has not been uploaded yet
const SignatureDataURLPrefix = "data:image/png;base64,"

// Value is the closed set of answer shapes. The unexported marker keeps other
// packages from adding variants.
type Value interface {
	answerValue()
}

type (
	Text      string
	Number    float64
	Bool      bool
	Choices   []string
	Files     []FileAnswerItem
	Signature SignatureAnswer
)

func (Text) answerValue()      {}
func (Number) answerValue()    {}
func (Bool) answerValue()      {}
func (Choices) answerValue()   {}
func (Files) answerValue()     {}
func (Signature) answerValue() {}

// FileAnswerItem references an uploaded file. It never carries the bytes.
type FileAnswerItem struct {
	FileID        string    `json:"fileId"`
	FileName      string    `json:"fileName"`
	StorageBucket string    `json:"storageBucket"`
	StoragePath   string    `json:"storagePath"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// SignatureAnswer references an uploaded signature image
type SignatureAnswer struct {
	StorageBucket string    `json:"storageBucket"`
	StoragePath   string    `json:"storagePath"`
	SignedAt      time.Time `json:"signedAt"`
}

// IsMissing reports whether v counts as "no answer" for required checks:
// nil, the exact empty string, or an empty list. Whitespace is an answer.
func IsMissing(v Value) bool {
	switch t := v.(type) {
	case nil:
		return true
	case Text:
		return t == ""
	case Choices:
		return len(t) == 0
	case Files:
		return len(t) == 0
	default:
		return false
	}
}

// IsSignatureDataURL reports whether v is a captured but not yet uploaded signature
func IsSignatureDataURL(v Value) bool {
	t, ok := v.(Text)
	return ok && strings.HasPrefix(string(t), SignatureDataURLPrefix)
}

// Decode parses one JSON answer by shape
func Decode(raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return Text(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil
	case '[':
		return decodeList(raw)
	case '{':
		var sig SignatureAnswer
		if err := json.Unmarshal(raw, &sig); err != nil {
			return nil, err
		}
		if sig.StoragePath == "" {
			return nil, fmt.Errorf("object answer is not a signature reference")
		}
		return Signature(sig), nil
	default:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("unsupported answer value: %w", err)
		}
		return Number(n), nil
	}
}

func decodeList(raw json.RawMessage) (Value, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return Choices{}, nil
	}

	first := bytes.TrimSpace(items[0])
	if len(first) > 0 && first[0] == '{' {
		var files Files
		if err := json.Unmarshal(raw, &files); err != nil {
			return nil, fmt.Errorf("invalid file list: %w", err)
		}
		for i, f := range files {
			if f.FileID == "" || f.StoragePath == "" {
				return nil, fmt.Errorf("file entry %d is missing fileId or storagePath", i)
			}
		}
		return files, nil
	}

	var choices Choices
	if err := json.Unmarshal(raw, &choices); err != nil {
		return nil, fmt.Errorf("list answers must be strings or file references: %w", err)
	}
	return choices, nil
}

// Map holds the answers of one submission keyed by field id
type Map map[string]Value

// Clone returns a shallow copy. List values are copied so appends on the
// copy never alias the original.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case Choices:
			out[k] = append(Choices(nil), t...)
		case Files:
			out[k] = append(Files(nil), t...)
		default:
			out[k] = v
		}
	}
	return out
}

func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Map, len(raw))
	for id, r := range raw {
		v, err := Decode(r)
		if err != nil {
			return fmt.Errorf("answer %q: %w", id, err)
		}
		out[id] = v
	}
	*m = out
	return nil
}

// Plain converts the answers to generic JSON values, the shape the JSON
// Schema validator expects.
func (m Map) Plain() (map[string]interface{}, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
