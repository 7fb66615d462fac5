package schema

import (
	"encoding/json"
	"strconv"

	"formflow/internal/answer"
)

// Visible reports whether f is shown given the current answers. All
// conditions must hold; a field inside a hidden group is hidden too.
func (s *Schema) Visible(f *Field, answers answer.Map) bool {
	for cur := f; cur != nil; cur = s.parent[cur.ID] {
		for _, c := range cur.VisibilityConditions {
			if !c.Holds(answers[c.FieldID]) {
				return false
			}
		}
	}
	return true
}

// Holds evaluates the condition against one answer
func (c VisibilityCondition) Holds(v answer.Value) bool {
	var want interface{}
	if len(c.Value) > 0 {
		if err := json.Unmarshal(c.Value, &want); err != nil {
			return false
		}
	}

	switch c.Operator {
	case OpEquals:
		return equals(v, want)
	case OpNotEquals:
		return !equals(v, want)
	case OpIn:
		return in(v, want)
	case OpNotIn:
		return !in(v, want)
	case OpGT, OpLT, OpGTE, OpLTE:
		cmp, ok := compare(v, want)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGT:
			return cmp > 0
		case OpLT:
			return cmp < 0
		case OpGTE:
			return cmp >= 0
		default:
			return cmp <= 0
		}
	}
	return false
}

func equals(v answer.Value, want interface{}) bool {
	switch t := v.(type) {
	case nil:
		return want == nil
	case answer.Text:
		s, ok := want.(string)
		return ok && s == string(t)
	case answer.Number:
		n, ok := toFloat(want)
		return ok && n == float64(t)
	case answer.Bool:
		b, ok := want.(bool)
		return ok && b == bool(t)
	case answer.Choices:
		// a checkbox group equals a scalar when it holds exactly that choice
		if s, ok := want.(string); ok {
			return len(t) == 1 && t[0] == s
		}
		list, ok := want.([]interface{})
		if !ok || len(list) != len(t) {
			return false
		}
		for i := range t {
			if s, ok := list[i].(string); !ok || s != t[i] {
				return false
			}
		}
		return true
	}
	return false
}

func in(v answer.Value, want interface{}) bool {
	list, ok := want.([]interface{})
	if !ok {
		return false
	}
	if choices, ok := v.(answer.Choices); ok {
		for _, c := range choices {
			for _, w := range list {
				if s, ok := w.(string); ok && s == c {
					return true
				}
			}
		}
		return false
	}
	for _, w := range list {
		if equals(v, w) {
			return true
		}
	}
	return false
}

// compare orders numbers numerically and two strings lexically, which
// covers ISO dates.
func compare(v answer.Value, want interface{}) (int, bool) {
	switch t := v.(type) {
	case answer.Number:
		n, ok := toFloat(want)
		if !ok {
			return 0, false
		}
		return cmpFloat(float64(t), n), true
	case answer.Text:
		if n, ok := toFloat(want); ok {
			f, err := strconv.ParseFloat(string(t), 64)
			if err != nil {
				return 0, false
			}
			return cmpFloat(f, n), true
		}
		s, ok := want.(string)
		if !ok {
			return 0, false
		}
		switch {
		case string(t) < s:
			return -1, true
		case string(t) > s:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
