package validate

import (
	"context"
	"fmt"

	"formflow/internal/answer"
	"formflow/internal/model"
	"formflow/internal/schema"
)

// Required reports every visible, interactive, required field whose answer is
// missing, in document order. Display-only fields are never required and a
// field hidden by its visibility conditions is exempt.
func Required(s *schema.Schema, answers answer.Map) model.FieldErrors {
	var errs model.FieldErrors
	for _, f := range s.Fields() {
		if !f.Required || !requirable(f) {
			continue
		}
		if !s.Visible(f, answers) {
			continue
		}
		if answer.IsMissing(answers[f.ID]) {
			errs = append(errs, model.FieldError{
				FieldID: f.ID,
				Message: fmt.Sprintf("%s is required.", f.DisplayLabel()),
			})
		}
	}
	return errs
}

func requirable(f *schema.Field) bool {
	t := f.Type.Traits()
	if !t.Interactive {
		return false
	}
	switch t.Storage {
	case schema.StorageInline, schema.StorageFileLink, schema.StorageSignatureRef:
		return true
	case schema.StorageNone:
		return false
	}
	panic(fmt.Sprintf("validate: unhandled storage kind %d", t.Storage))
}

// Constraints runs the compiled per-field constraints when the form asks for
// them. Hidden fields are not checked.
func Constraints(ctx context.Context, c *schema.Compiler, s *schema.Schema, answers answer.Map) (model.FieldErrors, error) {
	if !s.Settings.RequireValidation {
		return nil, nil
	}

	visible := make(answer.Map, len(answers))
	for id, v := range answers {
		f, ok := s.Field(id)
		if !ok || !s.Visible(f, answers) {
			continue
		}
		visible[id] = v
	}

	errs, err := c.Validate(ctx, s, visible)
	if err != nil {
		return nil, fmt.Errorf("failed to check constraints: %w", err)
	}
	return errs, nil
}

// Submission combines the required check and the constraint check the way
// submit applies them: required errors win for a field that has both.
func Submission(ctx context.Context, c *schema.Compiler, s *schema.Schema, answers answer.Map) (model.FieldErrors, error) {
	errs := Required(s, answers)

	constraintErrs, err := Constraints(ctx, c, s, answers)
	if err != nil {
		return nil, err
	}
	if len(constraintErrs) == 0 {
		return errs, nil
	}

	seen := errs.Map()
	for _, e := range constraintErrs {
		if _, dup := seen[e.FieldID]; !dup {
			errs = append(errs, e)
		}
	}
	return order(s, errs), nil
}

func order(s *schema.Schema, errs model.FieldErrors) model.FieldErrors {
	byID := errs.Map()
	out := make(model.FieldErrors, 0, len(errs))
	for _, f := range s.Fields() {
		if msg, ok := byID[f.ID]; ok {
			out = append(out, model.FieldError{FieldID: f.ID, Message: msg})
		}
	}
	return out
}
