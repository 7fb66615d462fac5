package api

import (
	"io"
	"net/http"
	"time"

	"formflow/internal/model"
	"formflow/internal/service"

	"github.com/go-chi/chi/v5"
)

const maxSchemaBytes = 1 << 20

func (d Dependencies) createForm(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxSchemaBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Could not read body", d.Log)
		return
	}
	form, err := d.Forms.CreateForm(r.Context(), raw)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, form)
}

func (d Dependencies) getForm(w http.ResponseWriter, r *http.Request) {
	form, err := d.Forms.GetForm(r.Context(), chi.URLParam(r, "formID"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

type CreateAssignmentRequest struct {
	FormID     string     `json:"formId" validate:"required"`
	TargetType string     `json:"targetType" validate:"required,oneof=all user"`
	TargetID   *string    `json:"targetId,omitempty" validate:"required_if=TargetType user"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
}

func (d Dependencies) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if err := d.decode(w, r, &req); err != nil {
		writeServiceError(w, err, d.Log)
		return
	}

	a, err := d.Assignments.CreateAssignment(r.Context(), service.CreateAssignmentInput{
		FormID:     req.FormID,
		TargetType: model.TargetType(req.TargetType),
		TargetID:   req.TargetID,
		DueAt:      req.DueAt,
	})
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (d Dependencies) listAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := d.Assignments.ListAssignedForms(r.Context(), identity(r).UserID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": list})
}

func (d Dependencies) openAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := d.Submissions.OpenAssignment(r.Context(), chi.URLParam(r, "id"), identity(r).UserID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
