package api

import (
	"context"
	"errors"
	"net/http"

	"formflow/internal/answer"
	"formflow/internal/lifecycle"
	"formflow/internal/model"
	"formflow/internal/service"

	"github.com/go-chi/chi/v5"
)

// SubmissionRequest is the body of save, submit and resubmit
type SubmissionRequest struct {
	SubmissionID string                 `json:"submissionId,omitempty"`
	Answers      answer.Map             `json:"answers"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// SubmissionResponse is a submission with its derived lifecycle state
type SubmissionResponse struct {
	Submission    *model.Submission   `json:"submission"`
	DerivedStatus model.DerivedStatus `json:"derivedStatus"`
	ReadOnly      bool                `json:"readOnly"`
}

func newSubmissionResponse(sub *model.Submission) SubmissionResponse {
	resp := SubmissionResponse{Submission: sub, DerivedStatus: lifecycle.Derive(sub, nil)}
	if sub != nil {
		resp.ReadOnly = lifecycle.IsReadOnly(sub.Status, sub.ReviewStatus)
	}
	return resp
}

func (d Dependencies) getSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := d.Submissions.GetLatestSubmission(r.Context(), chi.URLParam(r, "formID"), identity(r).UserID)
	if errors.Is(err, model.ErrSubmissionNotFound) {
		if _, ferr := d.Forms.GetForm(r.Context(), chi.URLParam(r, "formID")); ferr != nil {
			writeServiceError(w, ferr, d.Log)
			return
		}
		sub, err = nil, nil
	}
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(sub))
}

type submitFunc func(ctx context.Context, in service.SubmissionInput) (*model.Submission, error)

func (d Dependencies) handleSubmission(w http.ResponseWriter, r *http.Request, fn submitFunc) {
	var req SubmissionRequest
	if err := d.decode(w, r, &req); err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if req.Answers == nil {
		req.Answers = answer.Map{}
	}

	sub, err := fn(r.Context(), service.SubmissionInput{
		FormID:       chi.URLParam(r, "formID"),
		UserID:       identity(r).UserID,
		SubmissionID: req.SubmissionID,
		Answers:      req.Answers,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (d Dependencies) saveSubmission(w http.ResponseWriter, r *http.Request) {
	d.handleSubmission(w, r, d.Submissions.Save)
}

func (d Dependencies) submitSubmission(w http.ResponseWriter, r *http.Request) {
	d.handleSubmission(w, r, d.Submissions.Submit)
}

func (d Dependencies) resubmitSubmission(w http.ResponseWriter, r *http.Request) {
	d.handleSubmission(w, r, d.Submissions.Resubmit)
}

type RejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (d Dependencies) approveSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := d.Reviews.Approve(r.Context(), chi.URLParam(r, "id"), identity(r).UserID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (d Dependencies) rejectSubmission(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := d.decode(w, r, &req); err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	sub, err := d.Reviews.Reject(r.Context(), chi.URLParam(r, "id"), identity(r).UserID, req.Reason)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (d Dependencies) listFiles(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	submissionID := chi.URLParam(r, "id")

	sub, err := d.Submissions.GetSubmission(r.Context(), submissionID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if sub.UserID != id.UserID && !id.IsAdmin() {
		writeServiceError(w, model.ErrSubmissionNotFound, d.Log)
		return
	}

	files, err := d.Submissions.GetFilesForSubmission(r.Context(), submissionID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}
