package db

import (
	"context"
	"sync"
	"time"

	"formflow/internal/answer"
	"formflow/internal/lifecycle"
	"formflow/internal/model"
)

// Memory is an in-process store with the same guards as Queries. It backs
// tests and the API when no DATABASE_URL is configured.
type Memory struct {
	mu          sync.Mutex
	forms       map[string]model.Form
	assignments map[string]model.Assignment
	submissions map[string]*model.Submission
	files       []model.SubmissionFile
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		forms:       make(map[string]model.Form),
		assignments: make(map[string]model.Assignment),
		submissions: make(map[string]*model.Submission),
		now:         time.Now,
	}
}

func (m *Memory) CreateForm(ctx context.Context, f model.Form) (model.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.CreatedAt = m.now()
	m.forms[f.ID] = f
	return f, nil
}

func (m *Memory) GetForm(ctx context.Context, id string) (model.Form, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.forms[id]
	if !ok {
		return model.Form{}, model.ErrFormNotFound
	}
	return f, nil
}

func (m *Memory) CreateAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forms[a.FormID]; !ok {
		return model.Assignment{}, model.ErrFormNotFound
	}
	a.CreatedAt = m.now()
	m.assignments[a.ID] = a
	return a, nil
}

func (m *Memory) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok {
		return model.Assignment{}, model.ErrAssignmentNotFound
	}
	return a, nil
}

func (m *Memory) MarkAssignmentStarted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.StartedAt != nil {
		return false, nil
	}
	now := m.now()
	a.StartedAt = &now
	m.assignments[id] = a
	return true, nil
}

func (m *Memory) ListAssignmentsForUser(ctx context.Context, userID string) ([]model.AssignmentRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AssignmentRow
	for _, a := range m.assignments {
		if !a.AppliesTo(userID) {
			continue
		}
		row := model.AssignmentRow{
			AssignmentID:     a.ID,
			FormID:           a.FormID,
			FormName:         m.forms[a.FormID].Title,
			TargetType:       a.TargetType,
			AssignedAt:       a.CreatedAt,
			DueAt:            a.DueAt,
			StartedAt:        a.StartedAt,
			SubmissionStatus: model.SubmissionNotStarted,
		}
		if s := m.byFormUser(a.FormID, userID); s != nil {
			row.SubmissionStatus = s.Status
			row.ReviewStatus = s.ReviewStatus
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *Memory) byFormUser(formID, userID string) *model.Submission {
	for _, s := range m.submissions {
		if s.FormID == formID && s.UserID == userID {
			return s
		}
	}
	return nil
}

// copySubmission detaches callers from the stored row
func copySubmission(s *model.Submission) *model.Submission {
	c := *s
	c.Data.Answers = s.Data.Answers.Clone()
	return &c
}

func (m *Memory) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, model.ErrSubmissionNotFound
	}
	return copySubmission(s), nil
}

func (m *Memory) GetSubmissionByFormUser(ctx context.Context, formID, userID string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.byFormUser(formID, userID)
	if s == nil {
		return nil, model.ErrSubmissionNotFound
	}
	return copySubmission(s), nil
}

func (m *Memory) InsertDraft(ctx context.Context, id, formID, userID string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.byFormUser(formID, userID); s != nil {
		return copySubmission(s), nil
	}
	now := m.now()
	s := &model.Submission{
		ID:        id,
		FormID:    formID,
		UserID:    userID,
		Status:    model.SubmissionStarted,
		Data:      model.SubmissionData{Answers: answer.Map{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.submissions[id] = s
	return copySubmission(s), nil
}

func (m *Memory) UpsertSubmission(ctx context.Context, p UpsertSubmissionParams) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if p.Data.Answers == nil {
		p.Data.Answers = answer.Map{}
	}

	s := m.byFormUser(p.FormID, p.UserID)
	if s == nil {
		s = &model.Submission{ID: p.ID, FormID: p.FormID, UserID: p.UserID, Status: model.SubmissionNotStarted, CreatedAt: now}
		m.submissions[s.ID] = s
	} else if lifecycle.IsReadOnly(s.Status, s.ReviewStatus) {
		return nil, model.Conflict("submission is read-only")
	}

	s.Data = p.Data
	s.UpdatedAt = now
	if p.Submit {
		s.Status = model.SubmissionSubmitted
		s.SubmittedAt = &now
	} else if s.Status == model.SubmissionNotStarted {
		s.Status = model.SubmissionStarted
	}
	return copySubmission(s), nil
}

func (m *Memory) ResubmitSubmission(ctx context.Context, id string, d model.SubmissionData) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok || s.ReviewStatus != model.ReviewRejected {
		return nil, model.Conflict("only rejected submissions can be resubmitted")
	}
	now := m.now()
	s.Data = d
	s.Status = model.SubmissionSubmitted
	s.SubmittedAt = &now
	s.ReviewStatus = model.ReviewPending
	s.ReviewedAt = nil
	s.ReviewerID = nil
	s.RejectionReason = nil
	s.UpdatedAt = now
	return copySubmission(s), nil
}

func (m *Memory) ReviewSubmission(ctx context.Context, id string, decision model.ReviewStatus, reviewerID string, reason *string) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, model.ErrSubmissionNotFound
	}
	if s.Status != model.SubmissionSubmitted || (s.ReviewStatus != model.ReviewNone && s.ReviewStatus != model.ReviewPending) {
		return nil, model.Conflict("submission is not awaiting review")
	}
	now := m.now()
	s.ReviewStatus = decision
	s.ReviewedAt = &now
	s.ReviewerID = &reviewerID
	s.RejectionReason = reason
	s.UpdatedAt = now
	return copySubmission(s), nil
}

func (m *Memory) LinkFile(ctx context.Context, f model.SubmissionFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.submissions[f.SubmissionID]; !ok {
		return model.ErrSubmissionNotFound
	}
	m.files = append(m.files, f)
	return nil
}

func (m *Memory) CountFiles(ctx context.Context, submissionID, fieldID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.files {
		if f.SubmissionID == submissionID && f.FieldID == fieldID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetFile(ctx context.Context, submissionID, fileID string) (model.SubmissionFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.SubmissionID == submissionID && f.FileID == fileID {
			return f, nil
		}
	}
	return model.SubmissionFile{}, model.ErrFileNotFound
}

func (m *Memory) UnlinkFile(ctx context.Context, submissionID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.files {
		if f.SubmissionID == submissionID && f.FileID == fileID {
			m.files = append(m.files[:i], m.files[i+1:]...)
			return nil
		}
	}
	return model.ErrFileNotFound
}

// ListFiles returns files in link order, which is completion order
func (m *Memory) ListFiles(ctx context.Context, submissionID string) ([]model.SubmissionFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SubmissionFile
	for _, f := range m.files {
		if f.SubmissionID == submissionID {
			out = append(out, f)
		}
	}
	return out, nil
}
