package service

import (
	"context"

	"formflow/internal/answer"
	"formflow/internal/db"
	"formflow/internal/model"
	"formflow/internal/schema"
)

// FormStore persists form definitions
type FormStore interface {
	CreateForm(ctx context.Context, f model.Form) (model.Form, error)
	GetForm(ctx context.Context, id string) (model.Form, error)
}

// AssignmentStore persists assignments
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error)
	GetAssignment(ctx context.Context, id string) (model.Assignment, error)
	MarkAssignmentStarted(ctx context.Context, id string) (bool, error)
	ListAssignmentsForUser(ctx context.Context, userID string) ([]model.AssignmentRow, error)
}

// SubmissionStore persists submissions. Every write is a single statement.
type SubmissionStore interface {
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	GetSubmissionByFormUser(ctx context.Context, formID, userID string) (*model.Submission, error)
	InsertDraft(ctx context.Context, id, formID, userID string) (*model.Submission, error)
	UpsertSubmission(ctx context.Context, p db.UpsertSubmissionParams) (*model.Submission, error)
	ResubmitSubmission(ctx context.Context, id string, data model.SubmissionData) (*model.Submission, error)
	ReviewSubmission(ctx context.Context, id string, decision model.ReviewStatus, reviewerID string, reason *string) (*model.Submission, error)
}

// FileStore persists file linkage rows
type FileStore interface {
	LinkFile(ctx context.Context, f model.SubmissionFile) error
	CountFiles(ctx context.Context, submissionID, fieldID string) (int, error)
	GetFile(ctx context.Context, submissionID, fileID string) (model.SubmissionFile, error)
	UnlinkFile(ctx context.Context, submissionID, fileID string) error
	ListFiles(ctx context.Context, submissionID string) ([]model.SubmissionFile, error)
}

// Store is everything the services persist. *db.Queries implements it.
type Store interface {
	FormStore
	AssignmentStore
	SubmissionStore
	FileStore
}

var (
	_ Store = (*db.Queries)(nil)
	_ Store = (*db.Memory)(nil)
)

type EventBus interface {
	PublishUser(userID string, event map[string]interface{}) error
	PublishSubmission(submissionID string, event map[string]interface{}) error
	PublishAssignment(assignmentID string, event map[string]interface{}) error
}

// SignatureResolver uploads captured signatures before answers are persisted
type SignatureResolver interface {
	Resolve(ctx context.Context, userID, formID string, s *schema.Schema, answers answer.Map) (answer.Map, error)
}

// UploadGuard reports submissions with uploads still running
type UploadGuard interface {
	Busy(submissionID string) bool
}
