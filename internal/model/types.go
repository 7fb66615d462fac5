package model

import (
	"time"

	"formflow/internal/answer"
)

// SubmissionStatus is the stored progress of a learner's submission
type SubmissionStatus string

const (
	SubmissionNotStarted SubmissionStatus = "not_started"
	SubmissionStarted    SubmissionStatus = "started"
	SubmissionSubmitted  SubmissionStatus = "submitted"
)

// ReviewStatus is the admin disposition of a submission. The empty value
// stands for "no review yet" (NULL in storage).
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = ""
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// DerivedStatus is the single lifecycle label shown in listings and detail views
type DerivedStatus string

const (
	DerivedNotStarted DerivedStatus = "Not Started"
	DerivedStarted    DerivedStatus = "Started"
	DerivedSubmitted  DerivedStatus = "Submitted"
	DerivedRejected   DerivedStatus = "Rejected"
	DerivedCompleted  DerivedStatus = "Completed"
)

// TargetType selects who an assignment applies to
type TargetType string

const (
	TargetAll  TargetType = "all"
	TargetUser TargetType = "user"
)

// SubmissionData is the JSON document stored with a submission
type SubmissionData struct {
	Answers  answer.Map             `json:"answers"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Submission is one user's response to one form
type Submission struct {
	ID              string           `json:"id"`
	FormID          string           `json:"formId"`
	UserID          string           `json:"userId"`
	Status          SubmissionStatus `json:"status"`
	Data            SubmissionData   `json:"data"`
	SubmittedAt     *time.Time       `json:"submittedAt,omitempty"`
	ReviewStatus    ReviewStatus     `json:"reviewStatus,omitempty"`
	ReviewedAt      *time.Time       `json:"reviewedAt,omitempty"`
	ReviewerID      *string          `json:"reviewerId,omitempty"`
	RejectionReason *string          `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Assignment binds a form to one user or to everyone
type Assignment struct {
	ID         string     `json:"id"`
	FormID     string     `json:"formId"`
	TargetType TargetType `json:"targetType"`
	TargetID   *string    `json:"targetId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// AppliesTo reports whether the assignment targets userID
func (a Assignment) AppliesTo(userID string) bool {
	if a.TargetType == TargetAll {
		return true
	}
	return a.TargetID != nil && *a.TargetID == userID
}

// AssignedForm is one row of a learner's assignment listing
type AssignedForm struct {
	AssignmentID string        `json:"assignmentId"`
	FormID       string        `json:"formId"`
	FormName     string        `json:"formName"`
	AssignedAt   time.Time     `json:"assignedAt"`
	DueAt        *time.Time    `json:"dueAt,omitempty"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	Status       DerivedStatus `json:"status"`
}

// Form is a stored form definition. The schema stays raw here; the schema
// package owns parsing.
type Form struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Schema    []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubmissionFile is one linked upload of a file field
type SubmissionFile struct {
	answer.FileAnswerItem
	SubmissionID string `json:"submissionId"`
	FieldID      string `json:"fieldId"`
	ContentType  string `json:"contentType"`
	SizeBytes    int64  `json:"sizeBytes"`
	SHA256       string `json:"sha256"`
}

// AssignmentRow is an assignment joined with its form and the user's
// submission state, before the derived status is computed
type AssignmentRow struct {
	AssignmentID     string
	FormID           string
	FormName         string
	TargetType       TargetType
	AssignedAt       time.Time
	DueAt            *time.Time
	StartedAt        *time.Time
	SubmissionStatus SubmissionStatus
	ReviewStatus     ReviewStatus
}
