package lifecycle

import (
	"sort"
	"time"

	"formflow/internal/model"
)

// IsReadOnly is the one editability rule: a submitted form is locked unless it
// was rejected, and an approved form is always locked.
func IsReadOnly(status model.SubmissionStatus, review model.ReviewStatus) bool {
	return (status == model.SubmissionSubmitted && review != model.ReviewRejected) ||
		review == model.ReviewApproved
}

// DeriveStatus collapses the stored fields into the label shown to users.
// Review outcome wins over submission progress.
func DeriveStatus(status model.SubmissionStatus, review model.ReviewStatus, startedAt *time.Time) model.DerivedStatus {
	switch {
	case review == model.ReviewApproved:
		return model.DerivedCompleted
	case review == model.ReviewRejected:
		return model.DerivedRejected
	case status == model.SubmissionSubmitted:
		return model.DerivedSubmitted
	case status == model.SubmissionStarted || startedAt != nil:
		return model.DerivedStarted
	default:
		return model.DerivedNotStarted
	}
}

// Derive computes the label for a possibly absent submission
func Derive(sub *model.Submission, startedAt *time.Time) model.DerivedStatus {
	if sub == nil {
		return DeriveStatus(model.SubmissionNotStarted, model.ReviewNone, startedAt)
	}
	return DeriveStatus(sub.Status, sub.ReviewStatus, startedAt)
}

var rank = map[model.DerivedStatus]int{
	model.DerivedRejected:   1,
	model.DerivedStarted:    2,
	model.DerivedNotStarted: 3,
	model.DerivedSubmitted:  4,
	model.DerivedCompleted:  5,
}

// Rank orders statuses by how much they need the learner's attention
func Rank(s model.DerivedStatus) int {
	if r, ok := rank[s]; ok {
		return r
	}
	return len(rank) + 1
}

// SortAssigned orders a listing by status rank, then due date ascending with
// undated rows last, then most recently assigned first.
func SortAssigned(forms []model.AssignedForm) {
	sort.SliceStable(forms, func(i, j int) bool {
		a, b := forms[i], forms[j]
		if ra, rb := Rank(a.Status), Rank(b.Status); ra != rb {
			return ra < rb
		}
		switch {
		case a.DueAt != nil && b.DueAt == nil:
			return true
		case a.DueAt == nil && b.DueAt != nil:
			return false
		case a.DueAt != nil && b.DueAt != nil && !a.DueAt.Equal(*b.DueAt):
			return a.DueAt.Before(*b.DueAt)
		}
		return a.AssignedAt.After(b.AssignedAt)
	})
}
