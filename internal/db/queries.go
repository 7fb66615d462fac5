package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"formflow/internal/answer"
	"formflow/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

// Form queries
func (q *Queries) CreateForm(ctx context.Context, f model.Form) (model.Form, error) {
	var out model.Form
	err := q.Pool.QueryRow(ctx,
		"INSERT INTO forms (id, title, schema) VALUES ($1, $2, $3) RETURNING id, title, schema, created_at",
		f.ID, f.Title, json.RawMessage(f.Schema),
	).Scan(&out.ID, &out.Title, &out.Schema, &out.CreatedAt)
	return out, err
}

func (q *Queries) GetForm(ctx context.Context, id string) (model.Form, error) {
	var f model.Form
	err := q.Pool.QueryRow(ctx,
		"SELECT id, title, schema, created_at FROM forms WHERE id = $1",
		id,
	).Scan(&f.ID, &f.Title, &f.Schema, &f.CreatedAt)
	return f, notFound(err, model.ErrFormNotFound)
}

// Assignment queries
const assignmentColumns = "id, form_id, target_type, target_id, due_at, started_at, created_at"

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var a model.Assignment
	var target string
	err := row.Scan(&a.ID, &a.FormID, &target, &a.TargetID, &a.DueAt, &a.StartedAt, &a.CreatedAt)
	a.TargetType = model.TargetType(target)
	return a, err
}

func (q *Queries) CreateAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	row := q.Pool.QueryRow(ctx,
		`INSERT INTO form_assignments (id, form_id, target_type, target_id, due_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+assignmentColumns,
		a.ID, a.FormID, string(a.TargetType), a.TargetID, a.DueAt,
	)
	return scanAssignment(row)
}

func (q *Queries) GetAssignment(ctx context.Context, id string) (model.Assignment, error) {
	a, err := scanAssignment(q.Pool.QueryRow(ctx,
		"SELECT "+assignmentColumns+" FROM form_assignments WHERE id = $1", id))
	return a, notFound(err, model.ErrAssignmentNotFound)
}

// MarkAssignmentStarted sets started_at once. It reports whether this call set it.
func (q *Queries) MarkAssignmentStarted(ctx context.Context, id string) (bool, error) {
	result, err := q.Pool.Exec(ctx,
		"UPDATE form_assignments SET started_at = NOW() WHERE id = $1 AND started_at IS NULL",
		id,
	)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// ListAssignmentsForUser returns the assignments that apply to userID joined
// with the form title and the user's submission state, unsorted
func (q *Queries) ListAssignmentsForUser(ctx context.Context, userID string) ([]model.AssignmentRow, error) {
	rows, err := q.Pool.Query(ctx,
		`SELECT a.id, a.form_id, f.title, a.target_type, a.created_at, a.due_at, a.started_at,
			COALESCE(s.status, 'not_started'), COALESCE(s.review_status, '')
		FROM form_assignments a
		JOIN forms f ON f.id = a.form_id
		LEFT JOIN form_submissions s ON s.form_id = a.form_id AND s.user_id = $1
		WHERE a.target_type = 'all' OR (a.target_type = 'user' AND a.target_id = $1)`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AssignmentRow
	for rows.Next() {
		var r model.AssignmentRow
		var target, status, review string
		if err := rows.Scan(&r.AssignmentID, &r.FormID, &r.FormName, &target, &r.AssignedAt,
			&r.DueAt, &r.StartedAt, &status, &review); err != nil {
			return nil, err
		}
		r.TargetType = model.TargetType(target)
		r.SubmissionStatus = model.SubmissionStatus(status)
		r.ReviewStatus = model.ReviewStatus(review)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Submission queries
const submissionColumns = `id, form_id, user_id, status, COALESCE(review_status, ''), data,
	submitted_at, reviewed_at, reviewer_id, rejection_reason, created_at, updated_at`

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	var s model.Submission
	var status, review string
	var data []byte
	err := row.Scan(&s.ID, &s.FormID, &s.UserID, &status, &review, &data,
		&s.SubmittedAt, &s.ReviewedAt, &s.ReviewerID, &s.RejectionReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = model.SubmissionStatus(status)
	s.ReviewStatus = model.ReviewStatus(review)
	if err := json.Unmarshal(data, &s.Data); err != nil {
		return nil, fmt.Errorf("failed to decode submission data: %w", err)
	}
	if s.Data.Answers == nil {
		s.Data.Answers = answer.Map{}
	}
	return &s, nil
}

func (q *Queries) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	s, err := scanSubmission(q.Pool.QueryRow(ctx,
		"SELECT "+submissionColumns+" FROM form_submissions WHERE id = $1", id))
	return s, notFound(err, model.ErrSubmissionNotFound)
}

func (q *Queries) GetSubmissionByFormUser(ctx context.Context, formID, userID string) (*model.Submission, error) {
	s, err := scanSubmission(q.Pool.QueryRow(ctx,
		"SELECT "+submissionColumns+" FROM form_submissions WHERE form_id = $1 AND user_id = $2",
		formID, userID))
	return s, notFound(err, model.ErrSubmissionNotFound)
}

// InsertDraft creates an empty started submission unless the pair already
// has one, and returns whichever row exists
func (q *Queries) InsertDraft(ctx context.Context, id, formID, userID string) (*model.Submission, error) {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO form_submissions (id, form_id, user_id, status, data)
		VALUES ($1, $2, $3, 'started', '{"answers": {}}'::jsonb)
		ON CONFLICT (form_id, user_id) DO NOTHING`,
		id, formID, userID,
	)
	if err != nil {
		return nil, err
	}
	return q.GetSubmissionByFormUser(ctx, formID, userID)
}

type UpsertSubmissionParams struct {
	ID     string
	FormID string
	UserID string
	Data   model.SubmissionData
	Submit bool
}

// editableWhere guards upserts against read-only rows
const editableWhere = `WHERE NOT (
		(form_submissions.status = 'submitted' AND COALESCE(form_submissions.review_status, '') <> 'rejected')
		OR COALESCE(form_submissions.review_status, '') = 'approved'
	)`

// UpsertSubmission writes a draft or a submit in one statement. Drafts move
// not_started to started and leave everything else alone; submits set
// status and submitted_at. Review fields are never touched. A read-only row
// matches nothing and yields ErrReviewStateConflict.
func (q *Queries) UpsertSubmission(ctx context.Context, p UpsertSubmissionParams) (*model.Submission, error) {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission data: %w", err)
	}

	var sql string
	if p.Submit {
		sql = `INSERT INTO form_submissions (id, form_id, user_id, status, data, submitted_at)
		VALUES ($1, $2, $3, 'submitted', $4, NOW())
		ON CONFLICT (form_id, user_id) DO UPDATE SET
			data = EXCLUDED.data,
			status = 'submitted',
			submitted_at = NOW(),
			updated_at = NOW()
		` + editableWhere + `
		RETURNING ` + submissionColumns
	} else {
		sql = `INSERT INTO form_submissions (id, form_id, user_id, status, data)
		VALUES ($1, $2, $3, 'started', $4)
		ON CONFLICT (form_id, user_id) DO UPDATE SET
			data = EXCLUDED.data,
			status = CASE WHEN form_submissions.status = 'not_started' THEN 'started' ELSE form_submissions.status END,
			updated_at = NOW()
		` + editableWhere + `
		RETURNING ` + submissionColumns
	}

	s, err := scanSubmission(q.Pool.QueryRow(ctx, sql, p.ID, p.FormID, p.UserID, json.RawMessage(data)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Conflict("submission is read-only")
	}
	return s, err
}

// ResubmitSubmission replaces the answers of a rejected submission and puts
// it back into review
func (q *Queries) ResubmitSubmission(ctx context.Context, id string, d model.SubmissionData) (*model.Submission, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission data: %w", err)
	}
	s, err := scanSubmission(q.Pool.QueryRow(ctx,
		`UPDATE form_submissions SET
			data = $2,
			status = 'submitted',
			submitted_at = NOW(),
			review_status = 'pending',
			reviewed_at = NULL,
			reviewer_id = NULL,
			rejection_reason = NULL,
			updated_at = NOW()
		WHERE id = $1 AND review_status = 'rejected'
		RETURNING `+submissionColumns,
		id, json.RawMessage(data),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Conflict("only rejected submissions can be resubmitted")
	}
	return s, err
}

// ReviewSubmission records a decision on a submission awaiting review. Rows
// that are not submitted or already decided are left alone and yield
// ErrReviewStateConflict.
func (q *Queries) ReviewSubmission(ctx context.Context, id string, decision model.ReviewStatus, reviewerID string, reason *string) (*model.Submission, error) {
	s, err := scanSubmission(q.Pool.QueryRow(ctx,
		`UPDATE form_submissions SET
			review_status = $2,
			reviewed_at = NOW(),
			reviewer_id = $3,
			rejection_reason = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'submitted'
			AND (review_status IS NULL OR review_status = 'pending')
		RETURNING `+submissionColumns,
		id, string(decision), reviewerID, reason,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := q.GetSubmission(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, model.Conflict("submission is not awaiting review")
	}
	return s, err
}

// File linkage queries
const fileColumns = `id, submission_id, field_id, file_name, storage_bucket, storage_path,
	content_type, size_bytes, sha256, uploaded_at`

func scanFile(row pgx.Row) (model.SubmissionFile, error) {
	var f model.SubmissionFile
	err := row.Scan(&f.FileID, &f.SubmissionID, &f.FieldID, &f.FileName, &f.StorageBucket, &f.StoragePath,
		&f.ContentType, &f.SizeBytes, &f.SHA256, &f.UploadedAt)
	return f, err
}

func (q *Queries) LinkFile(ctx context.Context, f model.SubmissionFile) error {
	_, err := q.Pool.Exec(ctx,
		`INSERT INTO form_submission_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.FileID, f.SubmissionID, f.FieldID, f.FileName, f.StorageBucket, f.StoragePath,
		f.ContentType, f.SizeBytes, f.SHA256, f.UploadedAt,
	)
	return err
}

func (q *Queries) CountFiles(ctx context.Context, submissionID, fieldID string) (int, error) {
	var n int
	err := q.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM form_submission_files WHERE submission_id = $1 AND field_id = $2",
		submissionID, fieldID,
	).Scan(&n)
	return n, err
}

func (q *Queries) GetFile(ctx context.Context, submissionID, fileID string) (model.SubmissionFile, error) {
	f, err := scanFile(q.Pool.QueryRow(ctx,
		"SELECT "+fileColumns+" FROM form_submission_files WHERE submission_id = $1 AND id = $2",
		submissionID, fileID))
	return f, notFound(err, model.ErrFileNotFound)
}

func (q *Queries) UnlinkFile(ctx context.Context, submissionID, fileID string) error {
	result, err := q.Pool.Exec(ctx,
		"DELETE FROM form_submission_files WHERE submission_id = $1 AND id = $2",
		submissionID, fileID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return model.ErrFileNotFound
	}
	return nil
}

// ListFiles returns the linked files of a submission in completion order
func (q *Queries) ListFiles(ctx context.Context, submissionID string) ([]model.SubmissionFile, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT "+fileColumns+" FROM form_submission_files WHERE submission_id = $1 ORDER BY seq",
		submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SubmissionFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
