package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"formflow/internal/answer"
	"formflow/internal/db"
	"formflow/internal/model"
	"formflow/internal/schema"
	"formflow/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const applicationForm = `{
	"title": "Application",
	"sections": [{"id": "main", "fields": [
		{"id": "intro", "type": "static_text", "label": "Welcome"},
		{"id": "name", "type": "short_text", "label": "Name", "required": true},
		{"id": "cv", "type": "file", "label": "CV", "required": true},
		{"id": "sig", "type": "signature", "label": "Signature"}
	]}]
}`

// MockEventBus records published events per channel
type MockEventBus struct {
	mu     sync.Mutex
	events map[string][]map[string]interface{}
}

func newMockEventBus() *MockEventBus {
	return &MockEventBus{events: make(map[string][]map[string]interface{})}
}

func (m *MockEventBus) record(channel string, event map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[channel] = append(m.events[channel], event)
	return nil
}

func (m *MockEventBus) PublishUser(userID string, event map[string]interface{}) error {
	return m.record("user:"+userID, event)
}

func (m *MockEventBus) PublishSubmission(submissionID string, event map[string]interface{}) error {
	return m.record("submission:"+submissionID, event)
}

func (m *MockEventBus) PublishAssignment(assignmentID string, event map[string]interface{}) error {
	return m.record("assignment:"+assignmentID, event)
}

func (m *MockEventBus) types(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events[channel] {
		out = append(out, e["type"].(string))
	}
	return out
}

// passSignatures leaves answers untouched
type passSignatures struct{}

func (passSignatures) Resolve(ctx context.Context, userID, formID string, s *schema.Schema, answers answer.Map) (answer.Map, error) {
	return answers.Clone(), nil
}

type failSignatures struct{}

func (failSignatures) Resolve(ctx context.Context, userID, formID string, s *schema.Schema, answers answer.Map) (answer.Map, error) {
	return nil, &model.SignatureUploadError{FieldID: "sig", FieldLabel: "Signature", Err: errors.New("bucket offline")}
}

type staticGuard map[string]bool

func (g staticGuard) Busy(submissionID string) bool { return g[submissionID] }

type fixture struct {
	store       *db.Memory
	bus         *MockEventBus
	guard       staticGuard
	forms       *FormService
	submissions *SubmissionService
	reviews     *ReviewService
	assignments *AssignmentService
	formID      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	store := db.NewMemory()
	bus := newMockEventBus()
	guard := staticGuard{}
	compiler := schema.NewCompilerWithCache(16)
	forms := NewFormService(store, compiler, 16, log)

	f, err := forms.CreateForm(context.Background(), []byte(applicationForm))
	require.NoError(t, err)

	return &fixture{
		store:       store,
		bus:         bus,
		guard:       guard,
		forms:       forms,
		submissions: NewSubmissionService(store, forms, compiler, passSignatures{}, guard, bus, log),
		reviews:     NewReviewService(store, bus, log),
		assignments: NewAssignmentService(store, forms, bus, log),
		formID:      f.ID,
	}
}

func (fx *fixture) linkCV(t *testing.T, submissionID string) {
	t.Helper()
	require.NoError(t, fx.store.LinkFile(context.Background(), model.SubmissionFile{
		FileAnswerItem: answer.FileAnswerItem{
			FileID:        "file-1",
			FileName:      "cv.pdf",
			StorageBucket: "forms",
			StoragePath:   "u1/" + fx.formID + "/cv/cv.pdf",
			UploadedAt:    time.Now(),
		},
		SubmissionID: submissionID,
		FieldID:      "cv",
		ContentType:  "application/pdf",
	}))
}

func (fx *fixture) submitted(t *testing.T) *model.Submission {
	t.Helper()
	ctx := context.Background()
	draft, err := fx.submissions.SaveDraft(ctx, fx.formID, "u1")
	require.NoError(t, err)
	fx.linkCV(t, draft.ID)

	sub, err := fx.submissions.Submit(ctx, SubmissionInput{
		FormID:  fx.formID,
		UserID:  "u1",
		Answers: answer.Map{"name": answer.Text("Ada")},
	})
	require.NoError(t, err)
	return sub
}

func TestFormService_RejectsBrokenSchema(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.forms.CreateForm(context.Background(), []byte(`{"title": "x", "sections": [{"id": "s", "fields": [{"type": "short_text"}]}]}`))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = fx.forms.GetForm(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrFormNotFound)
}

func TestSubmissionService_SaveKeepsOnlyInlineAnswers(t *testing.T) {
	fx := newFixture(t)

	sub, err := fx.submissions.Save(context.Background(), SubmissionInput{
		FormID: fx.formID,
		UserID: "u1",
		Answers: answer.Map{
			"intro":   answer.Text("ignored"),
			"name":    answer.Text(""),
			"cv":      answer.Files{{FileID: "forged"}},
			"unknown": answer.Text("x"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStarted, sub.Status)

	stored, err := fx.store.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, answer.Map{"name": answer.Text("")}, stored.Data.Answers)
	assert.Equal(t, []string{"submission.saved"}, fx.bus.types("submission:"+sub.ID))
}

func TestSubmissionService_SubmitValidates(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.submissions.Submit(context.Background(), SubmissionInput{
		FormID:  fx.formID,
		UserID:  "u1",
		Answers: answer.Map{"cv": answer.Files{{FileID: "forged"}}},
	})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, model.FieldErrors{
		{FieldID: "name", Message: "Name is required."},
		{FieldID: "cv", Message: "CV is required."},
	}, verr.Fields)

	_, err = fx.store.GetSubmissionByFormUser(context.Background(), fx.formID, "u1")
	assert.ErrorIs(t, err, model.ErrSubmissionNotFound, "nothing is stored on validation failure")
}

func TestSubmissionService_SubmitLocksSubmission(t *testing.T) {
	fx := newFixture(t)
	sub := fx.submitted(t)

	assert.Equal(t, model.SubmissionSubmitted, sub.Status)
	assert.NotNil(t, sub.SubmittedAt)
	assert.Equal(t, model.ReviewNone, sub.ReviewStatus)
	require.Len(t, sub.Data.Answers["cv"], 1, "linked files are merged into the answers")

	_, err := fx.submissions.Save(context.Background(), SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Bob")}})
	assert.ErrorIs(t, err, model.ErrReviewStateConflict)

	_, err = fx.submissions.CheckEditable(context.Background(), sub.ID)
	assert.ErrorIs(t, err, model.ErrReviewStateConflict)
}

func TestSubmissionService_BusyUploadsBlockSubmit(t *testing.T) {
	fx := newFixture(t)
	draft, err := fx.submissions.SaveDraft(context.Background(), fx.formID, "u1")
	require.NoError(t, err)
	fx.guard[draft.ID] = true

	_, err = fx.submissions.Submit(context.Background(), SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada")}})
	assert.ErrorIs(t, err, model.ErrUploadInProgress)
}

func TestSubmissionService_SignatureFailureAbortsSave(t *testing.T) {
	fx := newFixture(t)
	fx.submissions.signatures = failSignatures{}

	_, err := fx.submissions.Save(context.Background(), SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada")}})
	var serr *model.SignatureUploadError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Signature", serr.FieldLabel)

	_, err = fx.store.GetSubmissionByFormUser(context.Background(), fx.formID, "u1")
	assert.ErrorIs(t, err, model.ErrSubmissionNotFound)
}

func TestSubmissionService_SaveKeepsUntouchedSignature(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sig := answer.Signature{StorageBucket: "sigs", StoragePath: "u1/" + fx.formID + "/sig/1.png", SignedAt: time.Now().UTC()}

	_, err := fx.submissions.Save(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada"), "sig": sig}})
	require.NoError(t, err)
	_, err = fx.submissions.Save(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada L")}})
	require.NoError(t, err)

	latest, err := fx.submissions.GetLatestSubmission(ctx, fx.formID, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, answer.Text("Ada L"), latest.Data.Answers["name"])
	assert.Equal(t, sig, latest.Data.Answers["sig"])

	// An explicit null clears it
	_, err = fx.submissions.Save(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"sig": nil}})
	require.NoError(t, err)
	latest, err = fx.submissions.GetLatestSubmission(ctx, fx.formID, "u1")
	require.NoError(t, err)
	assert.Nil(t, latest.Data.Answers["sig"])
}

func TestSubmissionService_RejectedThenResubmitted(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sub := fx.submitted(t)

	rejected, err := fx.reviews.Reject(ctx, sub.ID, "admin", "  missing page 2 ")
	require.NoError(t, err)
	assert.Equal(t, "missing page 2", *rejected.RejectionReason)

	draft, err := fx.submissions.Save(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada L.")}})
	require.NoError(t, err, "rejected submissions are editable")
	assert.Equal(t, model.ReviewRejected, draft.ReviewStatus)

	_, err = fx.submissions.Submit(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada L.")}})
	assert.ErrorIs(t, err, model.ErrReviewStateConflict)

	again, err := fx.submissions.Resubmit(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada L.")}})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, again.ReviewStatus)
	assert.Nil(t, again.RejectionReason)
	assert.Nil(t, again.ReviewerID)

	_, err = fx.submissions.Resubmit(ctx, SubmissionInput{FormID: fx.formID, UserID: "u1", Answers: answer.Map{"name": answer.Text("Ada L.")}})
	assert.ErrorIs(t, err, model.ErrReviewStateConflict)

	assert.Equal(t,
		[]string{"submission.submitted", "submission.rejected", "submission.saved", "submission.resubmitted"},
		fx.bus.types("submission:"+sub.ID))
}

func TestReviewService_DecidesOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	sub := fx.submitted(t)

	approved, err := fx.reviews.Approve(ctx, sub.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewApproved, approved.ReviewStatus)
	assert.Equal(t, "admin", *approved.ReviewerID)

	_, err = fx.reviews.Reject(ctx, sub.ID, "admin", "too late")
	assert.ErrorIs(t, err, model.ErrReviewStateConflict)

	_, err = fx.reviews.Approve(ctx, "missing", "admin")
	assert.ErrorIs(t, err, model.ErrSubmissionNotFound)
}

func TestReviewService_RejectNeedsReason(t *testing.T) {
	fx := newFixture(t)
	sub := fx.submitted(t)

	_, err := fx.reviews.Reject(context.Background(), sub.ID, "admin", "   ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestReviewService_DraftCannotBeReviewed(t *testing.T) {
	fx := newFixture(t)
	draft, err := fx.submissions.SaveDraft(context.Background(), fx.formID, "u1")
	require.NoError(t, err)

	_, err = fx.reviews.Approve(context.Background(), draft.ID, "admin")
	assert.ErrorIs(t, err, model.ErrReviewStateConflict)
}

func TestSubmissionService_GetFilesKeepsCompletionOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	draft, err := fx.submissions.SaveDraft(ctx, fx.formID, "u1")
	require.NoError(t, err)

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, fx.store.LinkFile(ctx, model.SubmissionFile{
			FileAnswerItem: answer.FileAnswerItem{FileID: id, FileName: id + ".pdf"},
			SubmissionID:   draft.ID,
			FieldID:        "cv",
		}))
	}

	files, err := fx.submissions.GetFilesForSubmission(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, files["cv"], 3)
	assert.Equal(t, "b", files["cv"][0].FileID)
	assert.Equal(t, "c", files["cv"][2].FileID)

	latest, err := fx.submissions.GetLatestSubmission(ctx, fx.formID, "u1")
	require.NoError(t, err)
	assert.Equal(t, files["cv"], latest.Data.Answers["cv"])
}

func TestSubmissionService_SaveDraftIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.submissions.SaveDraft(ctx, fx.formID, "u1")
	require.NoError(t, err)
	second, err := fx.submissions.SaveDraft(ctx, fx.formID, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = fx.submissions.SaveDraft(ctx, "missing", "u1")
	assert.ErrorIs(t, err, model.ErrFormNotFound)
}

func TestAssignmentService_ListSortsByUrgency(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	learner := "u1"

	second, err := fx.forms.CreateForm(ctx, []byte(`{"title": "Survey", "sections": [{"id": "s", "fields": [{"id": "q", "type": "short_text"}]}]}`))
	require.NoError(t, err)

	due := time.Now().Add(48 * time.Hour)
	_, err = fx.assignments.CreateAssignment(ctx, CreateAssignmentInput{FormID: second.ID, TargetType: model.TargetAll})
	require.NoError(t, err)
	_, err = fx.assignments.CreateAssignment(ctx, CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetUser, TargetID: &learner, DueAt: &due})
	require.NoError(t, err)

	fx.submitted(t)

	list, err := fx.assignments.ListAssignedForms(ctx, learner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Survey", list[0].FormName)
	assert.Equal(t, model.DerivedNotStarted, list[0].Status)
	assert.Equal(t, model.DerivedSubmitted, list[1].Status)

	other, err := fx.assignments.ListAssignedForms(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, other, 1, "user assignments are private")
}

func TestAssignmentService_CreateValidatesTarget(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.assignments.CreateAssignment(context.Background(), CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetUser})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = fx.assignments.CreateAssignment(context.Background(), CreateAssignmentInput{FormID: fx.formID, TargetType: "team"})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = fx.assignments.CreateAssignment(context.Background(), CreateAssignmentInput{FormID: "missing", TargetType: model.TargetAll})
	assert.ErrorIs(t, err, model.ErrFormNotFound)
}

type recordingJobs struct {
	reminders []string
	overdue   []string
}

func (r *recordingJobs) ScheduleDueReminder(assignmentID string, dueAt time.Time) error {
	r.reminders = append(r.reminders, assignmentID)
	return nil
}

func (r *recordingJobs) ScheduleOverdue(assignmentID string, dueAt time.Time) error {
	r.overdue = append(r.overdue, assignmentID)
	return nil
}

func TestAssignmentService_SchedulesDueJobs(t *testing.T) {
	fx := newFixture(t)
	jobs := &recordingJobs{}
	fx.assignments.SetJobClient(jobs)
	learner := "u1"
	due := time.Now().Add(72 * time.Hour)

	a, err := fx.assignments.CreateAssignment(context.Background(), CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetUser, TargetID: &learner, DueAt: &due})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, jobs.reminders)
	assert.Equal(t, []string{a.ID}, jobs.overdue)
	assert.Equal(t, []string{"assignment.created"}, fx.bus.types("user:u1"))

	_, err = fx.assignments.CreateAssignment(context.Background(), CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetAll})
	require.NoError(t, err)
	assert.Len(t, jobs.reminders, 1, "no due date, nothing scheduled")
}

func TestSubmissionService_OpenAssignment(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	learner := "u1"

	mine, err := fx.assignments.CreateAssignment(ctx, CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetUser, TargetID: &learner})
	require.NoError(t, err)

	opened, err := fx.submissions.OpenAssignment(ctx, mine.ID, learner)
	require.NoError(t, err)
	require.NotNil(t, opened.StartedAt)
	startedAt := *opened.StartedAt

	again, err := fx.submissions.OpenAssignment(ctx, mine.ID, learner)
	require.NoError(t, err)
	assert.Equal(t, startedAt, *again.StartedAt, "started_at is set once")

	_, err = fx.submissions.OpenAssignment(ctx, mine.ID, "u2")
	assert.ErrorIs(t, err, model.ErrAssignmentNotFound)

	everyone, err := fx.assignments.CreateAssignment(ctx, CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetAll})
	require.NoError(t, err)
	_, err = fx.submissions.OpenAssignment(ctx, everyone.ID, "u3")
	require.NoError(t, err)
	draft, err := fx.store.GetSubmissionByFormUser(ctx, fx.formID, "u3")
	require.NoError(t, err)
	assert.Equal(t, model.SubmissionStarted, draft.Status)
}

func TestFileService_ResolveDownloadURL(t *testing.T) {
	store := &stubPresigner{}
	files := NewFileService(store, []string{"forms"}, time.Minute, zap.NewNop())
	ctx := context.Background()

	url, err := files.ResolveDownloadURL(ctx, "u1", false, "forms", "u1/f/cv/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "signed:forms/u1/f/cv/a.pdf", url)

	_, err = files.ResolveDownloadURL(ctx, "u2", false, "forms", "u1/f/cv/a.pdf")
	assert.ErrorIs(t, err, model.ErrStorageAccessDenied)

	_, err = files.ResolveDownloadURL(ctx, "u2", true, "forms", "u1/f/cv/a.pdf")
	assert.NoError(t, err, "admins may read any object")

	_, err = files.ResolveDownloadURL(ctx, "u1", false, "other", "u1/f/cv/a.pdf")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = files.ResolveDownloadURL(ctx, "u1", false, "forms", "u1/../u2/x.pdf")
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

// stubPresigner signs by echoing the object location
type stubPresigner struct{}

func (stubPresigner) Put(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string, progress storage.ProgressFunc) error {
	return nil
}

func (stubPresigner) Get(ctx context.Context, bucket, objectPath string) (io.ReadCloser, error) {
	return nil, model.ErrFileNotFound
}

func (stubPresigner) Delete(ctx context.Context, bucket, objectPath string) error { return nil }

func (stubPresigner) PresignGet(ctx context.Context, bucket, objectPath string, expiresIn time.Duration) (string, error) {
	return "signed:" + bucket + "/" + objectPath, nil
}

func TestChannelPolicy(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	policy := NewChannelPolicy(fx.store, zap.NewNop())
	learner := "u1"

	draft, err := fx.submissions.SaveDraft(ctx, fx.formID, learner)
	require.NoError(t, err)
	mine, err := fx.assignments.CreateAssignment(ctx, CreateAssignmentInput{FormID: fx.formID, TargetType: model.TargetUser, TargetID: &learner})
	require.NoError(t, err)

	assert.True(t, policy.CanSubscribe(ctx, "u1", false, "user:u1"))
	assert.False(t, policy.CanSubscribe(ctx, "u1", false, "user:u2"))
	assert.True(t, policy.CanSubscribe(ctx, "u1", false, "submission:"+draft.ID))
	assert.False(t, policy.CanSubscribe(ctx, "u2", false, "submission:"+draft.ID))
	assert.True(t, policy.CanSubscribe(ctx, "u1", false, "assignment:"+mine.ID))
	assert.False(t, policy.CanSubscribe(ctx, "u2", false, "assignment:"+mine.ID))
	assert.True(t, policy.CanSubscribe(ctx, "admin", true, "submission:"+draft.ID))
	assert.False(t, policy.CanSubscribe(ctx, "admin", true, "entity:1"))
}
