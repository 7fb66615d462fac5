package service

import (
	"context"
	"errors"
	"fmt"

	"formflow/internal/answer"
	"formflow/internal/db"
	"formflow/internal/lifecycle"
	"formflow/internal/model"
	"formflow/internal/schema"
	"formflow/internal/validate"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type SubmissionService struct {
	store      Store
	forms      *FormService
	compiler   *schema.Compiler
	signatures SignatureResolver
	guard      UploadGuard
	bus        EventBus
	log        *zap.Logger
}

func NewSubmissionService(store Store, forms *FormService, compiler *schema.Compiler, signatures SignatureResolver, guard UploadGuard, bus EventBus, log *zap.Logger) *SubmissionService {
	return &SubmissionService{
		store:      store,
		forms:      forms,
		compiler:   compiler,
		signatures: signatures,
		guard:      guard,
		bus:        bus,
		log:        log,
	}
}

// SubmissionInput carries the answers of a save, submit or resubmit.
// SubmissionID is optional; without it the (form, user) row is used.
type SubmissionInput struct {
	FormID       string
	UserID       string
	SubmissionID string
	Answers      answer.Map
	Metadata     map[string]interface{}
}

// Save stores a draft. Nothing is validated; file answers are owned by the
// linkage table and display-only fields carry no answer, so neither is written.
func (s *SubmissionService) Save(ctx context.Context, in SubmissionInput) (*model.Submission, error) {
	form, existing, err := s.load(ctx, &in)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.checkWritable(existing); err != nil {
			return nil, err
		}
	}

	data, err := s.persistable(ctx, in, form.Schema)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.UpsertSubmission(ctx, db.UpsertSubmissionParams{
		ID:     idOrNew(existing),
		FormID: in.FormID,
		UserID: in.UserID,
		Data:   data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save submission: %w", err)
	}

	s.publish(sub, "submission.saved")
	s.log.Debug("Submission saved", zap.String("submission_id", sub.ID), zap.String("form_id", sub.FormID))
	return s.withFiles(ctx, sub)
}

// Submit validates and submits. On validation errors nothing is stored. A
// rejected submission must go through Resubmit.
func (s *SubmissionService) Submit(ctx context.Context, in SubmissionInput) (*model.Submission, error) {
	form, existing, err := s.load(ctx, &in)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ReviewStatus == model.ReviewRejected {
			return nil, model.Conflict("submission was rejected, use resubmit")
		}
		if err := s.checkWritable(existing); err != nil {
			return nil, err
		}
	}

	if err := s.validate(ctx, form.Schema, existing, in.Answers); err != nil {
		return nil, err
	}

	data, err := s.persistable(ctx, in, form.Schema)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.UpsertSubmission(ctx, db.UpsertSubmissionParams{
		ID:     idOrNew(existing),
		FormID: in.FormID,
		UserID: in.UserID,
		Data:   data,
		Submit: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit: %w", err)
	}

	s.publish(sub, "submission.submitted")
	s.log.Info("Submission submitted", zap.String("submission_id", sub.ID), zap.String("user_id", sub.UserID))
	return s.withFiles(ctx, sub)
}

// Resubmit sends a rejected submission back to review with new answers.
// The previous rejection is cleared.
func (s *SubmissionService) Resubmit(ctx context.Context, in SubmissionInput) (*model.Submission, error) {
	form, existing, err := s.load(ctx, &in)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, model.ErrSubmissionNotFound
	}
	if existing.ReviewStatus != model.ReviewRejected {
		return nil, model.Conflict("only rejected submissions can be resubmitted")
	}
	if s.guard.Busy(existing.ID) {
		return nil, model.ErrUploadInProgress
	}

	if err := s.validate(ctx, form.Schema, existing, in.Answers); err != nil {
		return nil, err
	}

	data, err := s.persistable(ctx, in, form.Schema)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.ResubmitSubmission(ctx, existing.ID, data)
	if err != nil {
		return nil, fmt.Errorf("failed to resubmit: %w", err)
	}

	s.publish(sub, "submission.resubmitted")
	s.log.Info("Submission resubmitted", zap.String("submission_id", sub.ID))
	return s.withFiles(ctx, sub)
}

// SaveDraft returns the (form, user) submission, creating an empty started
// draft when there is none. An existing row is never overwritten.
func (s *SubmissionService) SaveDraft(ctx context.Context, formID, userID string) (*model.Submission, error) {
	if _, err := s.forms.GetForm(ctx, formID); err != nil {
		return nil, err
	}
	sub, err := s.store.InsertDraft(ctx, ulid.Make().String(), formID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}
	return sub, nil
}

// CheckEditable loads a submission and refuses read-only ones
func (s *SubmissionService) CheckEditable(ctx context.Context, submissionID string) (*model.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if lifecycle.IsReadOnly(sub.Status, sub.ReviewStatus) {
		return nil, model.Conflict("submission is read-only")
	}
	return sub, nil
}

// GetSubmission returns a submission by id with its files merged
func (s *SubmissionService) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, sub)
}

// GetLatestSubmission returns the user's submission for a form with linked
// files merged into the answers
func (s *SubmissionService) GetLatestSubmission(ctx context.Context, formID, userID string) (*model.Submission, error) {
	sub, err := s.store.GetSubmissionByFormUser(ctx, formID, userID)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, sub)
}

// GetFilesForSubmission groups linked files by field, in completion order
func (s *SubmissionService) GetFilesForSubmission(ctx context.Context, submissionID string) (map[string]answer.Files, error) {
	files, err := s.store.ListFiles(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	out := make(map[string]answer.Files)
	for _, f := range files {
		out[f.FieldID] = append(out[f.FieldID], f.FileAnswerItem)
	}
	return out, nil
}

// OpenAssignment records that the user opened an assignment. A user-targeted
// assignment gets started_at once; an everyone-assignment has no per-user
// row, so the user's draft marks the start instead. Read-only submissions are
// left alone.
func (s *SubmissionService) OpenAssignment(ctx context.Context, assignmentID, userID string) (*model.Assignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !a.AppliesTo(userID) {
		return nil, model.ErrAssignmentNotFound
	}

	sub, err := s.store.GetSubmissionByFormUser(ctx, a.FormID, userID)
	if err != nil && !errors.Is(err, model.ErrSubmissionNotFound) {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	if sub != nil && lifecycle.IsReadOnly(sub.Status, sub.ReviewStatus) {
		return &a, nil
	}

	switch a.TargetType {
	case model.TargetUser:
		if a.StartedAt != nil {
			return &a, nil
		}
		if _, err := s.store.MarkAssignmentStarted(ctx, a.ID); err != nil {
			return nil, fmt.Errorf("failed to mark assignment started: %w", err)
		}
		a, err = s.store.GetAssignment(ctx, a.ID)
		if err != nil {
			return nil, err
		}
	case model.TargetAll:
		if sub == nil {
			if _, err := s.SaveDraft(ctx, a.FormID, userID); err != nil {
				return nil, err
			}
		}
	}
	return &a, nil
}

// load resolves the form and the current submission, if any
// load resolves the form and the caller's current submission. Stored
// signatures the call leaves out are carried into in.Answers.
func (s *SubmissionService) load(ctx context.Context, in *SubmissionInput) (*LoadedForm, *model.Submission, error) {
	if in.UserID == "" {
		return nil, nil, model.ErrAuthenticationRequired
	}
	form, err := s.forms.GetForm(ctx, in.FormID)
	if err != nil {
		return nil, nil, err
	}

	var existing *model.Submission
	if in.SubmissionID != "" {
		existing, err = s.store.GetSubmission(ctx, in.SubmissionID)
		if err != nil {
			return nil, nil, err
		}
		if existing.UserID != in.UserID || existing.FormID != in.FormID {
			return nil, nil, model.ErrSubmissionNotFound
		}
	} else {
		existing, err = s.store.GetSubmissionByFormUser(ctx, in.FormID, in.UserID)
		if errors.Is(err, model.ErrSubmissionNotFound) {
			existing, err = nil, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load submission: %w", err)
		}
	}
	if existing != nil {
		in.Answers = keepSignatures(form.Schema, existing.Data.Answers, in.Answers)
	}
	return form, existing, nil
}

// keepSignatures copies stored signature references for fields absent from
// answers. A key sent as null still clears the field.
func keepSignatures(sch *schema.Schema, stored, answers answer.Map) answer.Map {
	out := answers.Clone()
	for _, f := range sch.FieldsByStorage(schema.StorageSignatureRef) {
		if _, sent := answers[f.ID]; sent {
			continue
		}
		if v, ok := stored[f.ID]; ok && v != nil {
			out[f.ID] = v
		}
	}
	return out
}

func (s *SubmissionService) checkWritable(sub *model.Submission) error {
	if lifecycle.IsReadOnly(sub.Status, sub.ReviewStatus) {
		return model.Conflict("submission is read-only")
	}
	if s.guard.Busy(sub.ID) {
		return model.ErrUploadInProgress
	}
	return nil
}

// validate runs the submit checks. File fields are judged by the linked
// files, not by whatever the caller sent for them.
func (s *SubmissionService) validate(ctx context.Context, sch *schema.Schema, existing *model.Submission, answers answer.Map) error {
	check := answers.Clone()
	var linked map[string]answer.Files
	if existing != nil {
		var err error
		linked, err = s.GetFilesForSubmission(ctx, existing.ID)
		if err != nil {
			return err
		}
	}
	for _, f := range sch.FieldsByStorage(schema.StorageFileLink) {
		check[f.ID] = linked[f.ID]
	}

	errs, err := validate.Submission(ctx, s.compiler, sch, check)
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		return &model.ValidationError{Fields: errs}
	}
	return nil
}

// persistable resolves signatures and keeps only the answers stored inline
func (s *SubmissionService) persistable(ctx context.Context, in SubmissionInput, sch *schema.Schema) (model.SubmissionData, error) {
	resolved, err := s.signatures.Resolve(ctx, in.UserID, in.FormID, sch, in.Answers)
	if err != nil {
		return model.SubmissionData{}, err
	}

	out := make(answer.Map, len(resolved))
	for id, v := range resolved {
		f, ok := sch.Field(id)
		if !ok {
			continue
		}
		switch f.Type.Traits().Storage {
		case schema.StorageInline, schema.StorageSignatureRef:
			out[id] = v
		case schema.StorageFileLink, schema.StorageNone:
		default:
			panic(fmt.Sprintf("service: unhandled storage kind %d", f.Type.Traits().Storage))
		}
	}
	return model.SubmissionData{Answers: out, Metadata: in.Metadata}, nil
}

// withFiles merges the linked files into the answer map
func (s *SubmissionService) withFiles(ctx context.Context, sub *model.Submission) (*model.Submission, error) {
	files, err := s.GetFilesForSubmission(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	merged := *sub
	merged.Data.Answers = sub.Data.Answers.Clone()
	for fieldID, list := range files {
		merged.Data.Answers[fieldID] = list
	}
	return &merged, nil
}

func (s *SubmissionService) publish(sub *model.Submission, eventType string) {
	event := map[string]interface{}{
		"type":         eventType,
		"submissionId": sub.ID,
		"formId":       sub.FormID,
		"userId":       sub.UserID,
		"status":       sub.Status,
		"reviewStatus": sub.ReviewStatus,
	}
	_ = s.bus.PublishSubmission(sub.ID, event)
	_ = s.bus.PublishUser(sub.UserID, event)
}

func idOrNew(existing *model.Submission) string {
	if existing != nil {
		return existing.ID
	}
	return ulid.Make().String()
}
