package service

import (
	"context"
	"fmt"
	"time"

	"formflow/internal/lifecycle"
	"formflow/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

type AssignmentService struct {
	store     AssignmentStore
	forms     *FormService
	bus       EventBus
	jobClient JobClient
	log       *zap.Logger
}

func NewAssignmentService(store AssignmentStore, forms *FormService, bus EventBus, log *zap.Logger) *AssignmentService {
	return &AssignmentService{
		store: store,
		forms: forms,
		bus:   bus,
		log:   log,
	}
}

// SetJobClient sets the job client for scheduling due-date jobs
func (s *AssignmentService) SetJobClient(client JobClient) {
	s.jobClient = client
}

type CreateAssignmentInput struct {
	FormID     string
	TargetType model.TargetType
	TargetID   *string
	DueAt      *time.Time
}

func (s *AssignmentService) CreateAssignment(ctx context.Context, in CreateAssignmentInput) (*model.Assignment, error) {
	switch in.TargetType {
	case model.TargetAll:
		in.TargetID = nil
	case model.TargetUser:
		if in.TargetID == nil || *in.TargetID == "" {
			return nil, fmt.Errorf("%w: targetId is required for user assignments", model.ErrInvalidInput)
		}
	default:
		return nil, fmt.Errorf("%w: unknown target type %q", model.ErrInvalidInput, in.TargetType)
	}

	if _, err := s.forms.GetForm(ctx, in.FormID); err != nil {
		return nil, err
	}

	a, err := s.store.CreateAssignment(ctx, model.Assignment{
		ID:         ulid.Make().String(),
		FormID:     in.FormID,
		TargetType: in.TargetType,
		TargetID:   in.TargetID,
		DueAt:      in.DueAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}

	event := map[string]interface{}{
		"type":         "assignment.created",
		"assignmentId": a.ID,
		"formId":       a.FormID,
	}
	_ = s.bus.PublishAssignment(a.ID, event)
	if a.TargetID != nil {
		_ = s.bus.PublishUser(*a.TargetID, event)
	}

	if s.jobClient != nil && a.DueAt != nil {
		if err := s.jobClient.ScheduleDueReminder(a.ID, *a.DueAt); err != nil {
			s.log.Warn("Failed to schedule due reminder", zap.String("assignment_id", a.ID), zap.Error(err))
		}
		if err := s.jobClient.ScheduleOverdue(a.ID, *a.DueAt); err != nil {
			s.log.Warn("Failed to schedule overdue notice", zap.String("assignment_id", a.ID), zap.Error(err))
		}
	}

	s.log.Info("Assignment created",
		zap.String("assignment_id", a.ID),
		zap.String("form_id", a.FormID),
		zap.String("target_type", string(a.TargetType)),
	)
	return &a, nil
}

// ListAssignedForms returns the user's assignments with their derived status,
// most urgent first
func (s *AssignmentService) ListAssignedForms(ctx context.Context, userID string) ([]model.AssignedForm, error) {
	rows, err := s.store.ListAssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}

	out := make([]model.AssignedForm, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.AssignedForm{
			AssignmentID: r.AssignmentID,
			FormID:       r.FormID,
			FormName:     r.FormName,
			AssignedAt:   r.AssignedAt,
			DueAt:        r.DueAt,
			StartedAt:    r.StartedAt,
			Status:       lifecycle.DeriveStatus(r.SubmissionStatus, r.ReviewStatus, r.StartedAt),
		})
	}
	lifecycle.SortAssigned(out)
	return out, nil
}

// GetAssignment returns one assignment
func (s *AssignmentService) GetAssignment(ctx context.Context, id string) (*model.Assignment, error) {
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
