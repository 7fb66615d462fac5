package service

import (
	"context"
	"fmt"
	"strings"

	"formflow/internal/model"

	"go.uber.org/zap"
)

type ReviewService struct {
	store SubmissionStore
	bus   EventBus
	log   *zap.Logger
}

func NewReviewService(store SubmissionStore, bus EventBus, log *zap.Logger) *ReviewService {
	return &ReviewService{store: store, bus: bus, log: log}
}

// Approve closes a submission awaiting review. Approved submissions are final.
func (s *ReviewService) Approve(ctx context.Context, submissionID, reviewerID string) (*model.Submission, error) {
	sub, err := s.store.ReviewSubmission(ctx, submissionID, model.ReviewApproved, reviewerID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to approve submission: %w", err)
	}
	s.publish(sub, "submission.approved")
	s.log.Info("Submission approved", zap.String("submission_id", sub.ID), zap.String("reviewer_id", reviewerID))
	return sub, nil
}

// Reject sends a submission back to the learner with a reason
func (s *ReviewService) Reject(ctx context.Context, submissionID, reviewerID, reason string) (*model.Submission, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", model.ErrInvalidInput)
	}

	sub, err := s.store.ReviewSubmission(ctx, submissionID, model.ReviewRejected, reviewerID, &reason)
	if err != nil {
		return nil, fmt.Errorf("failed to reject submission: %w", err)
	}
	s.publish(sub, "submission.rejected")
	s.log.Info("Submission rejected", zap.String("submission_id", sub.ID), zap.String("reviewer_id", reviewerID))
	return sub, nil
}

func (s *ReviewService) publish(sub *model.Submission, eventType string) {
	event := map[string]interface{}{
		"type":         eventType,
		"submissionId": sub.ID,
		"formId":       sub.FormID,
		"reviewStatus": sub.ReviewStatus,
	}
	if sub.RejectionReason != nil {
		event["rejectionReason"] = *sub.RejectionReason
	}
	_ = s.bus.PublishSubmission(sub.ID, event)
	_ = s.bus.PublishUser(sub.UserID, event)
}
