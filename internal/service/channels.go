package service

import (
	"context"

	"formflow/internal/pubsub"

	"go.uber.org/zap"
)

// ChannelPolicy decides who may listen on an event channel: users hear their
// own channel, their own submissions and assignments that apply to them.
// Admins hear everything.
type ChannelPolicy struct {
	store Store
	log   *zap.Logger
}

func NewChannelPolicy(store Store, log *zap.Logger) *ChannelPolicy {
	return &ChannelPolicy{store: store, log: log}
}

func (p *ChannelPolicy) CanSubscribe(ctx context.Context, userID string, isAdmin bool, channel string) bool {
	prefix, id, ok := pubsub.ChannelOwner(channel)
	if !ok {
		return false
	}
	if isAdmin {
		return true
	}

	switch prefix {
	case pubsub.UserPrefix:
		return id == userID
	case pubsub.SubmissionPrefix:
		sub, err := p.store.GetSubmission(ctx, id)
		return err == nil && sub.UserID == userID
	case pubsub.AssignmentPrefix:
		a, err := p.store.GetAssignment(ctx, id)
		return err == nil && a.AppliesTo(userID)
	}
	p.log.Warn("Unhandled channel prefix", zap.String("channel", channel))
	return false
}
