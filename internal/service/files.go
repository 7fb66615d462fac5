package service

import (
	"context"
	"fmt"
	"time"

	"formflow/internal/model"
	"formflow/internal/storage"

	"go.uber.org/zap"
)

// FileService hands out short-lived download URLs for stored objects
type FileService struct {
	store   storage.Storage
	buckets map[string]bool
	ttl     time.Duration
	log     *zap.Logger
}

func NewFileService(store storage.Storage, buckets []string, ttl time.Duration, log *zap.Logger) *FileService {
	known := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		known[b] = true
	}
	return &FileService{store: store, buckets: known, ttl: ttl, log: log}
}

// ResolveDownloadURL signs a download URL. Non-admins may only resolve
// objects under their own user prefix.
func (s *FileService) ResolveDownloadURL(ctx context.Context, userID string, isAdmin bool, bucket, objectPath string) (string, error) {
	if !s.buckets[bucket] {
		return "", fmt.Errorf("%w: unknown bucket %q", model.ErrInvalidInput, bucket)
	}
	if _, err := storage.CleanPath(objectPath); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if !isAdmin && !storage.OwnedBy(objectPath, userID) {
		s.log.Warn("Download outside user prefix refused",
			zap.String("user_id", userID),
			zap.String("bucket", bucket),
			zap.String("path", objectPath),
		)
		return "", model.ErrStorageAccessDenied
	}

	signed, err := s.store.PresignGet(ctx, bucket, objectPath, s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to sign download url: %w", err)
	}
	return signed, nil
}
