package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"formflow/internal/model"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"go.uber.org/zap"
)

// OSSStorage implements Storage on Aliyun Object Storage Service
type OSSStorage struct {
	client *oss.Client
	log    *zap.Logger

	mu      sync.Mutex
	buckets map[string]*oss.Bucket
}

// NewOSSStorage connects to an OSS endpoint
func NewOSSStorage(endpoint, accessKeyID, accessKeySecret string, log *zap.Logger) (*OSSStorage, error) {
	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create oss client: %w", err)
	}
	return &OSSStorage{
		client:  client,
		log:     log,
		buckets: make(map[string]*oss.Bucket),
	}, nil
}

func (s *OSSStorage) bucket(name string) (*oss.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b, err := s.client.Bucket(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", name, mapOSSError(err))
	}
	s.buckets[name] = b
	return b, nil
}

// progressListener adapts OSS transfer events to a ProgressFunc
type progressListener struct {
	progress ProgressFunc
}

func (l *progressListener) ProgressChanged(event *oss.ProgressEvent) {
	if l.progress == nil {
		return
	}
	switch event.EventType {
	case oss.TransferStartedEvent, oss.TransferDataEvent, oss.TransferCompletedEvent:
		l.progress(event.ConsumedBytes, event.TotalBytes)
	}
}

func (s *OSSStorage) Put(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string, progress ProgressFunc) error {
	key, err := CleanPath(objectPath)
	if err != nil {
		return err
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return err
	}

	opts := []oss.Option{
		oss.WithContext(ctx),
		oss.ContentType(contentType),
		oss.Progress(&progressListener{progress: progress}),
	}
	if size > 0 {
		opts = append(opts, oss.ContentLength(size))
	}

	if err := b.PutObject(key, r, opts...); err != nil {
		s.log.Warn("oss put failed", zap.String("bucket", bucket), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to put object: %w", mapOSSError(err))
	}
	return nil
}

func (s *OSSStorage) Get(ctx context.Context, bucket, objectPath string) (io.ReadCloser, error) {
	key, err := CleanPath(objectPath)
	if err != nil {
		return nil, err
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return nil, err
	}
	rc, err := b.GetObject(key, oss.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", mapOSSError(err))
	}
	return rc, nil
}

func (s *OSSStorage) Delete(ctx context.Context, bucket, objectPath string) error {
	key, err := CleanPath(objectPath)
	if err != nil {
		return err
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return err
	}
	if err := b.DeleteObject(key, oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to delete object: %w", mapOSSError(err))
	}
	return nil
}

func (s *OSSStorage) PresignGet(ctx context.Context, bucket, objectPath string, expiresIn time.Duration) (string, error) {
	key, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}
	b, err := s.bucket(bucket)
	if err != nil {
		return "", err
	}
	secs := int64(expiresIn / time.Second)
	if secs < 1 {
		secs = 1
	}
	signed, err := b.SignURL(key, oss.HTTPGet, secs)
	if err != nil {
		return "", fmt.Errorf("failed to sign url: %w", mapOSSError(err))
	}
	return signed, nil
}

// mapOSSError turns service denials into ErrStorageAccessDenied and missing
// objects into ErrFileNotFound
func mapOSSError(err error) error {
	var se oss.ServiceError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", model.ErrStorageAccessDenied, se.Code)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", model.ErrFileNotFound, se.Code)
		}
	}
	return err
}
