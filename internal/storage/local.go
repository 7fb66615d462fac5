package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"formflow/internal/model"

	"github.com/golang-jwt/jwt/v5"
)

// LocalStorage implements Storage on the local filesystem. Each bucket is a
// directory under baseDir. Download URLs carry a signed, expiring token.
type LocalStorage struct {
	baseDir string
	baseURL string
	secret  []byte
}

// NewLocalStorage creates a new local filesystem storage backend
func NewLocalStorage(baseDir, baseURL, secret string) (*LocalStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalStorage{
		baseDir: baseDir,
		baseURL: baseURL,
		secret:  []byte(secret),
	}, nil
}

func (s *LocalStorage) fullPath(bucket, objectPath string) (string, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, cleanSegment(bucket), filepath.FromSlash(clean)), nil
}

func (s *LocalStorage) Put(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string, progress ProgressFunc) error {
	fullPath, err := s.fullPath(bucket, objectPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	src := &progressReader{r: r, total: size, progress: progress}
	if _, err := io.Copy(tmp, readerWithContext(ctx, src)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (s *LocalStorage) Get(ctx context.Context, bucket, objectPath string) (io.ReadCloser, error) {
	fullPath, err := s.fullPath(bucket, objectPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, model.ErrFileNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) Delete(ctx context.Context, bucket, objectPath string) error {
	fullPath, err := s.fullPath(bucket, objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// downloadClaims identifies one object for a limited time
type downloadClaims struct {
	Bucket string `json:"bkt"`
	Path   string `json:"path"`
	jwt.RegisteredClaims
}

func (s *LocalStorage) PresignGet(ctx context.Context, bucket, objectPath string, expiresIn time.Duration) (string, error) {
	clean, err := CleanPath(objectPath)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := downloadClaims{
		Bucket: bucket,
		Path:   clean,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign download token: %w", err)
	}
	return fmt.Sprintf("%s/v1/files/raw?token=%s", s.baseURL, url.QueryEscape(token)), nil
}

// OpenToken verifies a download token from PresignGet and opens the object
func (s *LocalStorage) OpenToken(ctx context.Context, token string) (io.ReadCloser, string, error) {
	var claims downloadClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, "", fmt.Errorf("%w: invalid download token", model.ErrStorageAccessDenied)
	}

	rc, err := s.Get(ctx, claims.Bucket, claims.Path)
	if err != nil {
		return nil, "", err
	}
	return rc, filepath.Base(claims.Path), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(b []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(b)
}
