package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ProgressFunc receives the number of bytes written so far and the total
// size (zero or negative when unknown)
type ProgressFunc func(written, total int64)

// Storage defines the interface for bucketed object storage backends
type Storage interface {
	Put(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string, progress ProgressFunc) error
	Get(ctx context.Context, bucket, objectPath string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, objectPath string) error
	PresignGet(ctx context.Context, bucket, objectPath string, expiresIn time.Duration) (string, error)
}

// ObjectPath builds the key for an upload. Keys always start with the owning
// user's id so ownership can be checked from the path alone.
func ObjectPath(userID, formID, fieldID, name string) string {
	return path.Join(cleanSegment(userID), cleanSegment(formID), cleanSegment(fieldID), cleanSegment(name))
}

// OwnedBy reports whether objectPath sits under userID's prefix
func OwnedBy(objectPath, userID string) bool {
	if userID == "" {
		return false
	}
	clean, err := CleanPath(objectPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(clean, cleanSegment(userID)+"/")
}

// CleanPath normalizes an object path and rejects anything that escapes the bucket
func CleanPath(objectPath string) (string, error) {
	if objectPath == "" {
		return "", fmt.Errorf("empty object path")
	}
	clean := path.Clean("/" + objectPath)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	for _, seg := range strings.Split(objectPath, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid object path %q", objectPath)
		}
	}
	return clean, nil
}

func cleanSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// progressReader reports bytes as they are consumed
type progressReader struct {
	r        io.Reader
	total    int64
	written  int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.written += int64(n)
		if p.progress != nil {
			p.progress(p.written, p.total)
		}
	}
	return n, err
}
