package storage

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"formflow/internal/model"
	"formflow/internal/schema"
)

// FilePolicy represents file upload policy constraints for one field
type FilePolicy struct {
	MaxFileMB     *float64
	MimeTypes     []string
	Extensions    []string
	AllowMultiple bool
}

// PolicyForField builds the upload policy of a file field. accept entries
// containing a slash are MIME patterns, anything else is an extension.
// defaultMaxMB applies when the field sets no limit.
func PolicyForField(f *schema.Field, defaultMaxMB float64) *FilePolicy {
	fp := &FilePolicy{AllowMultiple: f.AllowMultiple}

	if f.MaxFileSizeMB != nil && *f.MaxFileSizeMB > 0 {
		v := *f.MaxFileSizeMB
		fp.MaxFileMB = &v
	} else if defaultMaxMB > 0 {
		v := defaultMaxMB
		fp.MaxFileMB = &v
	}

	for _, a := range f.Accept {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "":
		case strings.Contains(a, "/"):
			fp.MimeTypes = append(fp.MimeTypes, a)
		default:
			fp.Extensions = append(fp.Extensions, strings.TrimPrefix(a, "."))
		}
	}
	return fp
}

// ValidateFile validates a file against the policy. With both MIME patterns
// and extensions set, matching either one is enough.
func (fp *FilePolicy) ValidateFile(fileName, contentType string, fileSizeBytes int64) error {
	if fp == nil {
		return nil
	}

	if fp.MaxFileMB != nil {
		maxBytes := int64(*fp.MaxFileMB * 1024 * 1024)
		if fileSizeBytes > maxBytes {
			return fmt.Errorf("%w: %q is %d bytes, the limit is %.2f MB",
				model.ErrInvalidInput, fileName, fileSizeBytes, *fp.MaxFileMB)
		}
	}

	if len(fp.MimeTypes) == 0 && len(fp.Extensions) == 0 {
		return nil
	}
	if fp.matchesMimeType(contentType) || fp.matchesExtension(fileName) {
		return nil
	}
	return fmt.Errorf("%w: %q is not an accepted file type", model.ErrInvalidInput, fileName)
}

// ValidateCount checks how many files a field may hold
func (fp *FilePolicy) ValidateCount(existing, adding int) error {
	if fp == nil || fp.AllowMultiple {
		return nil
	}
	if existing+adding > 1 {
		return fmt.Errorf("%w: this field accepts a single file", model.ErrInvalidInput)
	}
	return nil
}

func (fp *FilePolicy) matchesMimeType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	mediaType = strings.ToLower(mediaType)

	for _, allowed := range fp.MimeTypes {
		if strings.HasSuffix(allowed, "/*") {
			if strings.HasPrefix(mediaType, strings.TrimSuffix(allowed, "*")) {
				return true
			}
		} else if mediaType == allowed {
			return true
		}
	}
	return false
}

func (fp *FilePolicy) matchesExtension(fileName string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range fp.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
