package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"formflow/internal/answer"
	"formflow/internal/model"
	"formflow/internal/schema"
	"formflow/internal/storage"

	"github.com/disintegration/imaging"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// MaxSignatureWidth bounds stored signature images
const MaxSignatureWidth = 1200

// SignatureUploader turns captured signature data URLs into stored PNGs
type SignatureUploader struct {
	store  storage.Storage
	bucket string
	log    *zap.Logger
}

func NewSignatureUploader(store storage.Storage, bucket string, log *zap.Logger) *SignatureUploader {
	return &SignatureUploader{store: store, bucket: bucket, log: log}
}

// UploadSignature decodes a PNG data URL, normalizes it and stores it
func (u *SignatureUploader) UploadSignature(ctx context.Context, userID, formID, fieldID, dataURL string) (answer.SignatureAnswer, error) {
	if !strings.HasPrefix(dataURL, answer.SignatureDataURLPrefix) {
		return answer.SignatureAnswer{}, fmt.Errorf("%w: signature must be a PNG data URL", model.ErrInvalidInput)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, answer.SignatureDataURLPrefix))
	if err != nil {
		return answer.SignatureAnswer{}, fmt.Errorf("%w: invalid signature encoding: %v", model.ErrInvalidInput, err)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return answer.SignatureAnswer{}, fmt.Errorf("%w: invalid signature image: %v", model.ErrInvalidInput, err)
	}
	if img.Bounds().Dx() > MaxSignatureWidth {
		img = imaging.Resize(img, MaxSignatureWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return answer.SignatureAnswer{}, fmt.Errorf("failed to encode signature: %w", err)
	}

	objectPath := storage.ObjectPath(userID, formID, fieldID, ulid.Make().String()+".png")
	if err := u.store.Put(ctx, u.bucket, objectPath, &buf, int64(buf.Len()), "image/png", nil); err != nil {
		return answer.SignatureAnswer{}, fmt.Errorf("failed to store signature: %w", err)
	}

	u.log.Debug("Signature stored", zap.String("form_id", formID), zap.String("field_id", fieldID), zap.String("path", objectPath))
	return answer.SignatureAnswer{
		StorageBucket: u.bucket,
		StoragePath:   objectPath,
		SignedAt:      time.Now().UTC(),
	}, nil
}

// Resolve uploads every signature still held as a data URL and returns a copy
// of answers with those values replaced by references. Stored references are
// left as they are. The first failure aborts.
func (u *SignatureUploader) Resolve(ctx context.Context, userID, formID string, s *schema.Schema, answers answer.Map) (answer.Map, error) {
	out := answers.Clone()
	for _, f := range s.Fields() {
		switch f.Type.Traits().Storage {
		case schema.StorageSignatureRef:
			if !answer.IsSignatureDataURL(out[f.ID]) {
				continue
			}
			sig, err := u.UploadSignature(ctx, userID, formID, f.ID, string(out[f.ID].(answer.Text)))
			if err != nil {
				return nil, &model.SignatureUploadError{FieldID: f.ID, FieldLabel: f.DisplayLabel(), Err: err}
			}
			out[f.ID] = answer.Signature(sig)
		case schema.StorageNone, schema.StorageInline, schema.StorageFileLink:
		default:
			panic(fmt.Sprintf("attachment: unhandled storage kind %d", f.Type.Traits().Storage))
		}
	}
	return out, nil
}
