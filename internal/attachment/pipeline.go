package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"formflow/internal/answer"
	"formflow/internal/model"
	"formflow/internal/schema"
	"formflow/internal/storage"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Submissions is the part of the submission lifecycle the pipeline needs
type Submissions interface {
	// SaveDraft returns the (form, user) submission, creating an empty draft if none exists
	SaveDraft(ctx context.Context, formID, userID string) (*model.Submission, error)
	// CheckEditable loads a submission and fails with ErrReviewStateConflict when it is read-only
	CheckEditable(ctx context.Context, submissionID string) (*model.Submission, error)
}

// Linker persists file linkage rows
type Linker interface {
	LinkFile(ctx context.Context, f model.SubmissionFile) error
	CountFiles(ctx context.Context, submissionID, fieldID string) (int, error)
	GetFile(ctx context.Context, submissionID, fileID string) (model.SubmissionFile, error)
	UnlinkFile(ctx context.Context, submissionID, fileID string) error
}

// Notifier publishes pipeline events
type Notifier interface {
	PublishUser(userID string, event map[string]interface{}) error
	PublishSubmission(submissionID string, event map[string]interface{}) error
}

// Pipeline uploads file answers and links them to submissions
type Pipeline struct {
	queue        *Queue
	store        storage.Storage
	subs         Submissions
	links        Linker
	bus          Notifier
	bucket       string
	defaultMaxMB float64
	drafts       singleflight.Group
	log          *zap.Logger
}

type PipelineConfig struct {
	Bucket       string
	DefaultMaxMB float64
}

func NewPipeline(queue *Queue, store storage.Storage, subs Submissions, links Linker, bus Notifier, cfg PipelineConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{
		queue:        queue,
		store:        store,
		subs:         subs,
		links:        links,
		bus:          bus,
		bucket:       cfg.Bucket,
		defaultMaxMB: cfg.DefaultMaxMB,
		log:          log,
	}
}

// Queue exposes the pipeline's queue for status lookups and the busy guard
func (p *Pipeline) Queue() *Queue {
	return p.queue
}

// UploadRequest selects files for one file field
type UploadRequest struct {
	Schema       *schema.Schema
	FormID       string
	UserID       string
	FieldID      string
	SubmissionID string
	Files        []FileSource
}

// Batch is the result of queueing an upload request
type Batch struct {
	SubmissionID string
	Items        []*Item
}

// Views returns the current state of every item in the batch
func (b *Batch) Views() []ItemView {
	out := make([]ItemView, 0, len(b.Items))
	for _, it := range b.Items {
		out = append(out, it.View())
	}
	return out
}

// Enqueue checks the request, makes sure a submission exists and starts one
// upload per file. Uploads keep running after ctx is cancelled.
func (p *Pipeline) Enqueue(ctx context.Context, req UploadRequest) (*Batch, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: no files selected", model.ErrInvalidInput)
	}

	field, ok := req.Schema.Field(req.FieldID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q", model.ErrInvalidInput, req.FieldID)
	}
	switch field.Type.Traits().Storage {
	case schema.StorageFileLink:
	case schema.StorageNone, schema.StorageInline, schema.StorageSignatureRef:
		return nil, fmt.Errorf("%w: field %q does not take file uploads", model.ErrInvalidInput, req.FieldID)
	default:
		panic(fmt.Sprintf("attachment: unhandled storage kind %d", field.Type.Traits().Storage))
	}

	policy := storage.PolicyForField(field, p.defaultMaxMB)
	for _, f := range req.Files {
		if err := policy.ValidateFile(f.Name(), f.ContentType(), f.Size()); err != nil {
			return nil, err
		}
	}

	sub, err := p.ensureSubmission(ctx, req)
	if err != nil {
		return nil, err
	}

	existing, err := p.links.CountFiles(ctx, sub.ID, req.FieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to count files: %w", err)
	}
	if err := policy.ValidateCount(existing, len(req.Files)); err != nil {
		return nil, err
	}

	batch := &Batch{SubmissionID: sub.ID}
	detached := context.WithoutCancel(ctx)
	for _, src := range req.Files {
		it := newItem(ulid.Make().String(), src)
		it.SubmissionID = sub.ID
		it.FormID = req.FormID
		it.UserID = req.UserID
		it.FieldID = req.FieldID
		it.FileID = ulid.Make().String()

		p.queue.add(it)
		batch.Items = append(batch.Items, it)
	}
	for _, it := range batch.Items {
		go p.run(detached, it)
	}

	p.log.Info("Uploads queued",
		zap.String("submission_id", sub.ID),
		zap.String("field_id", req.FieldID),
		zap.Int("count", len(batch.Items)),
	)
	return batch, nil
}

// UploadAndLinkFile queues the files and waits for every item to finish.
// Individual failures are reported on the items, not as an error.
func (p *Pipeline) UploadAndLinkFile(ctx context.Context, req UploadRequest) (*Batch, error) {
	batch, err := p.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, it := range batch.Items {
		it := it
		g.Go(func() error {
			_, err := it.Wait(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return batch, fmt.Errorf("failed waiting for uploads: %w", err)
	}
	return batch, nil
}

// ensureSubmission resolves the target submission. Without an id, the first
// selection creates the draft; concurrent first selections share one call.
func (p *Pipeline) ensureSubmission(ctx context.Context, req UploadRequest) (*model.Submission, error) {
	if req.SubmissionID == "" {
		key := req.FormID + "\x00" + req.UserID
		v, err, _ := p.drafts.Do(key, func() (interface{}, error) {
			return p.subs.SaveDraft(ctx, req.FormID, req.UserID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create draft: %w", err)
		}
		req.SubmissionID = v.(*model.Submission).ID
	}

	sub, err := p.subs.CheckEditable(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != req.UserID || sub.FormID != req.FormID {
		return nil, model.ErrSubmissionNotFound
	}
	return sub, nil
}

// Retry re-uploads one failed item and leaves its siblings alone
func (p *Pipeline) Retry(ctx context.Context, itemID, userID string) (*Item, error) {
	it, err := p.queue.Get(itemID)
	if err != nil {
		return nil, err
	}
	if it.UserID != userID {
		return nil, model.ErrUploadNotFound
	}
	if _, err := p.subs.CheckEditable(ctx, it.SubmissionID); err != nil {
		return nil, err
	}
	if err := p.queue.requeue(it); err != nil {
		return nil, err
	}

	go p.run(context.WithoutCancel(ctx), it)
	return it, nil
}

// Remove deletes the stored object and then exactly that linkage row
func (p *Pipeline) Remove(ctx context.Context, submissionID, fileID, userID string) error {
	sub, err := p.subs.CheckEditable(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.UserID != userID {
		return model.ErrSubmissionNotFound
	}

	f, err := p.links.GetFile(ctx, submissionID, fileID)
	if err != nil {
		return err
	}

	if err := p.store.Delete(ctx, f.StorageBucket, f.StoragePath); err != nil {
		return fmt.Errorf("failed to delete stored file: %w", err)
	}
	if err := p.links.UnlinkFile(ctx, submissionID, fileID); err != nil {
		return fmt.Errorf("failed to unlink file: %w", err)
	}

	_ = p.bus.PublishSubmission(submissionID, map[string]interface{}{
		"type":         "file.removed",
		"submissionId": submissionID,
		"fieldId":      f.FieldID,
		"fileId":       fileID,
	})
	return nil
}

func (p *Pipeline) run(ctx context.Context, it *Item) {
	p.queue.start(it)
	p.publish(it, "upload.progress", map[string]interface{}{"progress": 0})

	file, err := p.upload(ctx, it)
	if err != nil {
		p.queue.fail(it, err)
		p.log.Warn("Upload failed",
			zap.String("item_id", it.ID),
			zap.String("submission_id", it.SubmissionID),
			zap.Error(err),
		)
		p.publish(it, "upload.failed", map[string]interface{}{"error": err.Error()})
		return
	}

	p.queue.succeed(it, file)
	p.publish(it, "upload.succeeded", map[string]interface{}{"file": file})
}

func (p *Pipeline) upload(ctx context.Context, it *Item) (answer.FileAnswerItem, error) {
	src := it.source
	rc, err := src.Open()
	if err != nil {
		return answer.FileAnswerItem{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer rc.Close()

	objectPath := storage.ObjectPath(it.UserID, it.FormID, it.FieldID, it.FileID+"-"+src.Name())
	hash := sha256.New()
	lastStep := 0
	progress := func(written, total int64) {
		if total <= 0 {
			return
		}
		pct := int(written * 100 / total)
		if pct >= 100 {
			pct = 99
		}
		p.queue.setProgress(it, pct)
		if step := pct / 10; step > lastStep {
			lastStep = step
			p.publish(it, "upload.progress", map[string]interface{}{"progress": step * 10})
		}
	}

	err = p.store.Put(ctx, p.bucket, objectPath, io.TeeReader(rc, hash), src.Size(), src.ContentType(), progress)
	if err != nil {
		return answer.FileAnswerItem{}, err
	}

	file := answer.FileAnswerItem{
		FileID:        it.FileID,
		FileName:      src.Name(),
		StorageBucket: p.bucket,
		StoragePath:   objectPath,
		UploadedAt:    time.Now().UTC(),
	}
	err = p.links.LinkFile(ctx, model.SubmissionFile{
		FileAnswerItem: file,
		SubmissionID:   it.SubmissionID,
		FieldID:        it.FieldID,
		ContentType:    src.ContentType(),
		SizeBytes:      src.Size(),
		SHA256:         hex.EncodeToString(hash.Sum(nil)),
	})
	if err != nil {
		if delErr := p.store.Delete(ctx, p.bucket, objectPath); delErr != nil {
			p.log.Warn("Failed to clean up unlinked object", zap.String("path", objectPath), zap.Error(delErr))
		}
		return answer.FileAnswerItem{}, fmt.Errorf("failed to link file: %w", err)
	}
	return file, nil
}

func (p *Pipeline) publish(it *Item, eventType string, extra map[string]interface{}) {
	event := map[string]interface{}{
		"type":         eventType,
		"itemId":       it.ID,
		"submissionId": it.SubmissionID,
		"fieldId":      it.FieldID,
		"fileName":     it.source.Name(),
	}
	for k, v := range extra {
		event[k] = v
	}
	_ = p.bus.PublishSubmission(it.SubmissionID, event)
	_ = p.bus.PublishUser(it.UserID, event)
}
