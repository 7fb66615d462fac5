package attachment

import (
	"bytes"
	"context"
	"io"
	"sync"

	"formflow/internal/answer"
)

// Status is the state of one queued upload
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// busy reports whether the status holds up save and submit
func (s Status) busy() bool {
	return s == StatusPending || s == StatusUploading
}

// FileSource is a re-readable file selected for upload
type FileSource interface {
	Name() string
	ContentType() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// BytesSource is a FileSource held in memory
type BytesSource struct {
	FileName string
	MimeType string
	Data     []byte
}

func (b BytesSource) Name() string        { return b.FileName }
func (b BytesSource) ContentType() string { return b.MimeType }
func (b BytesSource) Size() int64         { return int64(len(b.Data)) }

func (b BytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// ItemView is a point-in-time copy of an item
type ItemView struct {
	ID           string                 `json:"id"`
	SubmissionID string                 `json:"submissionId"`
	FieldID      string                 `json:"fieldId"`
	FileName     string                 `json:"fileName"`
	Status       Status                 `json:"status"`
	Progress     int                    `json:"progress"`
	Error        string                 `json:"error,omitempty"`
	File         *answer.FileAnswerItem `json:"file,omitempty"`
}

// Item is one file moving through the queue. It is only mutated by the queue.
type Item struct {
	ID           string
	SubmissionID string
	FormID       string
	UserID       string
	FieldID      string
	FileID       string
	source       FileSource

	mu        sync.Mutex
	status    Status
	progress  int
	err       error
	file      *answer.FileAnswerItem
	done      chan struct{}
	listeners []func(ItemView)
}

func newItem(id string, src FileSource) *Item {
	return &Item{
		ID:     id,
		source: src,
		status: StatusPending,
		done:   make(chan struct{}),
	}
}

// View returns the current state
func (it *Item) View() ItemView {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.viewLocked()
}

func (it *Item) viewLocked() ItemView {
	v := ItemView{
		ID:           it.ID,
		SubmissionID: it.SubmissionID,
		FieldID:      it.FieldID,
		FileName:     it.source.Name(),
		Status:       it.status,
		Progress:     it.progress,
	}
	if it.err != nil {
		v.Error = it.err.Error()
	}
	if it.file != nil {
		f := *it.file
		v.File = &f
	}
	return v
}

// Err returns the failure of an item in error state
func (it *Item) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Listen registers fn to be called on every state or progress change
func (it *Item) Listen(fn func(ItemView)) {
	it.mu.Lock()
	it.listeners = append(it.listeners, fn)
	it.mu.Unlock()
}

// Wait blocks until the current attempt finishes or ctx is done
func (it *Item) Wait(ctx context.Context) (ItemView, error) {
	it.mu.Lock()
	done := it.done
	it.mu.Unlock()

	select {
	case <-done:
		return it.View(), nil
	case <-ctx.Done():
		return it.View(), ctx.Err()
	}
}

// update applies fn under the lock and notifies listeners outside it
func (it *Item) update(fn func()) ItemView {
	v, listeners := it.apply(fn)
	notify(v, listeners)
	return v
}

// apply runs fn under the lock and returns the resulting view with the
// listeners to notify once every lock is released
func (it *Item) apply(fn func()) (ItemView, []func(ItemView)) {
	it.mu.Lock()
	defer it.mu.Unlock()
	fn()
	return it.viewLocked(), append([]func(ItemView){}, it.listeners...)
}

func notify(v ItemView, listeners []func(ItemView)) {
	for _, l := range listeners {
		l(v)
	}
}
