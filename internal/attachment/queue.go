package attachment

import (
	"fmt"
	"sync"
	"time"

	"formflow/internal/answer"
	"formflow/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Queue tracks upload items for this process. Finished items stay queryable
// until they expire; busy counts are kept apart so eviction never skews them.
type Queue struct {
	mu    sync.Mutex
	items *expirable.LRU[string, *Item]
	busy  map[string]int
}

// NewQueue keeps up to size items for retention after their last change
func NewQueue(size int, retention time.Duration) *Queue {
	return &Queue{
		items: expirable.NewLRU[string, *Item](size, nil, retention),
		busy:  make(map[string]int),
	}
}

// Get returns a queued item
func (q *Queue) Get(id string) (*Item, error) {
	it, ok := q.items.Get(id)
	if !ok {
		return nil, model.ErrUploadNotFound
	}
	return it, nil
}

// Busy reports whether any item of the submission is pending or uploading
func (q *Queue) Busy(submissionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy[submissionID] > 0
}

// Items lists the retained items of a submission
func (q *Queue) Items(submissionID string) []ItemView {
	var out []ItemView
	for _, it := range q.items.Values() {
		if it.SubmissionID == submissionID {
			out = append(out, it.View())
		}
	}
	return out
}

func (q *Queue) add(it *Item) {
	q.mu.Lock()
	q.busy[it.SubmissionID]++
	q.mu.Unlock()
	q.items.Add(it.ID, it)
}

// transition moves an item to a new status and keeps busy counts exact
func (q *Queue) transition(it *Item, to Status, apply func()) ItemView {
	v, _ := q.transitionFrom(it, nil, to, apply)
	return v
}

// transitionFrom moves the item only when allowed accepts its current
// status; the check and the move share one critical section
func (q *Queue) transitionFrom(it *Item, allowed func(Status) bool, to Status, apply func()) (ItemView, bool) {
	moved := true
	q.mu.Lock()
	v, listeners := it.apply(func() {
		from := it.status
		if allowed != nil && !allowed(from) {
			moved = false
			return
		}
		it.status = to
		if apply != nil {
			apply()
		}
		switch {
		case from.busy() && !to.busy():
			q.release(it.SubmissionID)
			close(it.done)
		case !from.busy() && to.busy():
			q.busy[it.SubmissionID]++
			it.done = make(chan struct{})
		}
	})
	q.mu.Unlock()
	if !moved {
		return v, false
	}

	q.items.Add(it.ID, it)
	notify(v, listeners)
	return v, true
}

func (q *Queue) release(submissionID string) {
	if q.busy[submissionID] <= 1 {
		delete(q.busy, submissionID)
		return
	}
	q.busy[submissionID]--
}

func (q *Queue) setProgress(it *Item, pct int) ItemView {
	return it.update(func() {
		if pct > it.progress {
			it.progress = pct
		}
	})
}

func (q *Queue) start(it *Item) ItemView {
	return q.transition(it, StatusUploading, func() {
		it.progress = 0
		it.err = nil
	})
}

func (q *Queue) succeed(it *Item, file answer.FileAnswerItem) ItemView {
	return q.transition(it, StatusSuccess, func() {
		it.progress = 100
		it.file = &file
	})
}

func (q *Queue) fail(it *Item, err error) ItemView {
	return q.transition(it, StatusError, func() {
		it.err = &model.UploadError{FileName: it.source.Name(), Retryable: true, Err: err}
	})
}

// requeue puts a failed item back to pending for a retry
func (q *Queue) requeue(it *Item) error {
	v, ok := q.transitionFrom(it, func(s Status) bool { return s == StatusError }, StatusPending, func() {
		it.progress = 0
		it.err = nil
	})
	if !ok {
		return fmt.Errorf("%w: upload %s is %s, only failed uploads can be retried", model.ErrInvalidInput, it.ID, v.Status)
	}
	return nil
}
