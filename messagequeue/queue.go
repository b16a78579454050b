// Package messagequeue implements a FIFO of outbound work items with
// per-item timeouts, a bounded retry count, and a reconnect-time rewind
// of in-flight items back to pending.
package messagequeue

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CompletionResult is the terminal status of a queued item.
type CompletionResult int

const (
	Success CompletionResult = iota
	Error
	Timeout
	Cancelled
)

func (r CompletionResult) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case Error:
		return "ERROR"
	case Timeout:
		return "TIMEOUT"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// OnCompleted is invoked exactly once per item: with the result the
// process callback reports (success, error), by DoWork's processing-time
// sweep (timeout), by MoveAllBackToPending once an item exceeds
// MaxRetryCount (error), or by Destroy (cancelled).
type OnCompleted func(item interface{}, result CompletionResult, reason string, ctx interface{})

// OnProcessMessage hands one item to the caller for processing; the
// caller must eventually report the outcome through complete.
type OnProcessMessage func(item interface{}, complete func(CompletionResult))

// Config configures a Queue.
type Config struct {
	// MaxRetryCount bounds how many times an item may be moved back to
	// pending (via MoveAllBackToPending) before it is abandoned. Zero
	// means unlimited.
	MaxRetryCount int

	// MaxMessageEnqueuedTimeSecs bounds how long an item may sit in
	// pending before DoWork refuses to dispatch it further (the item
	// is simply left pending; spec.md does not define an enqueue-side
	// timeout completion, only a processing-side one).
	MaxMessageEnqueuedTimeSecs int

	// MaxMessageProcessingTimeSecs bounds how long an item may sit
	// in-progress before DoWork completes it with Timeout. Zero
	// disables the processing timeout.
	MaxMessageProcessingTimeSecs int

	// OnProcessMessage dispatches a pending item for processing.
	OnProcessMessage OnProcessMessage
}

type item struct {
	value       interface{}
	onCompleted OnCompleted
	ctx         interface{}
	enqueuedAt  time.Time
	processedAt time.Time
	retries     int
}

// Queue is a FIFO of outbound work, see messagequeue.Config.
type Queue struct {
	mu      sync.Mutex
	cfg     Config
	pending []*item
	inFlight []*item
}

// New creates a Queue. OnProcessMessage must be set.
func New(cfg Config) (*Queue, error) {
	if cfg.OnProcessMessage == nil {
		return nil, errors.New("messagequeue: OnProcessMessage is required")
	}
	return &Queue{cfg: cfg}, nil
}

// Add appends an item to the pending list.
func (q *Queue) Add(value interface{}, onCompleted OnCompleted, ctx interface{}) error {
	if onCompleted == nil {
		return errors.New("messagequeue: onCompleted is required")
	}
	q.mu.Lock()
	q.pending = append(q.pending, &item{
		value:       value,
		onCompleted: onCompleted,
		ctx:         ctx,
		enqueuedAt:  time.Now(),
	})
	q.mu.Unlock()
	return nil
}

// IsEmpty reports whether both pending and in-progress are empty.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.inFlight) == 0
}

// PendingCount and InFlightCount exist for tests and diagnostics.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// MoveAllBackToPending drains in-progress to the head of pending,
// preserving relative order, e.g. on messenger stop/reconnect. An item
// that has already been rewound MaxRetryCount times is abandoned with
// Error instead of being requeued again.
func (q *Queue) MoveAllBackToPending() {
	q.mu.Lock()
	var requeued []*item
	var abandoned []*item
	for _, it := range q.inFlight {
		it.retries++
		if q.cfg.MaxRetryCount > 0 && it.retries > q.cfg.MaxRetryCount {
			abandoned = append(abandoned, it)
			continue
		}
		requeued = append(requeued, it)
	}
	if len(requeued) > 0 {
		q.pending = append(requeued, q.pending...)
	}
	q.inFlight = nil
	q.mu.Unlock()

	for _, it := range abandoned {
		it.onCompleted(it.value, Error, "max retry count exceeded", it.ctx)
	}
}

// SetMaxMessageEnqueuedTimeSecs updates the enqueue-time limit in place.
func (q *Queue) SetMaxMessageEnqueuedTimeSecs(secs int) {
	q.mu.Lock()
	q.cfg.MaxMessageEnqueuedTimeSecs = secs
	q.mu.Unlock()
}

// Options is a reloadable bundle of the queue's scalar settings, used by
// the reconnect-snapshot contract (see basemessenger.RetrieveOptions).
type Options struct {
	MaxMessageEnqueuedTimeSecs int
	MaxRetryCount              int
}

// RetrieveOptions captures the enqueue-time limit and retry count.
func (q *Queue) RetrieveOptions() Options {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Options{
		MaxMessageEnqueuedTimeSecs: q.cfg.MaxMessageEnqueuedTimeSecs,
		MaxRetryCount:              q.cfg.MaxRetryCount,
	}
}

// ApplyOptions restores settings captured by RetrieveOptions.
func (q *Queue) ApplyOptions(o Options) {
	q.mu.Lock()
	q.cfg.MaxMessageEnqueuedTimeSecs = o.MaxMessageEnqueuedTimeSecs
	q.cfg.MaxRetryCount = o.MaxRetryCount
	q.mu.Unlock()
}

// DoWork moves eligible pending items to in-progress and dispatches them,
// completes in-progress items that exceeded their processing time, and
// must be called repeatedly from the owner's single advancing goroutine.
func (q *Queue) DoWork() {
	now := time.Now()

	q.mu.Lock()
	maxEnqueued := q.cfg.MaxMessageEnqueuedTimeSecs
	maxProcessing := q.cfg.MaxMessageProcessingTimeSecs
	process := q.cfg.OnProcessMessage

	var toDispatch []*item
	var stillPending []*item
	for _, it := range q.pending {
		if maxEnqueued > 0 && now.Sub(it.enqueuedAt) >= time.Duration(maxEnqueued)*time.Second {
			stillPending = append(stillPending, it)
			continue
		}
		it.processedAt = now
		q.inFlight = append(q.inFlight, it)
		toDispatch = append(toDispatch, it)
	}
	q.pending = stillPending

	var timedOut []*item
	var stillInFlight []*item
	for _, it := range q.inFlight {
		if maxProcessing > 0 && now.Sub(it.processedAt) > time.Duration(maxProcessing)*time.Second {
			timedOut = append(timedOut, it)
			continue
		}
		stillInFlight = append(stillInFlight, it)
	}
	q.inFlight = stillInFlight
	q.mu.Unlock()

	for _, it := range toDispatch {
		it := it
		process(it.value, func(result CompletionResult) {
			q.complete(it, result, "")
		})
	}
	for _, it := range timedOut {
		it.onCompleted(it.value, Timeout, "processing time exceeded", it.ctx)
	}
}

// complete removes it from in-progress (if still present — DoWork's
// timeout sweep may have already removed it) and fires its callback
// exactly once.
func (q *Queue) complete(it *item, result CompletionResult, reason string) {
	q.mu.Lock()
	found := false
	for i, cur := range q.inFlight {
		if cur == it {
			q.inFlight = append(q.inFlight[:i], q.inFlight[i+1:]...)
			found = true
			break
		}
	}
	q.mu.Unlock()
	if !found {
		// already completed via the timeout sweep
		return
	}
	it.onCompleted(it.value, result, reason, it.ctx)
}

// Destroy completes every remaining item, pending or in-progress, with
// Cancelled before releasing the queue.
func (q *Queue) Destroy() {
	q.mu.Lock()
	all := append(q.pending, q.inFlight...)
	q.pending = nil
	q.inFlight = nil
	q.mu.Unlock()

	for _, it := range all {
		it.onCompleted(it.value, Cancelled, "queue destroyed", it.ctx)
	}
}
