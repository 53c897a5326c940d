package mediacache

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Priority orders download tasks. Higher values preempt lower ones for the
// next free download slot; equal priorities drain first-in first-out.
type Priority uint8

const (
	// PriorityLow suits speculative prefetches.
	PriorityLow Priority = iota
	// PriorityNormal suits attachments scrolled into view.
	PriorityNormal
	// PriorityHigh suits content the user explicitly tapped.
	PriorityHigh
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// task is one in-flight download. At most one task exists per attachment
// ID; concurrent requests attach to the existing task through its handle.
type task struct {
	attachmentID string
	sourceURL    string
	priority     Priority

	seq        uint64 // enqueue order, breaks priority ties FIFO
	attempts   int    // stall/failure retries, distinct from delivery retries
	cancelFlag atomic.Bool

	// progress is the fraction transferred, stored as float64 bits so the
	// transfer loop can publish without taking the manager lock.
	progressBits atomic.Uint64

	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	err           error
	path          string
	transferSpeed float64 // bytes per second, exponential moving average
	lastChunkAt   time.Time
}

// noteChunk folds one chunk into the speed estimate. Exponential moving
// average with alpha = 0.3, matching typical transfer speedometers.
func (t *task) noteChunk(bytes int, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.lastChunkAt.IsZero() {
		if elapsed := now.Sub(t.lastChunkAt).Seconds(); elapsed > 0 {
			instant := float64(bytes) / elapsed
			if t.transferSpeed == 0 {
				t.transferSpeed = instant
			} else {
				t.transferSpeed = 0.7*t.transferSpeed + 0.3*instant
			}
		}
	}
	t.lastChunkAt = now
}

func (t *task) speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferSpeed
}

func newTask(attachmentID, sourceURL string, priority Priority, seq uint64) *task {
	return &task{
		attachmentID: attachmentID,
		sourceURL:    sourceURL,
		priority:     priority,
		seq:          seq,
		done:         make(chan struct{}),
	}
}

// setProgress records the transfer fraction in [0, 1].
func (t *task) setProgress(f float64) {
	t.progressBits.Store(math.Float64bits(f))
}

// progress returns the last recorded transfer fraction.
func (t *task) progress() float64 {
	return math.Float64frombits(t.progressBits.Load())
}

// finish resolves the task exactly once.
func (t *task) finish(path string, err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.path = path
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
}

// Handle is the caller's view of an attachment request. Completion is
// signalled on Done rather than polled, so waiting for an upload or
// download is deterministic.
type Handle struct {
	attachmentID string
	task         *task // nil when resolved synchronously
	path         string
	err          error
	completed    chan struct{}
}

// resolvedHandle wraps an already-cached attachment.
func resolvedHandle(id, path string) *Handle {
	ch := make(chan struct{})
	close(ch)
	return &Handle{attachmentID: id, path: path, completed: ch}
}

func taskHandle(t *task) *Handle {
	return &Handle{attachmentID: t.attachmentID, task: t, completed: t.done}
}

// Done returns a channel closed when the attachment is ready or the
// transfer has failed or been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.completed
}

// Path returns the local file path once Done is closed, or immediately for
// an already-cached attachment.
func (h *Handle) Path() string {
	if h.task == nil {
		return h.path
	}
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	return h.task.path
}

// Err returns the terminal error, nil on success. Cancellation reports
// message.ErrCancelled.
func (h *Handle) Err() error {
	if h.task == nil {
		return h.err
	}
	h.task.mu.Lock()
	defer h.task.mu.Unlock()
	return h.task.err
}

// Progress returns the transfer fraction in [0, 1]; a resolved handle
// reports 1.
func (h *Handle) Progress() float64 {
	if h.task == nil {
		return 1
	}
	return h.task.progress()
}

// Speed returns the transfer speed in bytes per second, zero for an
// already-cached attachment.
func (h *Handle) Speed() float64 {
	if h.task == nil {
		return 0
	}
	return h.task.speed()
}
