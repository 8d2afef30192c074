package protocol

import (
	"io"
	"sync"
)

// State is the DownloadResult lifecycle, spec.md §3/§4.2: Pending ->
// (optionally looping through refreshing) -> Running -> {Completed,
// Failed}. Terminal states never transition.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DownloadResult owns one in-flight chunk, spec.md §3. It is published to
// the result queue at dispatch time (before the HTTP fetch even starts)
// so the reader observes the same order the fetcher assigned; the reader
// blocks on Wait until the downloader transitions it to a terminal state.
// This is the "promise" described in spec.md §9.
type DownloadResult struct {
	Descriptor *ChunkDescriptor

	mu             sync.Mutex
	state          State
	stream         io.Reader
	err            error
	refreshAttempt int
	acquiredBytes  int64
	released       bool
	done           chan struct{}

	onRelease func(n int64) // returns acquiredBytes to the byte budget
}

// NewDownloadResult creates a Pending DownloadResult for descriptor,
// reserving acquiredBytes that onRelease will return exactly once.
func NewDownloadResult(descriptor *ChunkDescriptor, acquiredBytes int64, onRelease func(int64)) *DownloadResult {
	return &DownloadResult{
		Descriptor:    descriptor,
		state:         StatePending,
		acquiredBytes: acquiredBytes,
		done:          make(chan struct{}),
		onRelease:     onRelease,
	}
}

// MarkRunning transitions Pending -> Running once a prefetch slot and the
// byte budget have both been acquired.
func (r *DownloadResult) MarkRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StatePending {
		r.state = StateRunning
	}
}

// IncrementRefreshAttempts bumps the URL-refresh counter and returns the
// new value, spec.md §4.2 step 4.
func (r *DownloadResult) IncrementRefreshAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshAttempt++
	return r.refreshAttempt
}

// RefreshAttempts returns the current refresh counter.
func (r *DownloadResult) RefreshAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshAttempt
}

// Complete transitions to Completed with the given stream. Terminal
// states never transition again; calling Complete or Fail twice is a
// no-op past the first call.
func (r *DownloadResult) Complete(stream io.Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCompleted || r.state == StateFailed {
		return
	}
	r.state = StateCompleted
	r.stream = stream
	close(r.done)
}

// Fail transitions to Failed with err.
func (r *DownloadResult) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateCompleted || r.state == StateFailed {
		return
	}
	r.state = StateFailed
	r.err = err
	close(r.done)
}

// Wait blocks until the result reaches a terminal state, returning the
// completed stream or the failure error.
func (r *DownloadResult) Wait() (io.Reader, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream, r.err
}

// State returns the current lifecycle state.
func (r *DownloadResult) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Release returns acquiredBytes to the byte budget exactly once, however
// many times it is called — the reader calls it after draining the
// stream, and the manager calls it again defensively while disposing
// queues on stop; only the first call has effect.
func (r *DownloadResult) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	n := r.acquiredBytes
	release := r.onRelease
	r.mu.Unlock()
	if release != nil {
		release(n)
	}
}
