package savequeue

import (
	"context"
	"sync"

	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/version"
)

// Outcome is how a queued entry resolved.
type Outcome string

const (
	// OutcomeSaved means the write succeeded and Result.Token is the new version.
	OutcomeSaved Outcome = "saved"
	// OutcomeConflict means the file service refused the write; see Result.Conflict.
	OutcomeConflict Outcome = "conflict"
	// OutcomeFailed means the write errored for a reason other than a conflict.
	OutcomeFailed Outcome = "failed"
	// OutcomeSuperseded means a newer Enqueue for the same path replaced the entry
	// before its quiet period elapsed.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeCancelled means the entry was dropped by Cancel or Stop.
	OutcomeCancelled Outcome = "cancelled"
)

// Dispatched reports whether the outcome came from an actual write.
func (o Outcome) Dispatched() bool {
	return o == OutcomeSaved || o == OutcomeConflict || o == OutcomeFailed
}

// Result describes one resolved entry.
type Result struct {
	Path     string
	Content  string
	Encoding fileservice.Encoding
	Expected version.Token

	Outcome  Outcome
	Token    version.Token
	Conflict *fileservice.ConflictError
	Err      error
}

// Pending is the future for one queued entry.
type Pending struct {
	path       string
	once       sync.Once
	done       chan Result
	dispatched chan struct{}

	// result is written once before finished is closed.
	result   Result
	finished chan struct{}
}

func newPending(path string) *Pending {
	return &Pending{
		path:       path,
		done:       make(chan Result, 1),
		dispatched: make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

// Path returns the path the entry writes.
func (p *Pending) Path() string {
	return p.path
}

// Done delivers the result exactly once. Use Wait when more than one reader
// needs it.
func (p *Pending) Done() <-chan Result {
	return p.done
}

// Dispatched is closed when the write is handed to the Writer.
func (p *Pending) Dispatched() <-chan struct{} {
	return p.dispatched
}

// Wait blocks for the result or until ctx is done. It returns the same result
// on every call, whether or not Done was already drained.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.finished:
		return p.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(res Result) {
	p.once.Do(func() {
		p.result = res
		close(p.finished)
		p.done <- res
		close(p.done)
	})
}
