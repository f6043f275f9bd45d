// Package savequeue coalesces bursts of edits into debounced writes and
// dispatches them one at a time.
//
// Each Enqueue for a path replaces that path's pending entry and restarts its
// quiet-period timer. When the timer fires the entry becomes eligible; the
// dispatch loop takes eligible entries in order and writes them through the
// Writer with exactly one write in flight across all paths. Every entry
// resolves exactly once through its Pending future.
package savequeue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pseudocoder/filesync/internal/fileservice"
	"github.com/pseudocoder/filesync/internal/version"
)

// DefaultQuietPeriod is used when Config.QuietPeriod is zero.
const DefaultQuietPeriod = time.Second

// Writer is the part of the file service the scheduler needs.
type Writer interface {
	Write(ctx context.Context, path, content string, enc fileservice.Encoding, expected version.Token) (*fileservice.WriteResult, error)
}

// Observer is told about dispatches from the dispatch goroutine, in order.
// SaveResolved for one entry runs before the next entry's SaveStarted.
type Observer interface {
	SaveStarted(path string)
	SaveResolved(res Result)
}

// Config configures a Scheduler.
type Config struct {
	QuietPeriod time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *Metrics
	Observer    Observer
}

type entry struct {
	seq      uint64
	path     string
	content  string
	enc      fileservice.Encoding
	expected version.Token
	timer    *clock.Timer
	pending  *Pending
}

// Scheduler is the save queue. Construct it with New and run it with Start.
type Scheduler struct {
	writer   Writer
	quiet    time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *Metrics
	observer Observer

	mu       sync.Mutex
	seq      uint64
	waiting  map[string]*entry // live debounce timer
	ready    []*entry          // eligible, in dispatch order
	inFlight *entry
	drainers []chan struct{}
	stopped  bool

	wake     chan struct{}
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New creates a scheduler writing through w.
func New(w Writer, cfg Config) *Scheduler {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = DefaultQuietPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Scheduler{
		writer:   w,
		quiet:    cfg.QuietPeriod,
		clock:    cfg.Clock,
		logger:   cfg.Logger.Named("savequeue"),
		metrics:  cfg.Metrics,
		observer: cfg.Observer,
		waiting:  make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// SetObserver replaces the observer. It must be called before Start.
func (s *Scheduler) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// Start runs the dispatch loop until ctx is done or Stop is called.
// Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.loopDone != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	go s.run(loopCtx, done)
}

// Stop cancels every queued entry, aborts the in-flight write through its
// context, and waits for the dispatch loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for path, e := range s.waiting {
		e.timer.Stop()
		delete(s.waiting, path)
		e.pending.resolve(s.unsent(e, OutcomeCancelled))
	}
	for _, e := range s.ready {
		e.pending.resolve(s.unsent(e, OutcomeCancelled))
	}
	s.ready = nil
	s.updateDepthLocked()
	s.notifyIfIdleLocked()
	cancel := s.cancel
	done := s.loopDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.logger.Debug("scheduler stopped")
}

// Enqueue records a debounced write for path. A pending entry for the same
// path that has not fired yet is replaced and resolves as superseded.
// Enqueue never blocks.
func (s *Scheduler) Enqueue(path, content string, enc fileservice.Encoding, expected version.Token) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.newEntryLocked(path, content, enc, expected)
	if s.stopped {
		e.pending.resolve(s.unsent(e, OutcomeCancelled))
		return e.pending
	}

	s.supersedeLocked(path)
	s.waiting[path] = e
	e.timer = s.clock.AfterFunc(s.quiet, func() { s.fire(e) })
	s.updateDepthLocked()
	return e.pending
}

// ForceDispatch makes a write for path eligible immediately, bypassing the
// quiet period. It still waits behind the in-flight write and any entries
// already eligible.
func (s *Scheduler) ForceDispatch(path, content string, enc fileservice.Encoding, expected version.Token) *Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.newEntryLocked(path, content, enc, expected)
	if s.stopped {
		e.pending.resolve(s.unsent(e, OutcomeCancelled))
		return e.pending
	}

	s.supersedeLocked(path)
	s.ready = append(s.ready, e)
	s.updateDepthLocked()
	s.signal()
	return e.pending
}

// Cancel drops every queued entry for path that has not been dispatched.
// It reports whether anything was dropped. The in-flight write is unaffected.
func (s *Scheduler) Cancel(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := false
	if e, ok := s.waiting[path]; ok {
		e.timer.Stop()
		delete(s.waiting, path)
		e.pending.resolve(s.unsent(e, OutcomeCancelled))
		dropped = true
	}

	kept := s.ready[:0]
	for _, e := range s.ready {
		if e.path == path {
			e.pending.resolve(s.unsent(e, OutcomeCancelled))
			dropped = true
			continue
		}
		kept = append(kept, e)
	}
	s.ready = kept

	if dropped {
		s.updateDepthLocked()
		s.notifyIfIdleLocked()
	}
	return dropped
}

// Flush makes every debounced entry eligible now, in enqueue order.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiting) == 0 {
		return
	}

	flushed := make([]*entry, 0, len(s.waiting))
	for path, e := range s.waiting {
		e.timer.Stop()
		delete(s.waiting, path)
		flushed = append(flushed, e)
	}
	sort.Slice(flushed, func(i, j int) bool { return flushed[i].seq < flushed[j].seq })
	s.ready = append(s.ready, flushed...)
	s.signal()
}

// Drain waits until nothing is queued or in flight.
func (s *Scheduler) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.drainers = append(s.drainers, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued entries, excluding the in-flight one.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting) + len(s.ready)
}

// IsPending reports whether path has a queued, undispatched entry.
func (s *Scheduler) IsPending(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.waiting[path]; ok {
		return true
	}
	for _, e := range s.ready {
		if e.path == path {
			return true
		}
	}
	return false
}

func (s *Scheduler) newEntryLocked(path, content string, enc fileservice.Encoding, expected version.Token) *entry {
	s.seq++
	return &entry{
		seq:      s.seq,
		path:     path,
		content:  content,
		enc:      enc,
		expected: expected,
		pending:  newPending(path),
	}
}

// supersedeLocked retires the debounced entry for path, if any.
func (s *Scheduler) supersedeLocked(path string) {
	old, ok := s.waiting[path]
	if !ok {
		return
	}
	old.timer.Stop()
	delete(s.waiting, path)
	old.pending.resolve(s.unsent(old, OutcomeSuperseded))
	s.metrics.coalesce()
}

// fire moves e from waiting to ready. A timer that raced with a replacement
// finds a different entry under its path and does nothing.
func (s *Scheduler) fire(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.waiting[e.path] != e {
		return
	}
	delete(s.waiting, e.path)
	s.ready = append(s.ready, e)
	s.signal()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.logger.Debug("dispatch loop started", zap.Duration("quiet_period", s.quiet))

	for {
		e := s.next(ctx)
		if e == nil {
			return
		}
		s.dispatch(ctx, e)
	}
}

// next blocks until an entry is eligible and marks it in flight.
func (s *Scheduler) next(ctx context.Context) *entry {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			e := s.ready[0]
			s.ready[0] = nil
			s.ready = s.ready[1:]
			s.inFlight = e
			s.updateDepthLocked()
			s.mu.Unlock()
			return e
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	s.mu.Lock()
	observer := s.observer
	s.mu.Unlock()

	close(e.pending.dispatched)
	if observer != nil {
		observer.SaveStarted(e.path)
	}

	started := s.clock.Now()
	res, err := s.writer.Write(ctx, e.path, e.content, e.enc, e.expected)
	s.metrics.observeDuration(s.clock.Since(started))

	result := Result{
		Path:     e.path,
		Content:  e.content,
		Encoding: e.enc,
		Expected: e.expected,
	}

	switch conflict, isConflict := fileservice.AsConflict(err); {
	case err == nil:
		result.Outcome = OutcomeSaved
		result.Token = res.Token
		s.rebase(e.path, e.expected, res.Token)
		s.logger.Debug("saved", zap.String("path", e.path), zap.Stringer("etag", res.Token))
	case isConflict:
		result.Outcome = OutcomeConflict
		result.Conflict = conflict
		s.logger.Info("save conflict",
			zap.String("path", e.path),
			zap.String("reason", string(conflict.Reason)),
			zap.Stringer("expected", e.expected))
	default:
		// Dropped without retry; the next edit or an explicit save re-enqueues.
		result.Outcome = OutcomeFailed
		result.Err = err
		s.logger.Warn("save failed", zap.String("path", e.path), zap.Error(err))
	}
	s.metrics.countWrite(result.Outcome)

	if observer != nil {
		observer.SaveResolved(result)
	}
	e.pending.resolve(result)

	s.mu.Lock()
	s.inFlight = nil
	s.notifyIfIdleLocked()
	s.mu.Unlock()
}

// rebase moves queued entries for path that were conditioned on from onto to,
// so a burst split across an in-flight write does not conflict with itself.
func (s *Scheduler) rebase(path string, from, to version.Token) {
	if !from.IsKnown() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.waiting[path]; ok && e.expected.Equal(from) {
		e.expected = to
	}
	for _, e := range s.ready {
		if e.path == path && e.expected.Equal(from) {
			e.expected = to
		}
	}
}

func (s *Scheduler) unsent(e *entry, outcome Outcome) Result {
	return Result{
		Path:     e.path,
		Content:  e.content,
		Encoding: e.enc,
		Expected: e.expected,
		Outcome:  outcome,
	}
}

func (s *Scheduler) idleLocked() bool {
	return len(s.waiting) == 0 && len(s.ready) == 0 && s.inFlight == nil
}

func (s *Scheduler) notifyIfIdleLocked() {
	if !s.idleLocked() {
		return
	}
	for _, ch := range s.drainers {
		close(ch)
	}
	s.drainers = nil
}

func (s *Scheduler) updateDepthLocked() {
	s.metrics.setDepth(len(s.waiting) + len(s.ready))
}
