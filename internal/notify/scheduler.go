package notify

import "sync"

// Scheduler coalesces notification callbacks. Outside a batch, Schedule
// runs the callback immediately on the calling goroutine. Inside a
// batch, callbacks queue in order and flush once when the outermost
// Batch returns, so a bulk operation touching many entries notifies
// each listener after the whole operation settled rather than midway.
// The zero value is ready to use.
type Scheduler struct {
	mu    sync.Mutex
	depth int
	queue []func()
}

// Batch runs fn with notification flushing deferred to the end of the
// outermost batch. Nested batches join the outer one. Callbacks
// scheduled concurrently from other goroutines during the window join
// the batch and run on the flushing goroutine.
func (s *Scheduler) Batch(fn func()) {
	s.mu.Lock()
	s.depth++
	s.mu.Unlock()
	defer s.exitBatch()
	fn()
}

func (s *Scheduler) exitBatch() {
	s.mu.Lock()
	s.depth--
	var flush []func()
	if s.depth == 0 {
		flush = s.queue
		s.queue = nil
	}
	s.mu.Unlock()
	for _, fn := range flush {
		fn()
	}
}

// Schedule runs fn now, or queues it if a batch is active.
func (s *Scheduler) Schedule(fn func()) {
	s.mu.Lock()
	if s.depth > 0 {
		s.queue = append(s.queue, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}
