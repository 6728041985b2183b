package gpu

import (
	"sync"
)

// hostStream is an ordered queue of device work drained by one goroutine.
// Work on one stream runs in submission order; separate streams run
// concurrently unless a task carries fences on other streams.
type hostStream struct {
	id    Stream
	tasks chan hostTask
	done  chan struct{}

	mu        sync.Mutex
	cond      *sync.Cond
	submitted uint64
	completed uint64
	failures  []taskFailure
	waiters   int    // goroutines inside synchronize
	reported  uint64 // highest position handed to a synchronize caller
}

type hostTask struct {
	run   func() error
	after []fence
}

// fence is a position in another stream's queue a task must wait for.
type fence struct {
	stream *hostStream
	seq    uint64
}

type taskFailure struct {
	seq uint64
	err error
}

func newHostStream(id Stream) *hostStream {
	s := &hostStream{
		id:    id,
		tasks: make(chan hostTask, 256),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.worker()
	return s
}

func (s *hostStream) worker() {
	defer close(s.done)
	for task := range s.tasks {
		for _, f := range task.after {
			f.stream.wait(f.seq)
		}
		err := task.run()

		s.mu.Lock()
		s.completed++
		if err != nil {
			s.failures = append(s.failures, taskFailure{seq: s.completed, err: err})
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// submit enqueues task. It blocks only when the queue is full. Callers
// serialize submissions so that queue positions follow channel order.
func (s *hostStream) submit(task hostTask) {
	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
	s.tasks <- task
}

// tail returns the position of the last submitted task.
func (s *hostStream) tail() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// pending reports whether submitted work has not completed yet.
func (s *hostStream) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed < s.submitted
}

// wait blocks until the first seq tasks have completed.
func (s *hostStream) wait(seq uint64) {
	s.mu.Lock()
	for s.completed < seq {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// synchronize waits for all work submitted before the call and returns the
// first error any of it produced. A failure is reported to every caller
// waiting on it and dropped once the last of them returns.
func (s *hostStream) synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := s.submitted
	s.waiters++
	for s.completed < target {
		s.cond.Wait()
	}
	s.waiters--

	var err error
	for _, f := range s.failures {
		if f.seq <= target {
			err = f.err
			break
		}
	}
	s.reported = max(s.reported, target)
	if s.waiters == 0 {
		kept := s.failures[:0]
		for _, f := range s.failures {
			if f.seq > s.reported {
				kept = append(kept, f)
			}
		}
		s.failures = kept
	}
	return err
}

// close drains the queue and stops the worker.
func (s *hostStream) close() {
	close(s.tasks)
	<-s.done
}
