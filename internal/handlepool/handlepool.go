// Package handlepool recycles solver execution contexts.
//
// Creating a solver handle is expensive, so handles are created on demand
// and then reused for the life of the process. A borrow never waits: an
// empty pool creates a new handle. Handles are never destroyed.
package handlepool

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/metrics"
)

// Factory creates solver handles and binds them to streams. gpu.Backend
// satisfies it.
type Factory interface {
	CreateHandle() (gpu.Handle, error)
	SetStream(h gpu.Handle, stream gpu.Stream) error
}

// Pool is a free list of idle solver handles. It is safe for concurrent use.
type Pool struct {
	factory Factory
	logger  *zap.Logger

	mu   sync.Mutex
	idle []gpu.Handle
}

// New returns an empty pool backed by factory.
func New(factory Factory, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		factory: factory,
		logger:  logger.Named("handlepool"),
	}
}

// Borrow returns exclusive use of a handle. When stream is non-zero the
// handle is bound to it first. The lock is only held to pop the free list;
// handle creation and stream binding happen outside it.
func (p *Pool) Borrow(stream gpu.Stream) (*Handle, error) {
	p.mu.Lock()
	var h gpu.Handle
	reused := len(p.idle) > 0
	if reused {
		h = p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		metrics.HandlesIdle.Set(float64(len(p.idle)))
	}
	p.mu.Unlock()

	if reused {
		metrics.HandleBorrows.WithLabelValues("reused").Inc()
	} else {
		var err error
		h, err = p.factory.CreateHandle()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create solver handle")
		}
		metrics.HandlesCreated.Inc()
		metrics.HandleBorrows.WithLabelValues("created").Inc()
		p.logger.Debug("Created solver handle", zap.Uint64("handle", uint64(h)))
	}

	if stream != 0 {
		if err := p.factory.SetStream(h, stream); err != nil {
			p.put(h)
			return nil, errors.Wrap(err, "failed to bind solver handle to stream")
		}
	}
	return &Handle{pool: p, handle: h}, nil
}

// Prewarm creates n handles and leaves them idle.
func (p *Pool) Prewarm(n int) error {
	for i := 0; i < n; i++ {
		h, err := p.factory.CreateHandle()
		if err != nil {
			return errors.Wrapf(err, "failed to prewarm solver handle %d of %d", i+1, n)
		}
		metrics.HandlesCreated.Inc()
		p.put(h)
	}
	if n > 0 {
		p.logger.Info("Prewarmed solver handles", zap.Int("count", n))
	}
	return nil
}

// Idle returns the number of handles waiting in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *Pool) put(h gpu.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, h)
	metrics.HandlesIdle.Set(float64(len(p.idle)))
}

// Handle is a borrowed solver handle. Release returns it to its pool; it is
// safe to call more than once, so callers can defer it right after Borrow.
type Handle struct {
	pool   *Pool
	handle gpu.Handle
	once   sync.Once
}

// Get returns the underlying solver handle.
func (h *Handle) Get() gpu.Handle {
	return h.handle
}

// Release returns the handle to the pool. Only the first call has an effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.put(h.handle)
	})
}
