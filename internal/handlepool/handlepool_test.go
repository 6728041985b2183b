package handlepool

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/gpusolver/internal/gpu"
	"github.com/fxnlabs/gpusolver/internal/solvererr"
)

// fakeFactory hands out sequential handles and records stream bindings.
type fakeFactory struct {
	mu        sync.Mutex
	next      gpu.Handle
	bound     map[gpu.Handle]gpu.Stream
	createErr error
	bindErr   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{bound: make(map[gpu.Handle]gpu.Stream)}
}

func (f *fakeFactory) CreateHandle() (gpu.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.next++
	return f.next, nil
}

func (f *fakeFactory) SetStream(h gpu.Handle, stream gpu.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bound[h] = stream
	return nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.next)
}

func TestPool_BorrowReuse(t *testing.T) {
	factory := newFakeFactory()
	pool := New(factory, zap.NewNop())

	h, err := pool.Borrow(0)
	require.NoError(t, err)
	first := h.Get()
	assert.Equal(t, 0, pool.Idle())
	h.Release()
	assert.Equal(t, 1, pool.Idle())

	h, err = pool.Borrow(0)
	require.NoError(t, err)
	assert.Equal(t, first, h.Get(), "idle handle should be reused")
	assert.Equal(t, 1, factory.created())
	h.Release()
}

func TestPool_BorrowBindsStream(t *testing.T) {
	factory := newFakeFactory()
	pool := New(factory, zap.NewNop())

	h, err := pool.Borrow(gpu.Stream(7))
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, gpu.Stream(7), factory.bound[h.Get()])

	other, err := pool.Borrow(0)
	require.NoError(t, err)
	defer other.Release()
	_, bound := factory.bound[other.Get()]
	assert.False(t, bound, "a zero stream must not rebind the handle")
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	pool := New(newFakeFactory(), nil)

	h, err := pool.Borrow(0)
	require.NoError(t, err)
	h.Release()
	h.Release()
	assert.Equal(t, 1, pool.Idle())
}

func TestPool_CreateFailure(t *testing.T) {
	factory := newFakeFactory()
	factory.createErr = gpu.StatusAllocFailed.Err()
	pool := New(factory, zap.NewNop())

	h, err := pool.Borrow(0)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, solvererr.ErrRuntime)
	assert.Equal(t, 0, pool.Idle())
}

func TestPool_BindFailureReturnsHandle(t *testing.T) {
	factory := newFakeFactory()
	pool := New(factory, zap.NewNop())
	require.NoError(t, pool.Prewarm(1))

	factory.bindErr = errors.Wrap(solvererr.ErrRuntime, "bad stream")
	h, err := pool.Borrow(gpu.Stream(3))
	assert.Nil(t, h)
	assert.ErrorIs(t, err, solvererr.ErrRuntime)
	assert.Equal(t, 1, pool.Idle(), "handle must go back to the pool")
}

func TestPool_Prewarm(t *testing.T) {
	factory := newFakeFactory()
	pool := New(factory, zap.NewNop())

	require.NoError(t, pool.Prewarm(4))
	assert.Equal(t, 4, pool.Idle())
	assert.Equal(t, 4, factory.created())

	factory.createErr = errors.New("boom")
	assert.Error(t, pool.Prewarm(1))
}

func TestPool_ConcurrentBorrow(t *testing.T) {
	factory := newFakeFactory()
	pool := New(factory, zap.NewNop())

	const workers, rounds = 16, 200
	var mu sync.Mutex
	inUse := make(map[gpu.Handle]bool)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < rounds; i++ {
				h, err := pool.Borrow(0)
				if err != nil {
					return err
				}
				mu.Lock()
				if inUse[h.Get()] {
					mu.Unlock()
					return errors.Errorf("handle %d borrowed twice", h.Get())
				}
				inUse[h.Get()] = true
				mu.Unlock()

				mu.Lock()
				delete(inUse, h.Get())
				mu.Unlock()
				h.Release()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// Every handle ever created is idle again and no more than one per
	// worker was ever needed.
	assert.Equal(t, factory.created(), pool.Idle())
	assert.LessOrEqual(t, pool.Idle(), workers)
}

func TestPool_WithHostBackend(t *testing.T) {
	backend := gpu.NewHostBackend(zap.NewNop())
	require.NoError(t, backend.Initialize())
	defer backend.Cleanup()

	pool := New(backend, zap.NewNop())
	stream, err := backend.CreateStream()
	require.NoError(t, err)

	h, err := pool.Borrow(stream)
	require.NoError(t, err)
	h.Release()

	_, err = pool.Borrow(stream + 50)
	assert.ErrorIs(t, err, solvererr.ErrRuntime)
	assert.Equal(t, 1, pool.Idle())
}
