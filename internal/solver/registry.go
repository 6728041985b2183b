package solver

import (
	"maps"
	"slices"

	"github.com/fxnlabs/gpusolver/internal/gpu"
)

// Target is a custom-call entry point: it enqueues one kernel on stream
// using the positional device buffers and the descriptor built for it.
type Target func(stream gpu.Stream, buffers []gpu.DevicePtr, opaque []byte) error

// Registrations returns the custom-call targets by registration name.
func (s *Solver) Registrations() map[string]Target {
	return map[string]Target{
		"cusolver_getrf": s.Getrf,
		"cusolver_syevd": s.Syevd,
		"cusolver_syevj": s.Syevj,
		"cusolver_gesvd": s.Gesvd,
	}
}

// Targets returns the registration names in sorted order.
func (s *Solver) Targets() []string {
	return slices.Sorted(maps.Keys(s.Registrations()))
}
