package propagation

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/star/stargnss/internal/tle"
	"github.com/star/stargnss/internal/transform"
)

// Failure records one satellite the batch could not propagate.
type Failure struct {
	PRN     int
	NORADID int
	Err     error
}

// Batch is the outcome of one PropagateBatch call.
type Batch struct {
	// States holds the successful states in almanac order.
	States []SatelliteState
	Failed []Failure
}

// WorkerPool fans SGP4 propagation of one almanac out over a fixed number
// of goroutines.
type WorkerPool struct {
	workers int
}

// NewWorkerPool creates a worker pool with the given number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &WorkerPool{workers: workers}
}

// PropagateBatch propagates every almanac entry to targetTime. props
// supplies preinitialized propagators by NORAD ID and may be nil.
// Each worker writes into the slot of the entry it took, so the result
// keeps the input order without a merge step. Entries not reached before
// ctx is cancelled appear in neither States nor Failed.
func (wp *WorkerPool) PropagateBatch(ctx context.Context, entries []tle.Entry, targetTime time.Time, props map[int]*SGP4Propagator) Batch {
	if len(entries) == 0 {
		return Batch{}
	}

	gmst := transform.GMST(targetTime)
	states := make([]SatelliteState, len(entries))
	errs := make([]error, len(entries))
	done := make([]bool, len(entries))

	indices := make(chan int)
	workers := min(wp.workers, len(entries))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indices {
				e := entries[i]
				states[i], errs[i] = propagateEntry(e, props[e.NORADID], targetTime, gmst)
				done[i] = true
			}
		}()
	}

feed:
	for i := range entries {
		select {
		case indices <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(indices)
	wg.Wait()

	var b Batch
	b.States = make([]SatelliteState, 0, len(entries))
	for i, e := range entries {
		switch {
		case !done[i]:
		case errs[i] != nil:
			b.Failed = append(b.Failed, Failure{PRN: e.PRN, NORADID: e.NORADID, Err: errs[i]})
		default:
			b.States = append(b.States, states[i])
		}
	}
	return b
}

// propagateEntry runs SGP4 for one almanac entry and rotates the result
// into ECEF using the batch's shared GMST.
func propagateEntry(e tle.Entry, prop *SGP4Propagator, targetTime time.Time, gmst float64) (SatelliteState, error) {
	if prop == nil {
		var err error
		if prop, err = NewSGP4Propagator(e.Line1, e.Line2, e.NORADID); err != nil {
			return SatelliteState{}, err
		}
	}

	teme, err := prop.Propagate(targetTime)
	if err != nil {
		return SatelliteState{}, err
	}

	return SatelliteState{
		NORADID: e.NORADID,
		PRN:     e.PRN,
		Epoch:   e.Epoch,
		ECEF:    transform.TEMEToECEFWithGMST(teme, gmst),
	}, nil
}
