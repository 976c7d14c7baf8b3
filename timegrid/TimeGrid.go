// Package timegrid implements index generation for slicing a
// (time x environment) rollout grid into fixed-length, time-contiguous
// training sub-sequences.
//
// The grid of a rollout with T timesteps and E parallel environments
// is flattened so that cell (t, e) has flat index e + E*t. A Dataset
// partitions this grid into sub-sequences of batchTime consecutive
// timesteps from a single environment, wrapping past the end of the
// buffer when a per-environment skew offset pushes a window over the
// edge. Skewing the window starting offsets each epoch removes the
// bias of always truncating backpropagation at the same timesteps.
//
// When batchTime does not divide numTime evenly, the trailing
// numTime mod batchTime timesteps of each environment are excluded
// from the Dataset. This truncation is deliberate: those steps are
// simply not visited in that sampling pass.
package timegrid

import (
	"fmt"

	"gorgonia.org/tensor"
)

// Dataset maps a flat batch id to the ordered flat grid indices of one
// time-contiguous sub-sequence. For a fixed skew vector a Dataset is a
// pure function of its batch id: it holds no sampling state and may be
// indexed repeatedly and in any order, so shuffled permutations of
// batch ids can reuse one Dataset.
//
// Batch ids enumerate all environments for one time window before
// advancing to the next window: id i refers to the window starting at
// timestep (i / numEnvs) * batchTime of environment i % numEnvs,
// shifted by that environment's skew.
type Dataset struct {
	numEnvs   int
	numTime   int
	batchTime int
	skew      []int
}

// New returns a new Dataset over a numTime x numEnvs grid with windows
// of batchTime steps. The skew vector holds one temporal offset per
// environment, each in [0, numTime).
func New(numEnvs, numTime, batchTime int, skew []int) (*Dataset, error) {
	if numEnvs < 1 {
		return nil, fmt.Errorf("new: numEnvs must be > 0, got %v", numEnvs)
	}
	if numTime < 1 {
		return nil, fmt.Errorf("new: numTime must be > 0, got %v", numTime)
	}
	if batchTime < 1 || batchTime > numTime {
		return nil, fmt.Errorf("new: batchTime must be in [1, %v], got %v",
			numTime, batchTime)
	}
	if len(skew) != numEnvs {
		return nil, fmt.Errorf("new: need one skew per environment "+
			"\n\twant(%v)\n\thave(%v)", numEnvs, len(skew))
	}
	for env, s := range skew {
		if s < 0 || s >= numTime {
			return nil, fmt.Errorf("new: skew[%v] must be in [0, %v), "+
				"got %v", env, numTime, s)
		}
	}

	// Defensive copy so callers may reuse their skew slice
	owned := make([]int, numEnvs)
	copy(owned, skew)

	return &Dataset{
		numEnvs:   numEnvs,
		numTime:   numTime,
		batchTime: batchTime,
		skew:      owned,
	}, nil
}

// NumTimeBatches returns the number of time windows per environment
func (d *Dataset) NumTimeBatches() int {
	return d.numTime / d.batchTime
}

// Len returns the total number of sub-sequences in the Dataset
func (d *Dataset) Len() int {
	return d.NumTimeBatches() * d.numEnvs
}

// start returns the (time, env) grid coordinates of the first step of
// sub-sequence i
func (d *Dataset) start(i int) (int, int) {
	timeBatch := (i / d.numEnvs) * d.batchTime
	env := i % d.numEnvs
	return (timeBatch + d.skew[env]) % d.numTime, env
}

// Index returns the ordered flat grid indices of sub-sequence i. The
// indices are temporally contiguous: consecutive entries differ by
// numEnvs modulo the grid size, wrapping past the end of the grid when
// the environment's skew pushes the window over the edge.
func (d *Dataset) Index(i int) ([]int, error) {
	if i < 0 || i >= d.Len() {
		return nil, fmt.Errorf("index: batch id %v out of range [0, %v)",
			i, d.Len())
	}

	first, env := d.start(i)
	indices := make([]int, d.batchTime)
	for j := range indices {
		indices[j] = env + d.numEnvs*((first+j)%d.numTime)
	}
	return indices, nil
}

// BatchAndInitTimes returns, for a set of batch ids, the (time, env)
// grid coordinates of each sub-sequence's first step together with the
// batchTime x len(ids) matrix of flat grid indices of all requested
// sub-sequences. Column c of the matrix holds the indices of
// sub-sequence ids[c]; row 0 reproduces the flat index of each
// sub-sequence's start, initTimes[c]*numEnvs + initEnvs[c].
//
// The matrix is computed by direct arithmetic over all ids at once so
// a sampling pass can materialize every sub-sequence with one batched
// gather instead of per-sequence slicing.
func (d *Dataset) BatchAndInitTimes(ids []int) (initTimes, initEnvs []int,
	collective *tensor.Dense, err error) {
	n := len(ids)
	initTimes = make([]int, n)
	initEnvs = make([]int, n)
	flat := make([]int, d.batchTime*n)

	for c, id := range ids {
		if id < 0 || id >= d.Len() {
			return nil, nil, nil, fmt.Errorf("batchandinittimes: batch "+
				"id %v out of range [0, %v)", id, d.Len())
		}

		first, env := d.start(id)
		initTimes[c] = first
		initEnvs[c] = env
		for j := 0; j < d.batchTime; j++ {
			flat[j*n+c] = env + d.numEnvs*((first+j)%d.numTime)
		}
	}

	collective = tensor.New(
		tensor.WithShape(d.batchTime, n),
		tensor.WithBacking(flat),
	)
	return initTimes, initEnvs, collective, nil
}
