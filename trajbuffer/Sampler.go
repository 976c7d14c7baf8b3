package trajbuffer

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
	"github.com/samuelfneumann/gorollout/timegrid"
	"github.com/samuelfneumann/gorollout/utils/intutils"
)

// SamplingType selects how the temporal skew vector is produced for
// each sampling pass over a rollout
type SamplingType int

const (
	// Classic samples strictly aligned, non-overlapping windows
	// starting at multiples of batchTime from timestep 0. The skew is
	// fixed at zero, so no window ever wraps past the end of the
	// buffer.
	Classic SamplingType = iota

	// SkewZeros is behaviourally identical to Classic but routes
	// through the wraparound-capable index machinery with an all-zero
	// skew. It exists so the wraparound path can be exercised and
	// checked for equivalence against Classic.
	SkewZeros

	// SkewRandom redraws the skew uniformly at random per environment
	// at the start of every sampling pass. A fixed window alignment
	// always truncates backpropagation at the same timesteps across
	// epochs, systematically disadvantaging transitions near those
	// cuts; random per-epoch skew spreads the truncation uniformly
	// over time.
	SkewRandom
)

func (s SamplingType) String() string {
	switch s {
	case Classic:
		return "Classic"
	case SkewZeros:
		return "SkewZeros"
	case SkewRandom:
		return "SkewRandom"
	default:
		return "Unknown"
	}
}

func validSamplingType(s SamplingType) error {
	switch s {
	case Classic, SkewZeros, SkewRandom:
		return nil
	default:
		return fmt.Errorf("new: unknown sampling type %v", int(s))
	}
}

// drawSkew produces the per-environment skew vector for one sampling
// pass
func drawSkew(s SamplingType, numEnvs, numTime int, rng *rand.Rand) []int {
	skew := make([]int, numEnvs)
	if s == SkewRandom {
		for env := range skew {
			skew[env] = rng.Intn(numTime)
		}
	}
	return skew
}

// Minibatch is one batch of sampled sub-sequences. Per-step tensors
// are batch-major and flat: row c*BatchTime + j holds step j of
// sub-sequence c, so each sub-sequence occupies BatchTime contiguous
// rows.
//
// HiddenStates holds, for each sub-sequence, only the recurrent state
// at that sub-sequence's first step, with the sequence dimension at
// axis 1 of every leaf. Mask marks rows that carry real data; rows
// padded to keep tensor shapes uniform when the environment grid does
// not tile evenly are masked false.
//
// Minibatches are copies of buffer data and do not alias the store,
// but they are transient: they are meant to be consumed within one
// training epoch.
type Minibatch struct {
	Observations  *statetree.Tree // Leaves (BatchEnvs*BatchTime, ...)
	Actions       *tensor.Dense   // (BatchEnvs*BatchTime, action dims...)
	OldValues     *tensor.Dense   // (BatchEnvs*BatchTime)
	OldLogProb    *tensor.Dense   // (BatchEnvs*BatchTime)
	HiddenStates  *statetree.Tree // Leaves (layers, BatchEnvs, ...)
	EpisodeStarts []bool          // (BatchEnvs*BatchTime)
	Advantages    *tensor.Dense   // (BatchEnvs*BatchTime)
	Returns       *tensor.Dense   // (BatchEnvs*BatchTime)
	Mask          []bool          // (BatchEnvs*BatchTime)

	BatchEnvs int
	BatchTime int
}

// batchSpec describes one not-yet-materialized minibatch: a set of
// batch ids into the dataset of one environment group
type batchSpec struct {
	groupStart int
	groupSize  int
	dataset    *timegrid.Dataset
	ids        []int
}

// Epoch is a lazy sequence of minibatches covering the sampleable part
// of one rollout exactly once. Minibatches are materialized on demand
// by Next; an Epoch may be abandoned early and restarted with Reset.
type Epoch struct {
	buffer    *Buffer
	batchEnvs int
	batchTime int
	batches   []batchSpec
	next      int
}

// Get produces one epoch over the rollout: a lazy sequence of
// minibatches of batchEnvs sub-sequences, each batchTime steps long,
// that together visit every sampleable grid cell exactly once.
//
// Environments are partitioned into groups of batchEnvs (the last
// group may be smaller; its minibatches are padded and masked). Within
// each group, sub-sequences are cut by a timegrid.Dataset under this
// buffer's sampling type and shuffled before being chunked into
// minibatches. If batchTime does not divide the rollout length, the
// trailing numTime mod batchTime steps of each environment are
// silently excluded from the epoch; this truncation is a documented
// policy, not an error.
//
// Get requires a complete rollout. The buffer is immutable while the
// returned Epoch is consumed.
func (b *Buffer) Get(batchEnvs, batchTime int) (*Epoch, error) {
	if !b.Full() {
		return nil, &BufferError{Op: "get", Err: errIncompleteRollout}
	}
	if batchEnvs < 1 || batchEnvs > b.numEnvs {
		return nil, fmt.Errorf("get: batchEnvs must be in [1, %v], got %v",
			b.numEnvs, batchEnvs)
	}
	if batchTime < 1 || batchTime > b.numTime {
		return nil, fmt.Errorf("get: batchTime must be in [1, %v], got %v",
			b.numTime, batchTime)
	}

	skew := drawSkew(b.samplingType, b.numEnvs, b.numTime, b.rng)

	var batches []batchSpec
	for start := 0; start < b.numEnvs; start += batchEnvs {
		size := intutils.Min(batchEnvs, b.numEnvs-start)

		dataset, err := timegrid.New(size, b.numTime, batchTime,
			skew[start:start+size])
		if err != nil {
			return nil, fmt.Errorf("get: %v", err)
		}

		ids := b.rng.Perm(dataset.Len())
		for lo := 0; lo < len(ids); lo += batchEnvs {
			hi := intutils.Min(lo+batchEnvs, len(ids))
			batches = append(batches, batchSpec{
				groupStart: start,
				groupSize:  size,
				dataset:    dataset,
				ids:        ids[lo:hi],
			})
		}
	}

	return &Epoch{
		buffer:    b,
		batchEnvs: batchEnvs,
		batchTime: batchTime,
		batches:   batches,
	}, nil
}

// Len returns the number of minibatches in the epoch
func (e *Epoch) Len() int {
	return len(e.batches)
}

// Reset restarts iteration at the first minibatch of the epoch,
// without redrawing skew or reshuffling
func (e *Epoch) Reset() {
	e.next = 0
}

// Next materializes and returns the next minibatch of the epoch. It
// returns nil once the epoch is exhausted.
func (e *Epoch) Next() (*Minibatch, error) {
	if e.next >= len(e.batches) {
		return nil, nil
	}
	spec := e.batches[e.next]
	e.next++

	initTimes, initEnvs, collective, err :=
		spec.dataset.BatchAndInitTimes(spec.ids)
	if err != nil {
		return nil, fmt.Errorf("next: %v", err)
	}

	b := e.buffer
	numIDs := len(spec.ids)
	rows := e.batchEnvs * e.batchTime

	// Translate the collective index matrix from group-local grid
	// cells to global (time, env) coordinates, batch-major. Padded
	// rows point at cell (0, 0) and are masked out.
	times := make([]int, rows)
	envs := make([]int, rows)
	mask := make([]bool, rows)
	flat := collective.Data().([]int)
	for c := 0; c < numIDs; c++ {
		for j := 0; j < e.batchTime; j++ {
			r := c*e.batchTime + j
			cell := flat[j*numIDs+c]
			times[r] = cell / spec.groupSize
			envs[r] = spec.groupStart + cell%spec.groupSize
			mask[r] = true
		}
	}

	// Grid coordinates of each sub-sequence's first step; the hidden
	// state of a sub-sequence is taken from here and nowhere else
	seqTimes := make([]int, e.batchEnvs)
	seqEnvs := make([]int, e.batchEnvs)
	for c := 0; c < numIDs; c++ {
		seqTimes[c] = initTimes[c]
		seqEnvs[c] = spec.groupStart + initEnvs[c]
	}

	observations, err := statetree.Gather(b.observations, 0, times, envs,
		b.engine)
	if err != nil {
		return nil, fmt.Errorf("next: observations: %v", err)
	}
	hiddenStates, err := statetree.Gather(b.hiddenStates, 1, seqTimes,
		seqEnvs, b.engine)
	if err != nil {
		return nil, fmt.Errorf("next: hidden states: %v", err)
	}

	dense := func(name string, stored *tensor.Dense) *tensor.Dense {
		if err != nil {
			return nil
		}
		var gathered *tensor.Dense
		gathered, err = statetree.GatherDense(stored, 0, times, envs,
			b.engine)
		if err != nil {
			err = fmt.Errorf("next: %v: %v", name, err)
		}
		return gathered
	}

	actions := dense("actions", b.actions)
	oldValues := dense("values", b.values)
	oldLogProb := dense("log probs", b.logProbs)
	advantages := dense("advantages", b.advantages)
	returns := dense("returns", b.returns)
	if err != nil {
		return nil, err
	}

	episodeStarts := make([]bool, rows)
	for r := 0; r < rows; r++ {
		if mask[r] {
			episodeStarts[r] = b.episodeStarts[envs[r]+b.numEnvs*times[r]]
		}
	}

	return &Minibatch{
		Observations:  observations,
		Actions:       actions,
		OldValues:     oldValues,
		OldLogProb:    oldLogProb,
		HiddenStates:  hiddenStates,
		EpisodeStarts: episodeStarts,
		Advantages:    advantages,
		Returns:       returns,
		Mask:          mask,
		BatchEnvs:     e.batchEnvs,
		BatchTime:     e.batchTime,
	}, nil
}
