// Package seqreplay implements replay of sampled trajectory
// sub-sequences through a recurrent network for truncated
// backpropagation through time.
//
// A minibatch of sub-sequences arrives batch-major: batchEnvs
// contiguous sequences of batchTime steps each. Replay reorders the
// steps time-major, resets the recurrent state of exactly those
// sequences whose window begins at an episode boundary, drives the
// network one timestep at a time across the window, and returns the
// per-step outputs realigned with the batch-major input rows.
package seqreplay

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
	"github.com/samuelfneumann/gorollout/utils/tensorutils"
)

// Recurrent is a recurrent network transition. Step consumes one
// timestep of inputs for a batch of sequences, with the batch
// dimension leading the input and sitting at axis 1 of every state
// leaf, and produces that step's outputs along with the advanced
// state.
type Recurrent interface {
	Step(input *tensor.Dense, state *statetree.Tree) (*tensor.Dense,
		*statetree.Tree, error)
}

// Replay drives rnn across one minibatch window.
//
// The inputs tensor holds batchEnvs*batchTime rows, batch-major: row
// c*batchTime + j is step j of sub-sequence c, matching the layout of
// trajbuffer minibatches. initState is the recurrent state at each
// sub-sequence's first step and episodeStarts the per-row episode
// flags, also batch-major.
//
// A true episode flag at the first step of a sub-sequence means that
// sequence begins a fresh episode: its columns of initState are zeroed
// before the forward pass. A true flag at any later step is a contract
// violation and fails with an unsupported-mid-sequence-reset error
// rather than silently producing wrong data.
//
// The returned tensor holds the per-step outputs, batch-major, aligned
// row for row with inputs. The state after the final step is
// discarded: replay windows always restart from stored states.
func Replay(rnn Recurrent, inputs *tensor.Dense, initState *statetree.Tree,
	episodeStarts []bool, batchEnvs, batchTime int) (*tensor.Dense, error) {
	rows := batchEnvs * batchTime
	if len(inputs.Shape()) < 1 || inputs.Shape()[0] != rows {
		return nil, &ReplayError{
			Op: "replay",
			Err: fmt.Errorf("inputs must have %v rows, got shape %v", rows,
				inputs.Shape()),
		}
	}
	if len(episodeStarts) != rows {
		return nil, &ReplayError{
			Op: "replay",
			Err: fmt.Errorf("want %v episode flags, have %v", rows,
				len(episodeStarts)),
		}
	}

	// An episode boundary is only legal at a window's first step
	var resetCols []int
	for c := 0; c < batchEnvs; c++ {
		for j := 0; j < batchTime; j++ {
			if !episodeStarts[c*batchTime+j] {
				continue
			}
			if j != 0 {
				return nil, &ReplayError{
					Op: "replay",
					Err: fmt.Errorf("%w: sequence %v resets at step %v",
						errMidSequenceReset, c, j),
				}
			}
			resetCols = append(resetCols, c)
		}
	}

	state := initState
	if len(resetCols) > 0 {
		state = initState.Clone()
		if err := statetree.ZeroCols(state, 1, resetCols); err != nil {
			return nil, &ReplayError{Op: "replay", Err: err}
		}
	}

	var out *tensor.Dense
	var outData []float64
	outFeatures := 0

	for j := 0; j < batchTime; j++ {
		// Batch-major to time-major: rows j, j+batchTime,
		// j+2*batchTime, ... form timestep j
		stepView, err := inputs.Slice(tensorutils.NewSlice(j, rows,
			batchTime))
		if err != nil {
			return nil, &ReplayError{Op: "replay", Err: err}
		}
		stepInput := stepView.Materialize().(*tensor.Dense)

		stepOut, nextState, err := rnn.Step(stepInput, state)
		if err != nil {
			return nil, &ReplayError{Op: "replay", Err: err}
		}
		state = nextState

		if out == nil {
			outFeatures = stepOut.Shape().TotalSize() / batchEnvs
			out = tensor.New(
				tensor.Of(tensor.Float64),
				tensor.WithShape(rows, outFeatures),
			)
			outData = out.Data().([]float64)
		}

		// Time-major back to batch-major
		stepData, ok := stepOut.Data().([]float64)
		if !ok {
			return nil, &ReplayError{
				Op:  "replay",
				Err: fmt.Errorf("step output must be float64"),
			}
		}
		for c := 0; c < batchEnvs; c++ {
			dst := (c*batchTime + j) * outFeatures
			copy(outData[dst:dst+outFeatures],
				stepData[c*outFeatures:(c+1)*outFeatures])
		}
	}

	return out, nil
}
