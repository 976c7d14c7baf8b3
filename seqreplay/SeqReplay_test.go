package seqreplay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
)

// accumulator is a minimal Recurrent for testing: its state is a
// single running sum per sequence, each step adds the input to the
// sum, and the output is the updated sum. Prefix sums make it obvious
// which state a step consumed.
type accumulator struct{}

func (accumulator) Step(input *tensor.Dense,
	state *statetree.Tree) (*tensor.Dense, *statetree.Tree, error) {
	batch := input.Shape()[0]
	in := input.Data().([]float64)
	prev := state.Dense().Data().([]float64)

	outBacking := make([]float64, batch)
	nextBacking := make([]float64, batch)
	for c := 0; c < batch; c++ {
		outBacking[c] = prev[c] + in[c]
		nextBacking[c] = outBacking[c]
	}

	out := tensor.New(tensor.WithShape(batch, 1),
		tensor.WithBacking(outBacking))
	next := statetree.NewLeaf(tensor.New(tensor.WithShape(1, batch, 1),
		tensor.WithBacking(nextBacking)))
	return out, next, nil
}

func inputs(batchEnvs, batchTime int, values []float64) *tensor.Dense {
	return tensor.New(tensor.WithShape(batchEnvs*batchTime, 1),
		tensor.WithBacking(values))
}

func state(sums []float64) *statetree.Tree {
	backing := make([]float64, len(sums))
	copy(backing, sums)
	return statetree.NewLeaf(tensor.New(
		tensor.WithShape(1, len(sums), 1),
		tensor.WithBacking(backing)))
}

func TestReplayAccumulates(t *testing.T) {
	const batchEnvs, batchTime = 2, 3

	// Sequence 0 continues an episode from state 100; sequence 1
	// begins a fresh episode, so its initial state of 1000 must be
	// zeroed before the first step
	in := inputs(batchEnvs, batchTime, []float64{
		1, 2, 3, // Sequence 0
		10, 20, 30, // Sequence 1
	})
	init := state([]float64{100, 1000})
	starts := []bool{
		false, false, false,
		true, false, false,
	}

	out, err := Replay(accumulator{}, in, init, starts, batchEnvs,
		batchTime)
	require.NoError(t, err)
	require.Equal(t, []int{batchEnvs * batchTime, 1},
		[]int(out.Shape()))

	assert.Equal(t, []float64{
		101, 103, 106,
		10, 30, 60,
	}, out.Data().([]float64))

	// The caller's state is untouched: resets operate on a copy
	assert.Equal(t, []float64{100, 1000},
		init.Dense().Data().([]float64))
}

func TestReplayNoResets(t *testing.T) {
	const batchEnvs, batchTime = 2, 2

	in := inputs(batchEnvs, batchTime, []float64{1, 1, 2, 2})
	init := state([]float64{5, -5})

	out, err := Replay(accumulator{}, in, init, make([]bool,
		batchEnvs*batchTime), batchEnvs, batchTime)
	require.NoError(t, err)

	assert.Equal(t, []float64{6, 7, -3, -1}, out.Data().([]float64))
}

func TestReplayMidSequenceReset(t *testing.T) {
	const batchEnvs, batchTime = 2, 3

	in := inputs(batchEnvs, batchTime, make([]float64, 6))
	starts := []bool{
		false, false, false,
		false, true, false, // Reset at step 1 of sequence 1
	}

	_, err := Replay(accumulator{}, in, state([]float64{0, 0}), starts,
		batchEnvs, batchTime)
	require.Error(t, err)
	assert.True(t, IsUnsupportedMidSequenceReset(err))
}

func TestReplayValidation(t *testing.T) {
	const batchEnvs, batchTime = 2, 2

	// Row count disagreeing with the window dimensions
	_, err := Replay(accumulator{}, inputs(1, 3, make([]float64, 3)),
		state([]float64{0, 0}), make([]bool, 4), batchEnvs, batchTime)
	require.Error(t, err)
	assert.False(t, IsUnsupportedMidSequenceReset(err))

	// Episode flag count disagreeing with the row count
	_, err = Replay(accumulator{}, inputs(2, 2, make([]float64, 4)),
		state([]float64{0, 0}), make([]bool, 3), batchEnvs, batchTime)
	assert.Error(t, err)
}
