// Package network implements recurrent networks for driving sequence
// replay
package network

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
)

// RNNCell implements a single-layer Elman recurrent cell:
//
//	h' = tanh(x Wx + h Wh + b)
//
// The cell's output at each step is its new hidden state. An RNNCell
// is compiled once for a fixed batch size; its graph is evaluated with
// a tape machine on every Step, so the same cell can be stepped
// across a window of any length.
//
// RNNCell satisfies the seqreplay.Recurrent interface. Its state is a
// single-leaf tree of shape (1, batchSize, hidden), with the leading
// layers axis kept so the state layout matches multi-layer cells.
type RNNCell struct {
	g  *G.ExprGraph
	vm G.VM

	x       *G.Node // Input at the current step (batchSize, features)
	h       *G.Node // Hidden state before the step (batchSize, hidden)
	wx      *G.Node
	wh      *G.Node
	bias    *G.Node
	next    *G.Node // Hidden state after the step
	nextVal G.Value

	features  int
	hidden    int
	batchSize int
}

// NewRNNCell creates and returns a new RNNCell operating on batches of
// batchSize rows of features inputs, with a hidden state of hidden
// units. Weights are initialized from a zero-mean Gaussian with
// standard deviation 1/sqrt(features + hidden), determined by seed.
func NewRNNCell(features, hidden, batchSize int, seed uint64) (*RNNCell,
	error) {
	if features < 1 || hidden < 1 || batchSize < 1 {
		return nil, fmt.Errorf("newrnncell: features, hidden, and "+
			"batchSize must be > 0, got (%v, %v, %v)", features, hidden,
			batchSize)
	}

	dist := distuv.Normal{
		Mu:    0.0,
		Sigma: 1.0 / math.Sqrt(float64(features+hidden)),
		Src:   rand.NewSource(seed),
	}
	gaussian := func(size int) []float64 {
		backing := make([]float64, size)
		for i := range backing {
			backing[i] = dist.Rand()
		}
		return backing
	}

	g := G.NewGraph()

	x := G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, features),
		G.WithName("input"))
	h := G.NewMatrix(g, tensor.Float64, G.WithShape(batchSize, hidden),
		G.WithName("hidden"))

	wx := G.NewMatrix(g, tensor.Float64, G.WithShape(features, hidden),
		G.WithName("wx"), G.WithValue(tensor.New(
			tensor.WithShape(features, hidden),
			tensor.WithBacking(gaussian(features*hidden)),
		)))
	wh := G.NewMatrix(g, tensor.Float64, G.WithShape(hidden, hidden),
		G.WithName("wh"), G.WithValue(tensor.New(
			tensor.WithShape(hidden, hidden),
			tensor.WithBacking(gaussian(hidden*hidden)),
		)))
	bias := G.NewVector(g, tensor.Float64, G.WithShape(hidden),
		G.WithName("bias"), G.WithValue(tensor.New(
			tensor.WithShape(hidden),
			tensor.WithBacking(make([]float64, hidden)),
		)))

	pre := G.Must(G.Add(G.Must(G.Mul(x, wx)), G.Must(G.Mul(h, wh))))

	// Broadcast the bias weights to all samples along the batch
	// dimension
	pre = G.Must(G.BroadcastAdd(pre, bias, nil, []byte{0}))
	next := G.Must(G.Tanh(pre))

	cell := &RNNCell{
		g:         g,
		x:         x,
		h:         h,
		wx:        wx,
		wh:        wh,
		bias:      bias,
		next:      next,
		features:  features,
		hidden:    hidden,
		batchSize: batchSize,
	}
	G.Read(cell.next, &cell.nextVal)
	cell.vm = G.NewTapeMachine(g)

	return cell, nil
}

// Features returns the number of input features per batch row
func (r *RNNCell) Features() int {
	return r.features
}

// Hidden returns the number of hidden units
func (r *RNNCell) Hidden() int {
	return r.hidden
}

// BatchSize returns the batch size the cell was compiled for
func (r *RNNCell) BatchSize() int {
	return r.batchSize
}

// InitialState returns the zero hidden state for a batch of batchSize
// sequences, shaped (1, batchSize, hidden)
func (r *RNNCell) InitialState(batchSize int) *statetree.Tree {
	return statetree.NewLeaf(tensor.New(
		tensor.Of(tensor.Float64),
		tensor.WithShape(1, batchSize, r.hidden),
	))
}

// Step runs one recurrent transition. The input holds one timestep for
// every sequence in the batch and state the hidden state tree from the
// previous step (or InitialState). Step returns the new hidden values
// as both the step output and the advanced state; neither aliases the
// cell's internal buffers.
func (r *RNNCell) Step(input *tensor.Dense, state *statetree.Tree) (
	*tensor.Dense, *statetree.Tree, error) {
	if !input.Shape().Eq(tensor.Shape{r.batchSize, r.features}) {
		return nil, nil, fmt.Errorf("step: want input shape %v, got %v",
			tensor.Shape{r.batchSize, r.features}, input.Shape())
	}
	if !state.IsLeaf() {
		return nil, nil, fmt.Errorf("step: rnn cell state must be a " +
			"single leaf")
	}

	leaf := state.Dense()
	if !leaf.Shape().Eq(tensor.Shape{1, r.batchSize, r.hidden}) {
		return nil, nil, fmt.Errorf("step: want state shape %v, got %v",
			tensor.Shape{1, r.batchSize, r.hidden}, leaf.Shape())
	}

	// Drop the layers axis for the matrix product; the backing is
	// shared, not copied
	hidden := tensor.New(
		tensor.WithShape(r.batchSize, r.hidden),
		tensor.WithBacking(leaf.Data().([]float64)),
	)

	if err := G.Let(r.x, input); err != nil {
		return nil, nil, fmt.Errorf("step: could not set input: %v", err)
	}
	if err := G.Let(r.h, hidden); err != nil {
		return nil, nil, fmt.Errorf("step: could not set hidden state: %v",
			err)
	}
	if err := r.vm.RunAll(); err != nil {
		return nil, nil, fmt.Errorf("step: could not run cell: %v", err)
	}
	defer r.vm.Reset()

	// The VM reuses its value buffers between runs, so the new state
	// is copied out
	nextData := r.nextVal.Data().([]float64)

	outBacking := make([]float64, len(nextData))
	copy(outBacking, nextData)
	out := tensor.New(
		tensor.WithShape(r.batchSize, r.hidden),
		tensor.WithBacking(outBacking),
	)

	stateBacking := make([]float64, len(nextData))
	copy(stateBacking, nextData)
	nextState := statetree.NewLeaf(tensor.New(
		tensor.WithShape(1, r.batchSize, r.hidden),
		tensor.WithBacking(stateBacking),
	))

	return out, nextState, nil
}

// Close releases the cell's virtual machine
func (r *RNNCell) Close() error {
	return r.vm.Close()
}
