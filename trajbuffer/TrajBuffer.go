// Package trajbuffer implements a fixed-capacity buffer of on-policy
// trajectories produced by a recurrent policy acting in parallel
// environments, together with the time-contiguous sampling scheme that
// replays those trajectories as sub-sequences for truncated
// backpropagation through time.
//
// A Buffer stores one rollout of numTime steps for numEnvs
// environments. Each stored step couples the usual transition fields
// with the recurrent hidden state the policy held immediately before
// consuming that step's observation, so any sub-sequence can restart
// the recurrence exactly from its first step. Collection and sampling
// are strictly sequential phases: a rollout is fully written with Add,
// consumed through Get, and then Reset for the next rollout.
package trajbuffer

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
)

// Record packages all per-step data for one timestep across every
// environment of the rollout. Observation and hidden-state trees may
// have any nesting; their structure must match the examples the buffer
// was constructed with.
//
// HiddenStates is the state the policy held immediately before
// consuming Observations, with the environment dimension at axis 1 of
// every leaf (after the policy-defined layers axis).
type Record struct {
	Observations  *statetree.Tree // Leaves (numEnvs, ...)
	Actions       *tensor.Dense   // (numEnvs, action dims...)
	Rewards       *tensor.Dense   // (numEnvs)
	EpisodeStarts []bool          // (numEnvs)
	Values        *tensor.Dense   // (numEnvs)
	LogProbs      *tensor.Dense   // (numEnvs)
	HiddenStates  *statetree.Tree // Leaves (layers, numEnvs, ...)
}

// Buffer is a recurrent trajectory store over a numTime x numEnvs
// grid. Grid cell (t, e) has flat index e + numEnvs*t; every component
// addressing the grid shares this convention.
//
// All stored tensors are float64 and live on the engine fixed at
// construction. Memory is allocated once and reused across rollouts.
type Buffer struct {
	numTime int
	numEnvs int
	pos     int // Next free time slot for Add

	samplingType SamplingType
	engine       tensor.Engine
	rng          *rand.Rand

	// Construction-time structure references; shapes only, never
	// written
	obsExample    *statetree.Tree
	hiddenExample *statetree.Tree

	observations  *statetree.Tree // Leaves (numTime, numEnvs, ...)
	actions       *tensor.Dense   // (numTime, numEnvs, action dims...)
	rewards       *tensor.Dense   // (numTime, numEnvs)
	values        *tensor.Dense   // (numTime, numEnvs)
	logProbs      *tensor.Dense   // (numTime, numEnvs)
	advantages    *tensor.Dense   // (numTime, numEnvs)
	returns       *tensor.Dense   // (numTime, numEnvs)
	episodeStarts []bool          // Flat, e + numEnvs*t
	hiddenStates  *statetree.Tree // Leaves (numTime, layers, numEnvs, ...)
}

// New creates and returns a new Buffer holding numTime steps of
// numEnvs parallel environments.
//
// The obsExample and hiddenExample trees fix the structure and leaf
// shapes of every later Add: obsExample leaves are per-step
// observation batches of shape (numEnvs, ...), hiddenExample leaves
// are recurrent states of shape (layers, numEnvs, ...). actionDims is
// the per-environment shape of one action (empty for scalar actions).
//
// The engine determines where stored and sampled tensors are placed;
// sampled minibatches are always materialized on this engine
// regardless of where record tensors were created. The seed fully
// determines skew draws and minibatch shuffling.
func New(numTime, numEnvs int, obsExample *statetree.Tree, actionDims []int,
	hiddenExample *statetree.Tree, samplingType SamplingType,
	engine tensor.Engine, seed uint64) (*Buffer, error) {
	if numTime < 1 {
		return nil, fmt.Errorf("new: numTime must be > 0, got %v", numTime)
	}
	if numEnvs < 1 {
		return nil, fmt.Errorf("new: numEnvs must be > 0, got %v", numEnvs)
	}
	if err := validSamplingType(samplingType); err != nil {
		return nil, err
	}
	if engine == nil {
		engine = tensor.StdEng{}
	}

	for _, leaf := range obsExample.Leaves() {
		if len(leaf.Shape()) < 1 || leaf.Shape()[0] != numEnvs {
			return nil, fmt.Errorf("new: observation example leaves must "+
				"have leading dimension numEnvs (%v), got shape %v",
				numEnvs, leaf.Shape())
		}
	}
	for _, leaf := range hiddenExample.Leaves() {
		if len(leaf.Shape()) < 2 || leaf.Shape()[1] != numEnvs {
			return nil, fmt.Errorf("new: hidden state example leaves must "+
				"have numEnvs (%v) at axis 1, got shape %v", numEnvs,
				leaf.Shape())
		}
	}

	observations, err := statetree.ZerosLike(obsExample, []int{numTime},
		engine)
	if err != nil {
		return nil, fmt.Errorf("new: could not allocate observation "+
			"storage: %v", err)
	}
	hiddenStates, err := statetree.ZerosLike(hiddenExample, []int{numTime},
		engine)
	if err != nil {
		return nil, fmt.Errorf("new: could not allocate hidden state "+
			"storage: %v", err)
	}

	actionShape := append([]int{numTime, numEnvs}, actionDims...)
	scalars := func() *tensor.Dense {
		return tensor.New(
			tensor.Of(tensor.Float64),
			tensor.WithShape(numTime, numEnvs),
			tensor.WithEngine(engine),
		)
	}

	return &Buffer{
		numTime:      numTime,
		numEnvs:      numEnvs,
		samplingType: samplingType,
		engine:       engine,
		rng:          rand.New(rand.NewSource(seed)),

		obsExample:    obsExample,
		hiddenExample: hiddenExample,

		observations: observations,
		actions: tensor.New(
			tensor.Of(tensor.Float64),
			tensor.WithShape(actionShape...),
			tensor.WithEngine(engine),
		),
		rewards:       scalars(),
		values:        scalars(),
		logProbs:      scalars(),
		advantages:    scalars(),
		returns:       scalars(),
		episodeStarts: make([]bool, numTime*numEnvs),
		hiddenStates:  hiddenStates,
	}, nil
}

// NumTime returns the rollout length the buffer was constructed with
func (b *Buffer) NumTime() int {
	return b.numTime
}

// NumEnvs returns the number of parallel environments
func (b *Buffer) NumEnvs() int {
	return b.numEnvs
}

// Engine returns the engine all stored and sampled tensors live on
func (b *Buffer) Engine() tensor.Engine {
	return b.engine
}

// Full returns whether all numTime slots of the current rollout have
// been filled
func (b *Buffer) Full() bool {
	return b.pos == b.numTime
}

// Add appends one record at the next free time slot. Add must be
// called exactly NumTime times per rollout; calling it on a full
// buffer is a capacity error. Record data is copied into the buffer's
// storage, so callers may reuse record tensors.
func (b *Buffer) Add(r Record) error {
	if b.Full() {
		return &BufferError{Op: "add", Err: errCapacityExceeded}
	}

	if err := b.obsExample.SameStructure(r.Observations); err != nil {
		return &BufferError{
			Op:  "add",
			Err: fmt.Errorf("%w: observations: %v", errShapeMismatch, err),
		}
	}
	if err := b.hiddenExample.SameStructure(r.HiddenStates); err != nil {
		return &BufferError{
			Op:  "add",
			Err: fmt.Errorf("%w: hidden states: %v", errShapeMismatch, err),
		}
	}
	if len(r.EpisodeStarts) != b.numEnvs {
		return &BufferError{
			Op: "add",
			Err: fmt.Errorf("%w: episode starts: want length %v, have %v",
				errShapeMismatch, b.numEnvs, len(r.EpisodeStarts)),
		}
	}

	if err := statetree.SetStep(b.observations, b.pos,
		r.Observations); err != nil {
		return &BufferError{Op: "add", Err: err}
	}
	if err := statetree.SetStep(b.hiddenStates, b.pos,
		r.HiddenStates); err != nil {
		return &BufferError{Op: "add", Err: err}
	}
	if err := statetree.SetStep(statetree.NewLeaf(b.actions), b.pos,
		statetree.NewLeaf(r.Actions)); err != nil {
		return &BufferError{
			Op:  "add",
			Err: fmt.Errorf("%w: actions: %v", errShapeMismatch, err),
		}
	}

	scalars := []struct {
		name string
		dst  *tensor.Dense
		src  *tensor.Dense
	}{
		{"rewards", b.rewards, r.Rewards},
		{"values", b.values, r.Values},
		{"log probs", b.logProbs, r.LogProbs},
	}
	for _, s := range scalars {
		if err := statetree.SetStep(statetree.NewLeaf(s.dst), b.pos,
			statetree.NewLeaf(s.src)); err != nil {
			return &BufferError{
				Op:  "add",
				Err: fmt.Errorf("%w: %v: %v", errShapeMismatch, s.name, err),
			}
		}
	}

	copy(b.episodeStarts[b.pos*b.numEnvs:(b.pos+1)*b.numEnvs],
		r.EpisodeStarts)

	b.pos++
	return nil
}

// Reset clears the write cursor for the next rollout. Stored records
// are not zeroed; the next rollout's Adds overwrite them.
func (b *Buffer) Reset() {
	b.pos = 0
}

// SetAdvantagesAndReturns overwrites the buffer's advantage and return
// fields with externally estimated values of shape
// (numTime, numEnvs). Either this or FinishRollout must run before Get
// if the sampled advantages are to be meaningful.
func (b *Buffer) SetAdvantagesAndReturns(advantages,
	returns *tensor.Dense) error {
	want := tensor.Shape{b.numTime, b.numEnvs}
	if !advantages.Shape().Eq(want) || !returns.Shape().Eq(want) {
		return &BufferError{
			Op: "setadvantagesandreturns",
			Err: fmt.Errorf("%w: want shape %v, have %v and %v",
				errShapeMismatch, want, advantages.Shape(),
				returns.Shape()),
		}
	}

	copy(b.advantages.Data().([]float64), advantages.Data().([]float64))
	copy(b.returns.Data().([]float64), returns.Data().([]float64))
	return nil
}

// FinishRollout computes GAE(lambda) advantage estimates and
// bootstrapped returns for the completed rollout, following
// https://arxiv.org/abs/1506.02438.
//
// The lastValues argument holds the value estimate of the state
// following the final stored step of each environment, and
// lastEpisodeStarts whether that following state begins a new episode
// (in which case the bootstrap is dropped). FinishRollout must be
// called after the rollout is full and before Get.
func (b *Buffer) FinishRollout(lastValues *tensor.Dense,
	lastEpisodeStarts []bool, gamma, lambda float64) error {
	if !b.Full() {
		return &BufferError{Op: "finishrollout", Err: errIncompleteRollout}
	}
	if !lastValues.Shape().Eq(tensor.Shape{b.numEnvs}) ||
		len(lastEpisodeStarts) != b.numEnvs {
		return &BufferError{
			Op: "finishrollout",
			Err: fmt.Errorf("%w: want %v bootstrap values and flags",
				errShapeMismatch, b.numEnvs),
		}
	}

	rewards := b.rewards.Data().([]float64)
	values := b.values.Data().([]float64)
	advantages := b.advantages.Data().([]float64)
	returns := b.returns.Data().([]float64)
	bootstrap := lastValues.Data().([]float64)

	for env := 0; env < b.numEnvs; env++ {
		lastGAE := 0.0
		for t := b.numTime - 1; t >= 0; t-- {
			i := t*b.numEnvs + env

			var nextValue, nextNonTerminal float64
			if t == b.numTime-1 {
				nextValue = bootstrap[env]
				if !lastEpisodeStarts[env] {
					nextNonTerminal = 1
				}
			} else {
				nextValue = values[i+b.numEnvs]
				if !b.episodeStarts[i+b.numEnvs] {
					nextNonTerminal = 1
				}
			}

			delta := rewards[i] + gamma*nextValue*nextNonTerminal - values[i]
			lastGAE = delta + gamma*lambda*nextNonTerminal*lastGAE
			advantages[i] = lastGAE
			returns[i] = lastGAE + values[i]
		}
	}
	return nil
}

// NormalizeAdvantages standardizes the stored advantages to mean 0 and
// standard deviation 1 across the whole rollout
func (b *Buffer) NormalizeAdvantages() {
	advantages := b.advantages.Data().([]float64)
	mean := stat.Mean(advantages, nil)
	std := stat.StdDev(advantages, nil) + 1e-8

	for i := range advantages {
		advantages[i] = (advantages[i] - mean) / std
	}
}
