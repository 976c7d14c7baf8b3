package evaluate

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
)

func init() {
	// Run warns once when an environment carries no Monitor-style
	// metadata; keep that warning out of test output
	logrus.SetOutput(io.Discard)
}

func obsFor(numEnvs int) *statetree.Tree {
	return statetree.NewLeaf(tensor.New(
		tensor.Of(tensor.Float64),
		tensor.WithShape(numEnvs, 1),
	))
}

// fakeEnv is a deterministic vectorized environment: environment i
// gives reward 1 per step and finishes an episode every lengths[i]
// steps. With monitor set, finished episodes carry Monitor-style
// metadata with synthetic values distinguishable from the locally
// accumulated ones.
type fakeEnv struct {
	lengths []int
	steps   []int
	monitor bool
}

func (f *fakeEnv) NumEnvs() int {
	return len(f.lengths)
}

func (f *fakeEnv) Reset() (*statetree.Tree, error) {
	f.steps = make([]int, len(f.lengths))
	return obsFor(len(f.lengths)), nil
}

func (f *fakeEnv) Step(actions *tensor.Dense) (*statetree.Tree, []float64,
	[]bool, []StepInfo, error) {
	n := len(f.lengths)
	rewards := make([]float64, n)
	dones := make([]bool, n)
	infos := make([]StepInfo, n)

	for i := range f.lengths {
		f.steps[i]++
		rewards[i] = 1
		if f.steps[i] == f.lengths[i] {
			dones[i] = true
			f.steps[i] = 0
			if f.monitor {
				infos[i].Episode = &EpisodeStats{
					Reward: float64(100 + i),
					Length: 7,
				}
			}
		}
	}
	return obsFor(n), rewards, dones, infos, nil
}

// fakePredictor records the episode-start flags it is handed on every
// call
type fakePredictor struct {
	startsLog [][]bool
}

func (p *fakePredictor) Predict(obs, state *statetree.Tree,
	episodeStarts []bool, deterministic bool) (*tensor.Dense,
	*statetree.Tree, error) {
	starts := make([]bool, len(episodeStarts))
	copy(starts, episodeStarts)
	p.startsLog = append(p.startsLog, starts)

	actions := tensor.New(
		tensor.Of(tensor.Float64),
		tensor.WithShape(len(episodeStarts), 1),
	)
	return actions, state, nil
}

func (p *fakePredictor) InitialState(batchSize int) *statetree.Tree {
	return statetree.NewLeaf(tensor.New(
		tensor.Of(tensor.Float64),
		tensor.WithShape(1, batchSize, 1),
	))
}

// TestRunStaticTargets pins the per-environment episode split: with 10
// episodes over 4 environments, environment i runs (10 + i) / 4
// episodes, so environments with short episodes cannot contribute more
// than their share
func TestRunStaticTargets(t *testing.T) {
	env := &fakeEnv{lengths: []int{1, 2, 3, 4}}

	result, err := Run(&fakePredictor{}, env, Config{Episodes: 10})
	require.NoError(t, err)
	require.Len(t, result.Rewards, 10)
	require.Len(t, result.Lengths, 10)

	// Reward 1 per step means each episode's reward equals its length,
	// which identifies the environment it came from. Targets are
	// [2, 2, 3, 3] for lengths [1, 2, 3, 4].
	counts := make(map[float64]int)
	for _, r := range result.Rewards {
		counts[r]++
	}
	assert.Equal(t, map[float64]int{1: 2, 2: 2, 3: 3, 4: 3}, counts)
}

func TestRunMonitorMetadataPreferred(t *testing.T) {
	env := &fakeEnv{lengths: []int{2, 2}, monitor: true}

	result, err := Run(&fakePredictor{}, env, Config{Episodes: 2})
	require.NoError(t, err)
	require.Len(t, result.Rewards, 2)

	// Monitor metadata, not the locally accumulated sums of 2
	assert.ElementsMatch(t, []float64{100, 101}, result.Rewards)
	assert.Equal(t, []int{7, 7}, result.Lengths)
}

// TestRunEpisodeStartFlags checks that the predictor sees all-true
// flags on the first step and each environment's previous done flag
// afterwards
func TestRunEpisodeStartFlags(t *testing.T) {
	env := &fakeEnv{lengths: []int{1, 2}}
	p := &fakePredictor{}

	_, err := Run(p, env, Config{Episodes: 2})
	require.NoError(t, err)

	require.Len(t, p.startsLog, 2)
	assert.Equal(t, []bool{true, true}, p.startsLog[0])
	assert.Equal(t, []bool{true, false}, p.startsLog[1])
}

func TestRunValidation(t *testing.T) {
	env := &fakeEnv{lengths: []int{1}}

	_, err := Run(&fakePredictor{}, env, Config{Episodes: 0})
	assert.Error(t, err)
}

func TestResultMeanStd(t *testing.T) {
	result := &Result{Rewards: []float64{1, 2, 3, 4}}

	mean, std := result.MeanStd()
	assert.InDelta(t, 2.5, mean, 1e-12)
	assert.InDelta(t, 1.2909944487358056, std, 1e-12)
}
