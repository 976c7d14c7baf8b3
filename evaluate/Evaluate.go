// Package evaluate implements vectorized policy evaluation across
// parallel environments.
//
// Evaluation shares the recurrent buffer's hidden-state conventions: a
// policy's state is a statetree.Tree, and the state of an environment
// that just reset is reinitialized through per-step episode-start
// flags. A target episode count is divided statically across the
// parallel environments so that faster-finishing environments cannot
// bias the returned statistics toward short episodes.
package evaluate

import (
	"fmt"
	"time"

	"github.com/samuelfneumann/progressbar"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gorollout/statetree"
)

// EpisodeStats holds Monitor-style metadata about one finished episode
type EpisodeStats struct {
	Reward float64
	Length int
}

// StepInfo carries per-environment metadata for one step. Episode is
// non-nil only on steps where a Monitor-style wrapper reports a truly
// finished episode; when present it is preferred over locally
// accumulated counters, which wrappers that modify rewards or episode
// lengths can distort.
type StepInfo struct {
	Episode *EpisodeStats
}

// VecEnv is a vectorized environment stepping all of its parallel
// environment instances in lockstep. Environments that finish an
// episode reset themselves and report done on that step.
type VecEnv interface {
	NumEnvs() int
	Reset() (*statetree.Tree, error)
	Step(actions *tensor.Dense) (obs *statetree.Tree, rewards []float64,
		dones []bool, infos []StepInfo, err error)
}

// Predictor selects actions for a batch of observations while carrying
// recurrent state between calls. A true episodeStarts flag tells the
// predictor that environment's state must be reinitialized before this
// step.
type Predictor interface {
	Predict(obs *statetree.Tree, state *statetree.Tree,
		episodeStarts []bool, deterministic bool) (actions *tensor.Dense,
		next *statetree.Tree, err error)
	InitialState(batchSize int) *statetree.Tree
}

// Config configures one evaluation run
type Config struct {
	Episodes      int  // Total episodes to evaluate across all envs
	Deterministic bool // Whether the predictor should act greedily
	ShowProgress  bool // Display a progress bar over finished episodes
}

// Result holds the per-episode rewards and lengths of one evaluation
// run, in the order episodes finished
type Result struct {
	Rewards []float64
	Lengths []int
}

// MeanStd returns the mean and standard deviation of the per-episode
// rewards
func (r *Result) MeanStd() (float64, float64) {
	return stat.Mean(r.Rewards, nil), stat.StdDev(r.Rewards, nil)
}

// Run evaluates a policy for a total number of episodes spread across
// the environments of a vectorized environment.
//
// The episode count is divided statically: environment i runs exactly
// (episodes + i) / numEnvs episodes, as even a split as possible.
// Episodes finishing beyond an environment's share are discarded
// rather than recorded, which keeps environments with short episodes
// from dominating the statistics.
func Run(p Predictor, env VecEnv, config Config) (*Result, error) {
	if config.Episodes < 1 {
		return nil, fmt.Errorf("run: episodes must be > 0, got %v",
			config.Episodes)
	}

	numEnvs := env.NumEnvs()
	targets := make([]int, numEnvs)
	counts := make([]int, numEnvs)
	for i := range targets {
		targets[i] = (config.Episodes + i) / numEnvs
	}

	obs, err := env.Reset()
	if err != nil {
		return nil, fmt.Errorf("run: could not reset environment: %v", err)
	}

	state := p.InitialState(numEnvs)
	episodeStarts := make([]bool, numEnvs)
	for i := range episodeStarts {
		episodeStarts[i] = true
	}

	var bar *progressbar.ProgressBar
	if config.ShowProgress {
		bar = progressbar.New(65, config.Episodes,
			time.Second, true)
		bar.Display()
		defer bar.Close()
	}

	currentRewards := make([]float64, numEnvs)
	currentLengths := make([]int, numEnvs)
	result := &Result{}
	warned := false

	for !done(counts, targets) {
		actions, nextState, err := p.Predict(obs, state, episodeStarts,
			config.Deterministic)
		if err != nil {
			return nil, fmt.Errorf("run: could not predict: %v", err)
		}
		state = nextState

		nextObs, rewards, dones, infos, err := env.Step(actions)
		if err != nil {
			return nil, fmt.Errorf("run: could not step environment: %v",
				err)
		}

		for i := 0; i < numEnvs; i++ {
			currentRewards[i] += rewards[i]
			currentLengths[i]++
			episodeStarts[i] = dones[i]

			if !dones[i] {
				continue
			}

			if counts[i] < targets[i] {
				if infos[i].Episode != nil {
					result.Rewards = append(result.Rewards,
						infos[i].Episode.Reward)
					result.Lengths = append(result.Lengths,
						infos[i].Episode.Length)
				} else {
					if !warned {
						logrus.Warn("evaluate: environment reports no " +
							"episode metadata; falling back to locally " +
							"accumulated rewards and lengths, which " +
							"wrappers may have modified")
						warned = true
					}
					result.Rewards = append(result.Rewards,
						currentRewards[i])
					result.Lengths = append(result.Lengths,
						currentLengths[i])
				}
				counts[i]++
				if bar != nil {
					bar.Increment()
				}
			}

			currentRewards[i] = 0
			currentLengths[i] = 0
		}

		obs = nextObs
	}

	return result, nil
}

// done returns whether every environment has finished its share of
// episodes
func done(counts, targets []int) bool {
	for i := range counts {
		if counts[i] < targets[i] {
			return false
		}
	}
	return true
}
