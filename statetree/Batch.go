package statetree

import (
	"fmt"

	"gorgonia.org/tensor"
)

// This file implements the batched-axis operations that the trajectory
// buffer and sequence replayer perform on trees: writing one timestep
// into time-extended storage, gathering stored entries at arbitrary
// (time, environment) coordinates, and zeroing batch columns. Only
// batch-like axes are ever sliced; all other axes of every leaf are
// preserved whole.

// backing returns the raw float64 backing of a dense tensor
func backing(d *tensor.Dense) ([]float64, error) {
	data, ok := d.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("backing: expected float64 tensor, got %v",
			d.Dtype())
	}
	return data, nil
}

func prod(dims []int) int {
	p := 1
	for _, dim := range dims {
		p *= dim
	}
	return p
}

// alloc returns a zeroed float64 dense of the argument shape, placed
// on e when an engine is given
func alloc(shape []int, e tensor.Engine) *tensor.Dense {
	opts := []tensor.ConsOpt{
		tensor.Of(tensor.Float64),
		tensor.WithShape(shape...),
	}
	if e != nil {
		opts = append(opts, tensor.WithEngine(e))
	}
	return tensor.New(opts...)
}

// SetStep copies one per-step tree src into slot step of the
// time-extended tree dst. Each leaf of dst must have the shape of the
// corresponding src leaf with a leading time dimension.
func SetStep(dst *Tree, step int, src *Tree) error {
	_, err := dst.Zip(src, func(d, s *tensor.Dense) (*tensor.Dense, error) {
		if len(d.Shape()) != len(s.Shape())+1 {
			return nil, fmt.Errorf("leaf rank %v does not extend rank %v",
				len(d.Shape()), len(s.Shape()))
		}
		if step < 0 || step >= d.Shape()[0] {
			return nil, fmt.Errorf("step %v out of range [0, %v)", step,
				d.Shape()[0])
		}

		dstData, err := backing(d)
		if err != nil {
			return nil, err
		}
		srcData, err := backing(s)
		if err != nil {
			return nil, err
		}

		size := s.Shape().TotalSize()
		copy(dstData[step*size:(step+1)*size], srcData)
		return d, nil
	})
	return err
}

// GatherDense gathers entries of a time-extended dense tensor at the
// argument (time, environment) coordinate pairs. The stored tensor has
// shape (T, ..., E, ...) where the environment dimension E sits
// at position axis of the per-step shape. The result drops the time
// dimension and replaces the environment dimension with one entry per
// coordinate pair, in order:
//
//	out[..., i, ...] = stored[times[i]][..., envs[i], ...]
//
// The gather is performed as batched contiguous copies rather than
// per-element indexing.
func GatherDense(stored *tensor.Dense, axis int, times, envs []int,
	e tensor.Engine) (*tensor.Dense, error) {
	shape := stored.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("gatherdense: stored tensor must have a "+
			"time and an environment dimension, got shape %v", shape)
	}

	example := shape[1:]
	if axis < 0 || axis >= len(example) {
		return nil, fmt.Errorf("gatherdense: axis %v out of range for "+
			"per-step shape %v", axis, example)
	}
	if len(times) != len(envs) {
		return nil, fmt.Errorf("gatherdense: %v times != %v envs",
			len(times), len(envs))
	}

	numTime := shape[0]
	numEnvs := example[axis]
	outer := prod(example[:axis])
	inner := prod(example[axis+1:])
	stepSize := outer * numEnvs * inner

	n := len(times)
	outShape := make([]int, len(example))
	copy(outShape, example)
	outShape[axis] = n

	out := alloc(outShape, e)

	outData, err := backing(out)
	if err != nil {
		return nil, err
	}
	storedData, err := backing(stored)
	if err != nil {
		return nil, err
	}

	for i := 0; i < n; i++ {
		t, env := times[i], envs[i]
		if t < 0 || t >= numTime {
			return nil, fmt.Errorf("gatherdense: time %v out of range "+
				"[0, %v)", t, numTime)
		}
		if env < 0 || env >= numEnvs {
			return nil, fmt.Errorf("gatherdense: env %v out of range "+
				"[0, %v)", env, numEnvs)
		}

		for o := 0; o < outer; o++ {
			src := t*stepSize + o*numEnvs*inner + env*inner
			dst := o*n*inner + i*inner
			copy(outData[dst:dst+inner], storedData[src:src+inner])
		}
	}

	return out, nil
}

// Gather applies GatherDense to every leaf of a time-extended Tree,
// returning a Tree with the gathered leaves
func Gather(stored *Tree, axis int, times, envs []int,
	e tensor.Engine) (*Tree, error) {
	return stored.Map(func(d *tensor.Dense) (*tensor.Dense, error) {
		return GatherDense(d, axis, times, envs, e)
	})
}

// ZeroCols zeroes, in place, the argument columns of the batch
// dimension of every leaf of the Tree. The batch dimension sits at
// position axis of each leaf's shape.
func ZeroCols(t *Tree, axis int, cols []int) error {
	_, err := t.Map(func(d *tensor.Dense) (*tensor.Dense, error) {
		shape := d.Shape()
		if axis < 0 || axis >= len(shape) {
			return nil, fmt.Errorf("axis %v out of range for shape %v",
				axis, shape)
		}

		batch := shape[axis]
		outer := prod(shape[:axis])
		inner := prod(shape[axis+1:])

		data, err := backing(d)
		if err != nil {
			return nil, err
		}

		for _, col := range cols {
			if col < 0 || col >= batch {
				return nil, fmt.Errorf("column %v out of range [0, %v)",
					col, batch)
			}
			for o := 0; o < outer; o++ {
				start := o*batch*inner + col*inner
				for j := start; j < start+inner; j++ {
					data[j] = 0
				}
			}
		}
		return d, nil
	})
	return err
}
