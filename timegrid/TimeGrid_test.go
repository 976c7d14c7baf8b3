package timegrid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// expected computes the reference indices of sub-sequence i by the
// scalar definition: env + numEnvs*((timeBatch + j + skew[env]) %
// numTime)
func expected(i, numEnvs, numTime, batchTime int, skew []int) []int {
	timeBatch := (i / numEnvs) * batchTime
	env := i % numEnvs

	indices := make([]int, batchTime)
	for j := range indices {
		indices[j] = env + numEnvs*((timeBatch+j+skew[env])%numTime)
	}
	return indices
}

func TestDatasetCoverage(t *testing.T) {
	gridSizes := []struct{ numTime, batchTime int }{
		{1, 1}, {3, 1}, {6, 2}, {10, 5},
	}

	for _, numEnvs := range []int{1, 3, 4, 5} {
		for _, size := range gridSizes {
			for _, skewZero := range []bool{true, false} {
				skew := make([]int, numEnvs)
				if !skewZero {
					for env := range skew {
						skew[env] = (env + 1) % size.numTime
					}
				}

				d, err := New(numEnvs, size.numTime, size.batchTime, skew)
				require.NoError(t, err)

				numTimeBatches := size.numTime / size.batchTime
				require.Equal(t, numTimeBatches*numEnvs, d.Len())

				visited := make(map[int]int)
				for i := 0; i < d.Len(); i++ {
					indices, err := d.Index(i)
					require.NoError(t, err)
					assert.Equal(t, expected(i, numEnvs, size.numTime,
						size.batchTime, skew), indices)

					for _, index := range indices {
						visited[index]++
					}
				}

				// Every grid cell is visited exactly once: no
				// duplicates, no omissions
				require.Len(t, visited, numEnvs*size.numTime)
				for index, count := range visited {
					assert.Equal(t, 1, count, "cell %v visited %v times",
						index, count)
				}
			}
		}
	}
}

func TestDatasetWraparoundContiguity(t *testing.T) {
	numEnvs, numTime, batchTime := 3, 8, 4

	// Skews large enough that some windows wrap past the end of the
	// buffer
	skew := []int{5, 6, 7}
	d, err := New(numEnvs, numTime, batchTime, skew)
	require.NoError(t, err)

	gridSize := numEnvs * numTime
	wrapped := 0
	for i := 0; i < d.Len(); i++ {
		indices, err := d.Index(i)
		require.NoError(t, err)

		for j := 1; j < len(indices); j++ {
			diff := ((indices[j]-indices[j-1])%gridSize + gridSize) %
				gridSize
			require.Equal(t, numEnvs, diff,
				"sub-sequence %v is not contiguous at step %v", i, j)
			if indices[j] < indices[j-1] {
				wrapped++
			}
		}
	}
	require.Greater(t, wrapped, 0, "skew should force at least one wrap")
}

func TestDatasetBatchAndInitTimes(t *testing.T) {
	numEnvs, numTime, batchTime := 4, 6, 2
	skew := []int{0, 1, 2, 3}

	d, err := New(numEnvs, numTime, batchTime, skew)
	require.NoError(t, err)

	// Batched retrieval must agree with single-item lookup for any id
	// set, including unordered and partial ones
	idSets := [][]int{
		{0, 1, 2, 3}, {5}, {11, 0, 7}, {4, 5, 6, 7, 8, 9, 10, 11},
	}
	for _, ids := range idSets {
		initTimes, initEnvs, collective, err := d.BatchAndInitTimes(ids)
		require.NoError(t, err)
		require.Equal(t, []int{batchTime, len(ids)},
			[]int(collective.Shape()))

		flat := collective.Data().([]int)
		for c, id := range ids {
			indices, err := d.Index(id)
			require.NoError(t, err)

			for j := 0; j < batchTime; j++ {
				assert.Equal(t, indices[j], flat[j*len(ids)+c])
			}

			// Row 0 reproduces each sub-sequence's starting flat index
			assert.Equal(t, initTimes[c]*numEnvs+initEnvs[c],
				flat[0*len(ids)+c])
		}
	}
}

// TestDatasetWorkedExample pins the index arithmetic to a hand-computed
// case
func TestDatasetWorkedExample(t *testing.T) {
	d, err := New(4, 6, 2, []int{0, 1, 2, 3})
	require.NoError(t, err)

	require.Equal(t, 12, d.Len())

	// Sub-sequence 5: second window (starting timestep 2) of
	// environment 1, shifted to timestep 3 by that environment's skew
	indices, err := d.Index(5)
	require.NoError(t, err)
	require.Equal(t, []int{13, 17}, indices)

	// Sub-sequence 1: first window of environment 1, shifted to
	// timestep 1
	indices, err = d.Index(1)
	require.NoError(t, err)
	require.Equal(t, []int{5, 9}, indices)
}

// TestDatasetTruncation documents the truncation policy: when
// batchTime does not divide numTime, the remainder steps are excluded
// from the Dataset rather than reported as an error.
func TestDatasetTruncation(t *testing.T) {
	numEnvs, numTime, batchTime := 4, 10, 3

	d, err := New(numEnvs, numTime, batchTime, make([]int, numEnvs))
	require.NoError(t, err)

	// One step per environment is dropped: 10 = 3*3 + 1
	require.Equal(t, 3*numEnvs, d.Len())

	visited := make(map[int]bool)
	for i := 0; i < d.Len(); i++ {
		indices, err := d.Index(i)
		require.NoError(t, err)
		for _, index := range indices {
			visited[index] = true
		}
	}
	require.Len(t, visited, numEnvs*numTime-numEnvs)
}

func TestDatasetValidation(t *testing.T) {
	_, err := New(0, 6, 2, nil)
	assert.Error(t, err)

	_, err = New(2, 0, 1, []int{0, 0})
	assert.Error(t, err)

	_, err = New(2, 6, 7, []int{0, 0})
	assert.Error(t, err)

	_, err = New(2, 6, 2, []int{0})
	assert.Error(t, err)

	_, err = New(2, 6, 2, []int{0, 6})
	assert.Error(t, err)

	d, err := New(2, 6, 2, []int{0, 0})
	require.NoError(t, err)

	_, err = d.Index(-1)
	assert.Error(t, err)
	_, err = d.Index(d.Len())
	assert.Error(t, err)
	_, _, _, err = d.BatchAndInitTimes([]int{0, d.Len()})
	assert.Error(t, err)
}
