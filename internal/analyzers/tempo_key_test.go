package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMedianOf_OddAndEvenCounts(t *testing.T) {
	assert.InDelta(t, 2.0, medianOf([]float64{3, 1, 2}), 1e-9)
	assert.InDelta(t, 2.5, medianOf([]float64{1, 2, 3, 4}), 1e-9)
}

func TestMedianOf_Empty(t *testing.T) {
	assert.Equal(t, 0.0, medianOf(nil))
}

func TestMedianOf_DoesNotMutateInput(t *testing.T) {
	input := []float64{3, 1, 2}
	_ = medianOf(input)
	assert.Equal(t, []float64{3, 1, 2}, input)
}
