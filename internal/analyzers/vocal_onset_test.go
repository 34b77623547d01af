package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNearestOnsetAtOrBefore(t *testing.T) {
	onsets := []float64{0.5, 1.2, 3.0, 4.8}
	assert.Equal(t, 1.2, nearestOnsetAtOrBefore(onsets, 1.3))
	assert.Equal(t, 0.5, nearestOnsetAtOrBefore(onsets, 0.0))
	assert.Equal(t, 4.8, nearestOnsetAtOrBefore(onsets, 10.0))
}

func TestAbs(t *testing.T) {
	assert.Equal(t, 3.0, abs(-3.0))
	assert.Equal(t, 3.0, abs(3.0))
}
