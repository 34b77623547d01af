package analyzers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRmsLevPattern_ParsesSoxStatsOutput(t *testing.T) {
	output := []byte("Samples read:         44100\nRMS lev dB      -52.34\nRMS Pk dB       -48.10\n")
	match := rmsLevPattern.FindSubmatch(output)
	assert.NotNil(t, match)
	assert.Equal(t, "-52.34", string(match[1]))
}

func TestRmsLevPattern_NoMatchOnUnrelatedOutput(t *testing.T) {
	match := rmsLevPattern.FindSubmatch([]byte("not sox stats output"))
	assert.Nil(t, match)
}
