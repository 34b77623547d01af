package analyzers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestChordDetector_AllBackendsFailReturnsClassifiedError(t *testing.T) {
	d := NewChordDetector(zap.NewNop(),
		[]string{"no-such-primary-binary"},
		[]string{"no-such-secondary-binary"},
		[]string{"no-such-hybrid-binary"},
	)

	_, err := d.Detect(context.Background(), "/tmp/does-not-matter.wav")
	require.Error(t, err)
}
