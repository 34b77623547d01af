package analyzers

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

func TestExecSeparator_Separate_UnknownInputClassifiesFailure(t *testing.T) {
	dir := t.TempDir()
	s := NewExecSeparator(zap.NewNop())

	_, err := s.Separate(context.Background(), "/no/such/source.wav", dir, "hpss-nmf-v1",
		[]entities.StemName{entities.StemVocals, entities.StemDrums}, func(float64) {})

	require.Error(t, err)
}

func TestExecSeparator_Separate_CreatesOutputDir(t *testing.T) {
	dir := t.TempDir()
	nested := dir + "/nested/output"
	s := NewExecSeparator(zap.NewNop())

	_, _ = s.Separate(context.Background(), "/no/such/source.wav", nested, "hpss-nmf-v1",
		[]entities.StemName{entities.StemBass}, func(float64) {})

	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
