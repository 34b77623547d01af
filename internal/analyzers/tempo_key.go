package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// TempoKeyResult is the raw output of a tempo/key analysis pass, before
// it is folded into entities.Analysis by the Analyze Stage Runner.
type TempoKeyResult struct {
	TempoBPM   float64
	Key        string
	Confidence float64
}

// TempoKey estimates tempo and musical key from a master audio file.
// tagging_service.go's analyzeAudio derives these from len(audioPath),
// a placeholder the teacher's own comment flags ("en production,
// utiliser aubio et essentia") — this adapter is the production version
// that comment describes, shelling out to the real aubio CLI tools
// instead.
type TempoKey interface {
	Analyze(ctx context.Context, audioPath string) (TempoKeyResult, error)
}

type aubioTempoKey struct {
	logger *zap.Logger
}

// NewAubioTempoKey builds a TempoKey backed by the aubio command-line
// tools (aubiotempo, aubiokey), the real-tool path
// tagging_service.go's comment names but never implements.
func NewAubioTempoKey(logger *zap.Logger) TempoKey {
	return &aubioTempoKey{logger: logger}
}

func (a *aubioTempoKey) Analyze(ctx context.Context, audioPath string) (TempoKeyResult, error) {
	bpm, err := a.runTempo(ctx, audioPath)
	if err != nil {
		return TempoKeyResult{}, common.ClassifyAdapterErr(err, entities.ErrAnalyzerFailure, "tempo estimation failed")
	}
	key, confidence, err := a.runKey(ctx, audioPath)
	if err != nil {
		return TempoKeyResult{}, common.ClassifyAdapterErr(err, entities.ErrAnalyzerFailure, "key estimation failed")
	}
	return TempoKeyResult{TempoBPM: bpm, Key: key, Confidence: confidence}, nil
}

// runTempo shells out to aubiotempo, which prints one beat timestamp per
// line; the BPM is derived from the median inter-beat interval.
func (a *aubioTempoKey) runTempo(ctx context.Context, audioPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "aubiotempo", "-i", audioPath)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("aubiotempo: %w", err)
	}

	var beats []float64
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		ts, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		beats = append(beats, ts)
	}
	if len(beats) < 2 {
		return 0, fmt.Errorf("aubiotempo: not enough beats detected to estimate BPM")
	}

	intervals := make([]float64, 0, len(beats)-1)
	for i := 1; i < len(beats); i++ {
		intervals = append(intervals, beats[i]-beats[i-1])
	}
	median := medianOf(intervals)
	if median <= 0 {
		return 0, fmt.Errorf("aubiotempo: degenerate beat spacing")
	}
	return 60.0 / median, nil
}

// aubioKeyOutput is the JSON shape aubiokey (a thin wrapper script most
// aubio packagings ship) emits: {"key": "C#m", "confidence": 0.82}.
type aubioKeyOutput struct {
	Key        string  `json:"key"`
	Confidence float64 `json:"confidence"`
}

func (a *aubioTempoKey) runKey(ctx context.Context, audioPath string) (string, float64, error) {
	cmd := exec.CommandContext(ctx, "aubiokey", "-i", audioPath, "--json")
	output, err := cmd.Output()
	if err != nil {
		return "", 0, fmt.Errorf("aubiokey: %w", err)
	}
	var parsed aubioKeyOutput
	if err := json.Unmarshal(output, &parsed); err != nil {
		return "", 0, fmt.Errorf("aubiokey: parse output: %w", err)
	}
	if parsed.Key == "" {
		return "", 0, fmt.Errorf("aubiokey: empty key estimate")
	}
	return parsed.Key, parsed.Confidence, nil
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
