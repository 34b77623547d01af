package analyzers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// VocalOnset refines a lyrics document's per-line start times against
// the actual onsets detected in the isolated vocals stem, the same way
// tempo_key.go leans on aubio's beat tracker for tempo instead of a
// fixed grid.
type VocalOnset interface {
	Align(ctx context.Context, vocalsPath string, doc entities.LyricsDoc) (entities.LyricsDoc, error)
}

type aubioVocalOnset struct {
	logger *zap.Logger
}

// NewAubioVocalOnset builds a VocalOnset backed by aubioonset.
func NewAubioVocalOnset(logger *zap.Logger) VocalOnset {
	return &aubioVocalOnset{logger: logger}
}

func (a *aubioVocalOnset) Align(ctx context.Context, vocalsPath string, doc entities.LyricsDoc) (entities.LyricsDoc, error) {
	onsets, err := a.detectOnsets(ctx, vocalsPath)
	if err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("aubioonset: %w", err)
	}
	if len(onsets) == 0 {
		return doc, nil
	}

	aligned := entities.LyricsDoc{Lines: make([]entities.LyricsLine, len(doc.Lines))}
	for i, line := range doc.Lines {
		onset := nearestOnsetAtOrBefore(onsets, line.Start)
		shift := onset - line.Start
		aligned.Lines[i] = entities.LyricsLine{
			Start: onset,
			End:   line.End + shift,
			Text:  line.Text,
			Words: line.Words,
		}
	}
	return aligned, nil
}

func (a *aubioVocalOnset) detectOnsets(ctx context.Context, path string) ([]float64, error) {
	cmd := exec.CommandContext(ctx, "aubioonset", "-i", path)
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var onsets []float64
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		onsets = append(onsets, t)
	}
	return onsets, nil
}

// nearestOnsetAtOrBefore returns the onset closest to target by absolute
// distance, whether before or after it; on a tie the one that comes
// first in onsets wins.
func nearestOnsetAtOrBefore(onsets []float64, target float64) float64 {
	best := onsets[0]
	bestDist := abs(onsets[0] - target)
	for _, o := range onsets[1:] {
		if d := abs(o - target); d < bestDist {
			best, bestDist = o, d
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
