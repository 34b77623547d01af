package analyzers

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// SilenceDetector measures a stem's loudness so the Extract Runner can
// tag near-empty stems (an instrumental track's separated "vocals", for
// instance) without discarding them.
type SilenceDetector interface {
	// IsSilent reports whether the whole-file RMS level of path (the
	// "RMS lev dB" figure of sox's stats effect) falls below thresholdDB;
	// no percentile of short-term RMS is computed.
	IsSilent(ctx context.Context, path string, thresholdDB float64) (bool, error)
}

// soxSilenceDetector shells out to sox's stats effect, the same binary
// separator.go already uses for the harmonic/percussive split.
type soxSilenceDetector struct {
	logger *zap.Logger
}

// NewSoxSilenceDetector builds a SilenceDetector backed by sox.
func NewSoxSilenceDetector(logger *zap.Logger) SilenceDetector {
	return &soxSilenceDetector{logger: logger}
}

var rmsLevPattern = regexp.MustCompile(`RMS lev dB\s+([-\d.]+)`)

func (d *soxSilenceDetector) IsSilent(ctx context.Context, path string, thresholdDB float64) (bool, error) {
	cmd := exec.CommandContext(ctx, "sox", path, "-n", "stats")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("sox stats: %w", err)
	}

	match := rmsLevPattern.FindSubmatch(output)
	if match == nil {
		return false, fmt.Errorf("sox stats: RMS lev dB not found in output")
	}
	rmsDB, err := strconv.ParseFloat(string(match[1]), 64)
	if err != nil {
		return false, fmt.Errorf("sox stats: parse RMS lev dB: %w", err)
	}

	d.logger.Debug("silence detector", zap.String("path", path), zap.Float64("rms_db", rmsDB), zap.Float64("threshold_db", thresholdDB))
	return rmsDB < thresholdDB, nil
}
