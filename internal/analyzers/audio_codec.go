package analyzers

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// AudioCodec transcodes and probes source audio. Grounded on
// mastering_service.go's direct ffmpeg exec.Command usage for both
// analysis (loudnorm probe) and transcoding (filter chain + format
// flags), generalized from a fixed mastering filter chain to a plain
// "make this file a canonical PCM wav the rest of the pipeline can read"
// transcode.
type AudioCodec interface {
	// Transcode converts inputPath to 44.1kHz 16-bit PCM wav at
	// outputPath, the format every downstream Analyzer Adapter expects.
	Transcode(ctx context.Context, inputPath, outputPath string) error
	// Probe returns the duration in seconds of the file at path.
	Probe(ctx context.Context, path string) (float64, error)
}

type ffmpegCodec struct {
	logger *zap.Logger
}

// NewFFmpegCodec builds an AudioCodec backed by the ffmpeg CLI, the same
// tool mastering_service.go shells out to for both its loudness probe
// and its mastering render.
func NewFFmpegCodec(logger *zap.Logger) AudioCodec {
	return &ffmpegCodec{logger: logger}
}

func (c *ffmpegCodec) Transcode(ctx context.Context, inputPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", inputPath,
		"-ar", "44100",
		"-ac", "2",
		"-sample_fmt", "s16",
		outputPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return common.ClassifyAdapterErr(fmt.Errorf("ffmpeg transcode: %s: %w", string(output), err), entities.ErrCodecFailure, "audio transcode failed")
	}
	return nil
}

func (c *ffmpegCodec) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, common.ClassifyAdapterErr(fmt.Errorf("ffprobe: %w", err), entities.ErrCodecFailure, "audio duration probe failed")
	}

	duration, err := strconv.ParseFloat(trimNewline(string(output)), 64)
	if err != nil {
		return 0, common.Classify(entities.ErrCodecFailure, "ffprobe returned a non-numeric duration", err)
	}
	return duration, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
