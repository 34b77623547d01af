package analyzers

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// Separator splits a master audio file into named stems for one model.
// Grounded on stem_separation_service.go's SeparateStems, generalized
// from the teacher's fixed vocals/drums/bass/other quartet to the
// model-dependent StemName set §4.5.3 requires, and from a result struct
// persisted straight to Postgres to a plain map the Extract Stage Runner
// streams to blob storage itself.
type Separator interface {
	// Separate writes one file per requested stem under outputDir and
	// returns the stem -> file path map. progress is called with values
	// in [0,1] as sox/the separation script reports coarse progress; the
	// Extract Stage Runner interpolates per-stem progress from it.
	Separate(ctx context.Context, masterAudioPath, outputDir, modelID string, requested []entities.StemName, progress func(float64)) (map[entities.StemName]string, error)
}

// execSeparator shells out to sox for the harmonic/percussive split and a
// small librosa/sklearn script for the NMF-based bass/other split, the
// same two-stage pipeline stem_separation_service.go runs (applyHPSS +
// applyNMF), generalized to whichever stems the model is asked to
// produce instead of always producing all four.
type execSeparator struct {
	logger *zap.Logger
}

// NewExecSeparator builds a Separator that shells out to sox/python3, the
// grounding teacher pipeline.
func NewExecSeparator(logger *zap.Logger) Separator {
	return &execSeparator{logger: logger}
}

func (s *execSeparator) Separate(ctx context.Context, masterAudioPath, outputDir, modelID string, requested []entities.StemName, progress func(float64)) (map[entities.StemName]string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, common.Classify(entities.ErrStorageFailure, "could not create separation output directory", err)
	}

	want := make(map[entities.StemName]bool, len(requested))
	for _, stem := range requested {
		want[stem] = true
	}

	out := make(map[entities.StemName]string)
	progressed := 0.0
	step := 1.0 / float64(len(requested))

	if want[entities.StemVocals] || want[entities.StemDrums] {
		vocalsPath := filepath.Join(outputDir, "vocals.wav")
		drumsPath := filepath.Join(outputDir, "drums.wav")
		if err := s.applyHPSS(ctx, masterAudioPath, vocalsPath, drumsPath, want); err != nil {
			return nil, common.ClassifyAdapterErr(err, entities.ErrSeparatorFailure, "harmonic/percussive separation failed")
		}
		if want[entities.StemVocals] {
			out[entities.StemVocals] = vocalsPath
			progressed += step
			progress(progressed)
		}
		if want[entities.StemDrums] {
			out[entities.StemDrums] = drumsPath
			progressed += step
			progress(progressed)
		}
	}

	if want[entities.StemBass] || want[entities.StemOther] {
		bassPath := filepath.Join(outputDir, "bass.wav")
		otherPath := filepath.Join(outputDir, "other.wav")
		if err := s.applyNMF(ctx, masterAudioPath, bassPath, otherPath, want); err != nil {
			return nil, common.ClassifyAdapterErr(err, entities.ErrSeparatorFailure, "NMF separation failed")
		}
		if want[entities.StemBass] {
			out[entities.StemBass] = bassPath
			progressed += step
			progress(progressed)
		}
		if want[entities.StemOther] {
			out[entities.StemOther] = otherPath
			progressed += step
			progress(progressed)
		}
	}

	return out, nil
}

// applyHPSS mirrors stem_separation_service.go's sox-based harmonic
// (vocals-band) / percussive (drums-band) filter split.
func (s *execSeparator) applyHPSS(ctx context.Context, inputPath, vocalsPath, drumsPath string, want map[entities.StemName]bool) error {
	if want[entities.StemVocals] {
		cmd := exec.CommandContext(ctx, "sox", inputPath, vocalsPath, "highpass", "200", "lowpass", "8000")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("vocals band separation: %w", err)
		}
	}
	if want[entities.StemDrums] {
		cmd := exec.CommandContext(ctx, "sox", inputPath, drumsPath, "lowpass", "200")
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("drums band separation: %w", err)
		}
	}
	return nil
}

// applyNMF mirrors stem_separation_service.go's librosa/sklearn NMF
// decomposition, run as a temp Python script the same way.
func (s *execSeparator) applyNMF(ctx context.Context, inputPath, bassPath, otherPath string, want map[entities.StemName]bool) error {
	script := fmt.Sprintf(`
import librosa
import numpy as np
from sklearn.decomposition import NMF
import soundfile as sf

y, sr = librosa.load(%q, sr=44100)
stft = librosa.stft(y)
magnitude = np.abs(stft)

nmf = NMF(n_components=2, random_state=42)
W = nmf.fit_transform(magnitude.T)
H = nmf.components_

bass_magnitude = np.dot(W[:, 0:1], H[0:1, :]).T
other_magnitude = np.dot(W[:, 1:2], H[1:2, :]).T

bass_stft = bass_magnitude * np.exp(1j * np.angle(stft))
other_stft = other_magnitude * np.exp(1j * np.angle(stft))

sf.write(%q, librosa.istft(bass_stft), sr)
sf.write(%q, librosa.istft(other_stft), sr)
`, inputPath, bassPath, otherPath)

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("nmf-%d.py", os.Getpid()))
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return fmt.Errorf("write NMF script: %w", err)
	}
	defer os.Remove(scriptPath)

	cmd := exec.CommandContext(ctx, "python3", scriptPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("NMF script: %s: %w", string(output), err)
	}
	return nil
}
