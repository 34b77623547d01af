package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// ChordResult pairs detected chord events with which backend in the
// fallback chain actually produced them.
type ChordResult struct {
	Events []entities.ChordEvent
	Source entities.ChordSource
}

// ChordDetector runs the primary -> secondary -> hybrid fallback chain
// the spec's chord capability requires, each backend circuit-broken
// independently so a dead one is skipped rather than retried per call.
type ChordDetector interface {
	Detect(ctx context.Context, audioPath string) (ChordResult, error)
	// DetectWith runs a single named backend instead of the full fallback
	// chain, for request_regenerate_chords's explicit backend choice. An
	// unrecognized source falls back to the ordinary chain.
	DetectWith(ctx context.Context, audioPath string, source entities.ChordSource) (ChordResult, error)
}

// chordBackendCmd is one exec-based chord recognition tool: a distinct
// CLI per backend tier, mirroring stem_separation_service.go's pattern
// of shelling out to a purpose-built binary/script per analysis stage.
type chordBackendCmd struct {
	source  entities.ChordSource
	command string
	args    []string
}

// chordDetector composes the three backend tiers into one FallbackChain.
type chordDetector struct {
	chain    *FallbackChain
	backends []chordBackendCmd
	logger   *zap.Logger
}

// NewChordDetector wires the primary/secondary/hybrid tiers. primaryCmd
// is expected to be the most accurate (and most failure-prone, e.g. a
// hosted model); secondaryCmd a local deterministic chord-estimation
// tool; hybridCmd a last-resort combination of the two.
func NewChordDetector(logger *zap.Logger, primaryCmd, secondaryCmd, hybridCmd []string) ChordDetector {
	backends := []chordBackendCmd{
		{source: entities.ChordSourcePrimary, command: primaryCmd[0], args: primaryCmd[1:]},
		{source: entities.ChordSourceFallback, command: secondaryCmd[0], args: secondaryCmd[1:]},
		{source: entities.ChordSourceHybrid, command: hybridCmd[0], args: hybridCmd[1:]},
	}
	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = string(b.source)
	}
	return &chordDetector{
		chain:    newFallbackChain(logger, names, nil),
		backends: backends,
		logger:   logger,
	}
}

// chordCmdOutput is the JSON array each backend CLI is expected to print
// to stdout: [{"timestamp":0.0,"label":"C:maj","confidence":0.91}, ...]
type chordCmdOutput struct {
	Timestamp  float64 `json:"timestamp"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (d *chordDetector) Detect(ctx context.Context, audioPath string) (ChordResult, error) {
	fns := make([]func(ctx context.Context) (interface{}, error), len(d.backends))
	for i, backend := range d.backends {
		backend := backend
		fns[i] = func(ctx context.Context) (interface{}, error) {
			return d.runBackend(ctx, backend, audioPath)
		}
	}

	result, sourceName, err := d.chain.run(ctx, fns)
	if err != nil {
		return ChordResult{}, common.ClassifyAdapterErr(err, entities.ErrAnalyzerFailure, "chord detection exhausted every backend")
	}
	events, _ := result.([]entities.ChordEvent)
	return ChordResult{Events: events, Source: entities.ChordSource(sourceName)}, nil
}

func (d *chordDetector) DetectWith(ctx context.Context, audioPath string, source entities.ChordSource) (ChordResult, error) {
	for _, backend := range d.backends {
		if backend.source != source {
			continue
		}
		events, err := d.runBackend(ctx, backend, audioPath)
		if err != nil {
			return ChordResult{}, common.ClassifyAdapterErr(err, entities.ErrAnalyzerFailure, fmt.Sprintf("%s chord backend failed", source))
		}
		return ChordResult{Events: events, Source: source}, nil
	}
	return d.Detect(ctx, audioPath)
}

func (d *chordDetector) runBackend(ctx context.Context, backend chordBackendCmd, audioPath string) ([]entities.ChordEvent, error) {
	args := append(append([]string(nil), backend.args...), audioPath)
	cmd := exec.CommandContext(ctx, backend.command, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", backend.command, err)
	}

	var raw []chordCmdOutput
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse output: %w", backend.command, err)
	}

	events := make([]entities.ChordEvent, len(raw))
	for i, r := range raw {
		events[i] = entities.ChordEvent{Timestamp: r.Timestamp, Label: r.Label, Confidence: r.Confidence}
	}
	return events, nil
}
