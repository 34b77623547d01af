package analyzers

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// Segmenter derives a structure segmentation from a track's chord data,
// producing contiguous Sections, each labelled "unlabeled".
// recommendation_service.go scores and ranks candidates with plain
// math + sort.Slice rather than an external library; the boundary
// detector below follows the same shape, scoring each chord change and
// keeping the highest-scoring changes, at least minSectionSec apart, as
// boundaries. The beat interval argument is not used.
type Segmenter interface {
	Segment(ctx context.Context, durationSeconds float64, chords []entities.ChordEvent, beatIntervalSeconds float64) ([]entities.Section, error)
}

type noveltySegmenter struct {
	logger       *zap.Logger
	minSectionSec float64
}

// NewNoveltySegmenter builds a Segmenter that places boundaries at the
// highest-scoring chord changes, the same distance-scoring-then-sort
// shape recommendation_service.go uses for similarity ranking.
func NewNoveltySegmenter(logger *zap.Logger) Segmenter {
	return &noveltySegmenter{logger: logger, minSectionSec: 4.0}
}

type boundaryCandidate struct {
	time  float64
	score float64
}

func (s *noveltySegmenter) Segment(ctx context.Context, durationSeconds float64, chords []entities.ChordEvent, beatIntervalSeconds float64) ([]entities.Section, error) {
	if durationSeconds <= 0 {
		return nil, common.Classify(entities.ErrAnalyzerFailure, "cannot segment a zero-length source", nil)
	}
	if len(chords) == 0 {
		return []entities.Section{{Start: 0, End: durationSeconds, Label: "unlabeled", Confidence: 0}}, nil
	}

	candidates := s.noveltyCandidates(chords)
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	boundaries := s.selectBoundaries(candidates, durationSeconds)
	sort.Float64s(boundaries)

	sections := make([]entities.Section, 0, len(boundaries)+1)
	prev := 0.0
	for _, b := range boundaries {
		sections = append(sections, entities.Section{Start: prev, End: b, Label: "unlabeled", Confidence: 0.5})
		prev = b
	}
	sections = append(sections, entities.Section{Start: prev, End: durationSeconds, Label: "unlabeled", Confidence: 0.5})
	return sections, nil
}

// noveltyCandidates scores every chord-change point (a label different
// from the previous chord's) as 1.0 plus the absolute difference of the
// two chords' confidences, using label inequality as a coarse distance (a real harmonic-distance metric is a model
// capability concern, not this package's).
func (s *noveltySegmenter) noveltyCandidates(chords []entities.ChordEvent) []boundaryCandidate {
	candidates := make([]boundaryCandidate, 0, len(chords))
	for i := 1; i < len(chords); i++ {
		if chords[i].Label == chords[i-1].Label {
			continue
		}
		score := math.Abs(chords[i].Confidence - chords[i-1].Confidence)
		candidates = append(candidates, boundaryCandidate{time: chords[i].Timestamp, score: score + 1.0})
	}
	return candidates
}

// selectBoundaries walks the score-sorted candidates, keeping a
// boundary only if it is at least minSectionSec away from every
// boundary already accepted, so high-score peaks don't collapse into a
// cluster of near-duplicate section edges.
func (s *noveltySegmenter) selectBoundaries(candidates []boundaryCandidate, durationSeconds float64) []float64 {
	var accepted []float64
	for _, c := range candidates {
		if c.time <= 0 || c.time >= durationSeconds {
			continue
		}
		tooClose := false
		for _, a := range accepted {
			if math.Abs(a-c.time) < s.minSectionSec {
				tooClose = true
				break
			}
		}
		if !tooClose {
			accepted = append(accepted, c.time)
		}
	}
	return accepted
}
