package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/infrastructure/vaultsecrets"
)

// LyricsResult pairs a time-aligned lyrics document with which backend
// produced it.
type LyricsResult struct {
	Doc    entities.LyricsDoc
	Source entities.LyricsSource
}

// LyricsProvider runs the external_api -> asr fallback chain the spec's
// lyrics capability requires: a hosted lyrics lookup first, falling
// back to local speech recognition against the already-separated
// vocals stem when no match is found or the API is unavailable.
type LyricsProvider interface {
	Provide(ctx context.Context, title string, vocalsStemPath string) (LyricsResult, error)
	// LookupExternal tries only the external_api leg, used by the Analyze
	// Runner (§4.5.2: "external only") which leaves lyrics null rather
	// than falling through to ASR when no match exists. found is false
	// with a nil error both when there is no match and when the lookup
	// itself fails; the returned error is always nil.
	LookupExternal(ctx context.Context, title string) (doc entities.LyricsDoc, found bool, err error)
}

type lyricsProvider struct {
	chain   *FallbackChain
	secrets *vaultsecrets.Store
	httpClient *http.Client
	logger  *zap.Logger
}

// NewLyricsProvider builds the external_api/asr chain. secrets supplies
// the external API's credentials per capability, the same
// vaultsecrets.Store every Analyzer Adapter with a hosted backend uses.
func NewLyricsProvider(logger *zap.Logger, secrets *vaultsecrets.Store, httpClient *http.Client) LyricsProvider {
	names := []string{string(entities.LyricsSourceExternalAPI), string(entities.LyricsSourceASR)}
	return &lyricsProvider{
		chain:      newFallbackChain(logger, names, nil),
		secrets:    secrets,
		httpClient: httpClient,
		logger:     logger,
	}
}

type externalLyricsResponse struct {
	Lines []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"lines"`
}

func (p *lyricsProvider) Provide(ctx context.Context, title string, vocalsStemPath string) (LyricsResult, error) {
	fns := []func(ctx context.Context) (interface{}, error){
		func(ctx context.Context) (interface{}, error) { return p.fetchExternal(ctx, title) },
		func(ctx context.Context) (interface{}, error) { return p.transcribeASR(ctx, vocalsStemPath) },
	}

	result, sourceName, err := p.chain.run(ctx, fns)
	if err != nil {
		return LyricsResult{}, common.ClassifyAdapterErr(err, entities.ErrAnalyzerFailure, "lyrics retrieval exhausted every backend")
	}
	doc, _ := result.(entities.LyricsDoc)
	return LyricsResult{Doc: doc, Source: entities.LyricsSource(sourceName)}, nil
}

func (p *lyricsProvider) LookupExternal(ctx context.Context, title string) (entities.LyricsDoc, bool, error) {
	doc, err := p.fetchExternal(ctx, title)
	if err != nil {
		return entities.LyricsDoc{}, false, nil
	}
	return doc, true, nil
}

func (p *lyricsProvider) fetchExternal(ctx context.Context, title string) (entities.LyricsDoc, error) {
	creds, err := p.secrets.CredentialsFor("lyrics.external_api")
	if err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api credentials: %w", err)
	}
	if creds.APIKey == "" || creds.BaseURL == "" {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, creds.BaseURL+"/lyrics?title="+title, nil)
	if err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: read response: %w", err)
	}

	var parsed externalLyricsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: parse response: %w", err)
	}
	if len(parsed.Lines) == 0 {
		return entities.LyricsDoc{}, fmt.Errorf("lyrics external_api: no match")
	}

	doc := entities.LyricsDoc{Lines: make([]entities.LyricsLine, len(parsed.Lines))}
	for i, l := range parsed.Lines {
		doc.Lines[i] = entities.LyricsLine{Start: l.Start, End: l.End, Text: l.Text}
	}
	return doc, nil
}

// asrSegment is the JSON shape the local ASR CLI emits per recognized
// segment.
type asrSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

func (p *lyricsProvider) transcribeASR(ctx context.Context, vocalsStemPath string) (entities.LyricsDoc, error) {
	if vocalsStemPath == "" {
		return entities.LyricsDoc{}, fmt.Errorf("asr: no vocals stem available to transcribe")
	}

	cmd := exec.CommandContext(ctx, "whisper-asr", "--input", vocalsStemPath, "--json")
	output, err := cmd.Output()
	if err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("whisper-asr: %w", err)
	}

	var segments []asrSegment
	if err := json.Unmarshal(output, &segments); err != nil {
		return entities.LyricsDoc{}, fmt.Errorf("whisper-asr: parse output: %w", err)
	}

	doc := entities.LyricsDoc{Lines: make([]entities.LyricsLine, len(segments))}
	for i, seg := range segments {
		doc.Lines[i] = entities.LyricsLine{Start: seg.Start, End: seg.End, Text: seg.Text}
	}
	return doc, nil
}
