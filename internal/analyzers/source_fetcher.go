package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// FetchedSource is the result of resolving and downloading one source
// identity's master audio into blob storage.
type FetchedSource struct {
	BlobRef         blobstore.BlobRef
	Title           string
	DurationSeconds float64
	ThumbnailRef    string
	SizeBytes       int64
}

// SourceSummary is one search_sources result: enough to let a caller pick
// a source_id to hand to request_fetch without resolving the full record.
type SourceSummary struct {
	SourceID        entities.SourceID `json:"source_id"`
	Title           string            `json:"title"`
	DurationSeconds float64           `json:"duration_seconds"`
	ThumbnailRef    string            `json:"thumbnail_ref"`
}

// SourceFetcher resolves a source identity to its master audio and
// streams it into the Artifact Store, and backs search_sources. The
// control surface proxies search_sources straight to Search.
type SourceFetcher interface {
	Fetch(ctx context.Context, id entities.SourceID, sourceURL string) (FetchedSource, error)
	Search(ctx context.Context, query string) ([]SourceSummary, error)
}

type httpSourceFetcher struct {
	httpClient *http.Client
	blobs      *blobstore.Store
	maxBytes   int64
	searchURL  string
	logger     *zap.Logger
}

// NewHTTPSourceFetcher builds a SourceFetcher that downloads over HTTP(S)
// and writes the result through the blob store. An empty searchURL makes
// Search always return an empty result set rather than erroring, since
// search is an optional capability of the upstream source provider.
func NewHTTPSourceFetcher(httpClient *http.Client, blobs *blobstore.Store, maxBytes int64, searchURL string, logger *zap.Logger) SourceFetcher {
	return &httpSourceFetcher{httpClient: httpClient, blobs: blobs, maxBytes: maxBytes, searchURL: searchURL, logger: logger}
}

func (f *httpSourceFetcher) Search(ctx context.Context, query string) ([]SourceSummary, error) {
	if f.searchURL == "" {
		return nil, nil
	}

	reqURL := f.searchURL + "?q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, common.Classify(entities.ErrBadInput, "malformed search query", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, common.ClassifyAdapterErr(err, entities.ErrSourceUnavailable, "source search request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, common.Classify(entities.ErrRateLimited, "source provider rate limited this search", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, common.Classify(entities.ErrSourceUnavailable, fmt.Sprintf("source provider returned status %d", resp.StatusCode), nil)
	}

	var results []SourceSummary
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, common.Classify(entities.ErrSourceUnavailable, "source provider returned an unparseable search response", err)
	}
	return results, nil
}

func (f *httpSourceFetcher) Fetch(ctx context.Context, id entities.SourceID, sourceURL string) (FetchedSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return FetchedSource{}, common.Classify(entities.ErrBadInput, "malformed source URL", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return FetchedSource{}, common.ClassifyAdapterErr(err, entities.ErrSourceUnavailable, "source fetch request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return FetchedSource{}, common.Classify(entities.ErrRateLimited, "source provider rate limited this request", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return FetchedSource{}, common.Classify(entities.ErrSourceUnavailable, fmt.Sprintf("source provider returned status %d", resp.StatusCode), nil)
	}
	if resp.ContentLength > 0 && resp.ContentLength > f.maxBytes {
		return FetchedSource{}, common.Classify(entities.ErrUploadTooLarge, "source exceeds the configured size cap", nil)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}

	ext := extensionFromContentType(resp.Header.Get("Content-Type"))
	ref, size, err := f.blobs.PutBlob(ctx, id, blobstore.KindMasterAudio, ext, body)
	if err != nil {
		return FetchedSource{}, common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "writing fetched source to blob storage failed")
	}
	if f.maxBytes > 0 && size > f.maxBytes {
		_ = f.blobs.DeleteBlob(ref)
		return FetchedSource{}, common.Classify(entities.ErrUploadTooLarge, "source exceeds the configured size cap", nil)
	}

	return FetchedSource{
		BlobRef:   ref,
		Title:     titleFromURL(sourceURL),
		SizeBytes: size,
	}, nil
}

func extensionFromContentType(contentType string) string {
	switch {
	case strings.Contains(contentType, "mpeg"), strings.Contains(contentType, "mp3"):
		return "mp3"
	case strings.Contains(contentType, "wav"):
		return "wav"
	case strings.Contains(contentType, "flac"):
		return "flac"
	default:
		return "audio"
	}
}

func titleFromURL(sourceURL string) string {
	parts := strings.Split(strings.TrimSuffix(sourceURL, "/"), "/")
	if len(parts) == 0 {
		return sourceURL
	}
	return parts[len(parts)-1]
}
