// Package transport provides the concrete primary and secondary
// fetcher implementations behind the retrieval strategy interfaces.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tgvault/tgvault/pkg/retrieval"
)

// FileAPI fetches payloads through the platform's direct file endpoint.
// It is the primary transport: preferred for latency, limited in the
// payload sizes it will serve.
type FileAPI struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewFileAPI creates the primary fetcher. baseURL is the API host
// without a trailing slash.
func NewFileAPI(baseURL, token string) *FileAPI {
	return &FileAPI{
		// No overall timeout: body streaming time is bounded by the
		// job staleness threshold, not a per-call deadline.
		client:  &http.Client{},
		baseURL: baseURL,
		token:   token,
	}
}

// Fetch retrieves the payload for a content identifier. The returned
// length is the server-reported Content-Length, -1 when unknown.
func (a *FileAPI) Fetch(ctx context.Context, contentID string) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/file/bot%s/%s", a.baseURL, a.token, contentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, retrieval.NewFailure(retrieval.KindTransportUnavailable, "build request: %v", err)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		slog.Warn("primary_fetch_unreachable", "content_id", contentID, "error", err)
		return nil, 0, retrieval.NewFailure(retrieval.KindTransportUnavailable, "%v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		slog.Info("primary_fetch_ok",
			"content_id", contentID,
			"content_length", resp.ContentLength,
			"elapsed_ms", time.Since(start).Milliseconds())
		return resp.Body, resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		resp.Body.Close()
		return nil, 0, retrieval.NewFailure(retrieval.KindNotFound, "http %d for %s", resp.StatusCode, contentID)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, 0, retrieval.NewFailure(retrieval.KindTransportUnavailable, "http %d", resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, 0, retrieval.NewFailure(retrieval.KindExternalTool, "unexpected http %d", resp.StatusCode)
	}
}
