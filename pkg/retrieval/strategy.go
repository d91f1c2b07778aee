package retrieval

import (
	"context"
	"io"
	"log/slog"
)

// MessageRef locates the original message on the upstream platform, for
// transports that fetch by source/message reference instead of content
// identifier.
type MessageRef struct {
	Username  string
	ChatID    int64
	MessageID int64
}

// PrimaryFetcher is the direct, size-limited fetch API.
type PrimaryFetcher interface {
	Fetch(ctx context.Context, contentID string) (io.ReadCloser, int64, error)
}

// SecondaryFetcher is the fallback transport, an external tool capable
// of larger transfers. It may take arbitrarily long and is cancellable
// only by process exit.
type SecondaryFetcher interface {
	Fetch(ctx context.Context, ref MessageRef) (io.ReadCloser, int64, error)
}

// Request describes one retrieval attempt.
type Request struct {
	ContentID    string
	DeclaredSize int64
	Ref          MessageRef
}

// Strategy decides which transport serves a request. It holds no
// persistent state and never retries internally; retry is entirely the
// job queue's responsibility.
type Strategy struct {
	primary   PrimaryFetcher
	secondary SecondaryFetcher
	threshold int64
}

// NewStrategy creates a strategy with the given size threshold for the
// primary transport.
func NewStrategy(primary PrimaryFetcher, secondary SecondaryFetcher, threshold int64) *Strategy {
	return &Strategy{primary: primary, secondary: secondary, threshold: threshold}
}

// Fetch retrieves the payload. Payloads at or under the threshold go
// through the primary transport first; on any primary failure the
// secondary transport is attempted within the same call. Oversized
// payloads go straight to the secondary transport. The returned length
// is the source-reported one, for verification by the caller.
func (s *Strategy) Fetch(ctx context.Context, req Request) (io.ReadCloser, int64, error) {
	if req.DeclaredSize > s.threshold {
		slog.Info("retrieval_secondary_direct",
			"content_id", req.ContentID, "declared_size", req.DeclaredSize, "threshold", s.threshold)
		body, n, err := s.secondary.Fetch(ctx, req.Ref)
		if err != nil {
			return nil, 0, AsFailure(err)
		}
		return body, n, nil
	}

	body, n, primaryErr := s.primary.Fetch(ctx, req.ContentID)
	if primaryErr == nil {
		return body, n, nil
	}

	pf := AsFailure(primaryErr)
	slog.Warn("retrieval_primary_failed_falling_back",
		"content_id", req.ContentID, "error_kind", pf.Kind, "error", pf.Message)

	body, n, secondaryErr := s.secondary.Fetch(ctx, req.Ref)
	if secondaryErr != nil {
		sf := AsFailure(secondaryErr)
		return nil, 0, NewFailure(sf.Kind, "secondary: %s (primary: %s)", sf.Message, pf.Message)
	}
	return body, n, nil
}
