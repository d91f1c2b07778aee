// Package ingest is the synchronous entry point the message-ingestion
// adapter calls once per received message. It records provenance,
// deduplicates content and decides between inline materialization and
// the download queue.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/tgvault/tgvault/pkg/archive"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
	"github.com/tgvault/tgvault/pkg/retrieval"
)

// SourceInfo identifies the provenance of a forwarded message.
type SourceInfo struct {
	Kind     string `json:"kind"`
	ChatID   int64  `json:"chat_id"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// FileRef describes one piece of binary content extracted from a
// message by the adapter.
type FileRef struct {
	ContentID    string `json:"content_id"`
	Size         int64  `json:"size"`
	Kind         string `json:"kind,omitempty"`
	OriginalName string `json:"original_name,omitempty"`
	Caption      string `json:"caption,omitempty"`
}

// Event is one received message with its extracted file references.
type Event struct {
	ChatID            int64       `json:"chat_id"`
	MessageID         int64       `json:"message_id"`
	OriginalMessageID int64       `json:"original_message_id,omitempty"`
	ReceivedAt        time.Time   `json:"received_at,omitempty"`
	Source            *SourceInfo `json:"source,omitempty"`
	Files             []FileRef   `json:"files"`
}

// Service handles message events against the store.
type Service struct {
	store     *db.Store
	primary   retrieval.PrimaryFetcher
	mat       *archive.Materializer
	threshold int64
}

// NewService creates an ingest service. primary may be nil, in which
// case every file goes through the queue.
func NewService(store *db.Store, primary retrieval.PrimaryFetcher, mat *archive.Materializer, threshold int64) *Service {
	return &Service{store: store, primary: primary, mat: mat, threshold: threshold}
}

// HandleMessage records the message and its file references. Small
// payloads are fetched through the primary transport and materialized
// inline; oversized payloads, and small ones whose primary fetch
// failed, are enqueued for the worker.
func (s *Service) HandleMessage(ctx context.Context, ev *Event) error {
	var sourceID int64
	src := ev.Source
	if src == nil {
		src = &SourceInfo{Kind: "unknown"}
	}
	source, err := s.store.UpsertSource(src.Kind, src.ChatID, src.Title, src.Username)
	if err != nil {
		return errors.Wrap(err, "failed to record source")
	}
	sourceID = source.ID

	message := &db.Message{
		ChatID:            ev.ChatID,
		MessageID:         ev.MessageID,
		OriginalMessageID: ev.OriginalMessageID,
		SourceID:          sourceID,
		ReceivedAt:        ev.ReceivedAt,
	}
	if err := s.store.InsertMessage(message); err != nil {
		return errors.Wrap(err, "failed to record message")
	}

	for _, ref := range ev.Files {
		if err := s.handleFile(ctx, message, source, ref); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) handleFile(ctx context.Context, message *db.Message, source *db.Source, ref FileRef) error {
	file, isNew, err := s.store.ResolveFile(ref.ContentID, ref.Size, ref.Kind, ref.OriginalName)
	if err != nil {
		return errors.Wrap(err, "failed to resolve file")
	}
	if _, err := s.store.RecordReference(message.ID, file.ID, ref.Kind, ref.Caption); err != nil {
		return errors.Wrap(err, "failed to record reference")
	}

	// Dedup short-circuit, verify-before-trust: the cached DOWNLOADED
	// status only counts if the file is still intact on disk.
	if !isNew && file.Status == db.FileStatusDownloaded && file.LocalPath != "" &&
		archive.Verify(file.LocalPath, file.LocalSize) {
		slog.Info("ingest_deduplicated", "content_id", file.ContentID, "file_id", file.ID, "path", file.LocalPath)
		return nil
	}

	if s.primary != nil && file.Size > 0 && file.Size <= s.threshold {
		err := s.fetchInline(ctx, file, source)
		if err == nil {
			return nil
		}
		f := retrieval.AsFailure(err)
		slog.Warn("ingest_inline_fetch_failed",
			"content_id", file.ContentID, "error_kind", f.Kind, "error", f.Message)
	}

	job, created, err := s.store.Enqueue(file.ID, message.ID)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue download")
	}
	if job != nil {
		slog.Info("ingest_enqueued", "content_id", file.ContentID, "job_id", job.ID, "created", created)
	}
	return nil
}

// fetchInline retrieves a small payload through the primary transport
// and materializes it immediately, skipping the queue entirely.
func (s *Service) fetchInline(ctx context.Context, file *db.File, source *db.Source) error {
	body, reported, err := s.primary.Fetch(ctx, file.ContentID)
	if err != nil {
		return err
	}
	defer body.Close()

	declared := file.Size
	if declared <= 0 {
		declared = reported
	}

	finalPath := s.mat.Layout().FilePath(source.Kind, source.ChatID, source.Title, file.ContentID, file.OriginalName)
	result, err := s.mat.Materialize(finalPath, body, declared)
	if err != nil {
		return err
	}
	if err := s.store.MarkFileDownloaded(file.ID, result.Path, result.Size, result.SHA256); err != nil {
		return err
	}
	slog.Info("ingest_materialized_inline", "content_id", file.ContentID, "path", result.Path)
	return nil
}
