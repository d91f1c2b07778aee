package ingest

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgvault/tgvault/pkg/archive"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/retrieval"
)

type fakePrimary struct {
	calls int
	body  string
	err   error
}

func (f *fakePrimary) Fetch(ctx context.Context, contentID string) (io.ReadCloser, int64, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

const ingestThreshold = 1024

func newService(t *testing.T, primary retrieval.PrimaryFetcher) (*Service, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mat := archive.NewMaterializer(archive.Layout{Root: t.TempDir()})
	return NewService(store, primary, mat, ingestThreshold), store
}

func event(messageID int64, files ...FileRef) *Event {
	return &Event{
		ChatID:    42,
		MessageID: messageID,
		Source:    &SourceInfo{Kind: "channel", ChatID: -1001234, Title: "News"},
		Files:     files,
	}
}

func TestHandleMessage_SmallFileMaterializedInline(t *testing.T) {
	primary := &fakePrimary{body: "tiny payload"}
	svc, store := newService(t, primary)

	ev := event(1, FileRef{ContentID: "uid-small", Size: int64(len("tiny payload")), OriginalName: "note.txt"})
	require.NoError(t, svc.HandleMessage(t.Context(), ev))

	file, err := store.GetFileByContentID("uid-small")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, db.FileStatusDownloaded, file.Status)

	data, err := os.ReadFile(file.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "tiny payload", string(data))

	// Inline materialization never touches the queue.
	job, err := store.ActiveJobForFile(file.ID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestHandleMessage_OversizedFileEnqueued(t *testing.T) {
	primary := &fakePrimary{body: "should not be fetched"}
	svc, store := newService(t, primary)

	ev := event(1, FileRef{ContentID: "uid-big", Size: ingestThreshold + 1, Kind: "video"})
	require.NoError(t, svc.HandleMessage(t.Context(), ev))

	assert.Zero(t, primary.calls)

	file, err := store.GetFileByContentID("uid-big")
	require.NoError(t, err)
	assert.Equal(t, db.FileStatusPending, file.Status)

	job, err := store.ActiveJobForFile(file.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, db.JobStatusQueued, job.Status)
}

func TestHandleMessage_InlineFailureFallsBackToQueue(t *testing.T) {
	primary := &fakePrimary{err: retrieval.NewFailure(retrieval.KindTransportUnavailable, "api down")}
	svc, store := newService(t, primary)

	ev := event(1, FileRef{ContentID: "uid-flaky", Size: 100})
	require.NoError(t, svc.HandleMessage(t.Context(), ev))

	assert.Equal(t, 1, primary.calls)

	file, err := store.GetFileByContentID("uid-flaky")
	require.NoError(t, err)
	job, err := store.ActiveJobForFile(file.ID)
	require.NoError(t, err)
	require.NotNil(t, job, "failed inline fetch hands the file to the worker")
}

func TestHandleMessage_DoubleForwardOneFileOneJob(t *testing.T) {
	svc, store := newService(t, nil)

	ref := FileRef{ContentID: "uid-dup", Size: ingestThreshold + 1, Kind: "video", OriginalName: "clip.mp4"}
	require.NoError(t, svc.HandleMessage(t.Context(), event(1, ref)))
	require.NoError(t, svc.HandleMessage(t.Context(), event(2, ref)))

	file, err := store.GetFileByContentID("uid-dup")
	require.NoError(t, err)

	refs, err := store.CountReferences(file.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, refs, "each forward records its own reference")

	files, err := store.ListFiles()
	require.NoError(t, err)
	count := 0
	for _, f := range files {
		if f.ContentID == "uid-dup" {
			count++
		}
	}
	assert.Equal(t, 1, count, "one content row regardless of forwards")

	job, err := store.ActiveJobForFile(file.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 0, job.Attempt, "second forward must not reset or duplicate the active job")
}

func TestHandleMessage_DedupSkipsDownloadedContent(t *testing.T) {
	primary := &fakePrimary{body: "cached"}
	svc, store := newService(t, primary)

	ref := FileRef{ContentID: "uid-cached", Size: int64(len("cached"))}
	require.NoError(t, svc.HandleMessage(t.Context(), event(1, ref)))
	require.Equal(t, 1, primary.calls)

	// The same content forwarded again is not re-fetched while the
	// local copy is intact.
	require.NoError(t, svc.HandleMessage(t.Context(), event(2, ref)))
	assert.Equal(t, 1, primary.calls)

	// Remove the local copy: the cached status is no longer trusted and
	// the content is fetched again.
	file, err := store.GetFileByContentID("uid-cached")
	require.NoError(t, err)
	require.NoError(t, os.Remove(file.LocalPath))

	require.NoError(t, svc.HandleMessage(t.Context(), event(3, ref)))
	assert.Equal(t, 2, primary.calls)
}

func TestHandleMessage_NoPrimaryEnqueuesEverything(t *testing.T) {
	svc, store := newService(t, nil)

	ev := event(1, FileRef{ContentID: "uid-nop", Size: 10})
	require.NoError(t, svc.HandleMessage(t.Context(), ev))

	file, err := store.GetFileByContentID("uid-nop")
	require.NoError(t, err)
	job, err := store.ActiveJobForFile(file.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
}
