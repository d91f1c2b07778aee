package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgvault/tgvault/pkg/archive"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/journal"
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

type fakeSecondary struct {
	calls int
	body  string
	err   error
}

func (f *fakeSecondary) Fetch(ctx context.Context, ref retrieval.MessageRef) (io.ReadCloser, int64, error) {
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []int64
	failed    []string
}

func (n *recordingNotifier) JobCompleted(job *db.Job, file *db.File) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
}

func (n *recordingNotifier) JobFailed(job *db.Job, file *db.File, kind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, kind)
}

type fixture struct {
	store     *db.Store
	primary   *fakePrimary
	secondary *fakeSecondary
	notifier  *recordingNotifier
	worker    *Worker
}

const workerThreshold = 1024

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	primary := &fakePrimary{}
	secondary := &fakeSecondary{}
	notifier := &recordingNotifier{}
	strategy := retrieval.NewStrategy(primary, secondary, workerThreshold)
	mat := archive.NewMaterializer(archive.Layout{Root: t.TempDir()})

	w := New(store, strategy, mat, notifier, nil, Options{Tag: "test-worker"})
	return &fixture{store: store, primary: primary, secondary: secondary, notifier: notifier, worker: w}
}

// enqueueFile records a source, message and file, then enqueues a
// download job for it. Returns the file and job rows.
func (fx *fixture) enqueueFile(t *testing.T, contentID string, size int64) (*db.File, *db.Job) {
	t.Helper()
	source, err := fx.store.UpsertSource("channel", -1001234, "Fixtures", "fixtures")
	require.NoError(t, err)

	msg := &db.Message{ChatID: 42, MessageID: 7, OriginalMessageID: 7, SourceID: source.ID}
	require.NoError(t, fx.store.InsertMessage(msg))

	file, _, err := fx.store.ResolveFile(contentID, size, "document", contentID+".bin")
	require.NoError(t, err)
	_, err = fx.store.RecordReference(msg.ID, file.ID, "document", "")
	require.NoError(t, err)

	job, _, err := fx.store.Enqueue(file.ID, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	return file, job
}

func TestRunOnce_SuccessfulDownload(t *testing.T) {
	fx := newFixture(t)
	fx.primary.body = "0123456789"
	file, job := fx.enqueueFile(t, "uid-ok", 10)

	claimed, err := fx.worker.RunOnce(t.Context())
	require.NoError(t, err)
	require.True(t, claimed)

	gotJob, err := fx.store.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDone, gotJob.Status)

	gotFile, err := fx.store.GetFileByID(file.ID)
	require.NoError(t, err)
	assert.Equal(t, db.FileStatusDownloaded, gotFile.Status)
	assert.NotEmpty(t, gotFile.SHA256)

	data, err := os.ReadFile(gotFile.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))

	assert.Equal(t, 1, fx.primary.calls)
	assert.Zero(t, fx.secondary.calls)
	assert.Equal(t, []int64{job.ID}, fx.notifier.completed)
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	fx := newFixture(t)

	// Default options and a discarding notifier: an empty queue is a
	// clean no-op.
	w := New(fx.store, retrieval.NewStrategy(fx.primary, fx.secondary, workerThreshold),
		archive.NewMaterializer(archive.Layout{Root: t.TempDir()}), journal.Nop{}, nil, Options{})
	assert.NotEmpty(t, w.Tag())

	claimed, err := w.RunOnce(t.Context())
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunOnce_RetryableFailureSchedulesRetry(t *testing.T) {
	fx := newFixture(t)
	fx.primary.err = retrieval.NewFailure(retrieval.KindTransportUnavailable, "api down")
	fx.secondary.err = retrieval.NewFailure(retrieval.KindExternalTool, "exit 1")
	_, job := fx.enqueueFile(t, "uid-retry", 10)

	claimed, err := fx.worker.RunOnce(t.Context())
	require.NoError(t, err)
	require.True(t, claimed)

	gotJob, err := fx.store.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusRetry, gotJob.Status)
	assert.Equal(t, 1, gotJob.Attempt)
	assert.Equal(t, string(retrieval.KindExternalTool), gotJob.LastErrorKind)
	assert.True(t, gotJob.NextEligibleAt.After(time.Now().UTC().Add(20*time.Second)),
		"first retry should be scheduled roughly 30s out")
	assert.Empty(t, fx.notifier.completed)
	assert.Empty(t, fx.notifier.failed)
}

func TestRunOnce_NotFoundIsTerminal(t *testing.T) {
	fx := newFixture(t)
	fx.secondary.err = retrieval.NewFailure(retrieval.KindNotFound, "message deleted")
	file, job := fx.enqueueFile(t, "uid-gone", workerThreshold+1)

	claimed, err := fx.worker.RunOnce(t.Context())
	require.NoError(t, err)
	require.True(t, claimed)

	gotJob, err := fx.store.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, gotJob.Status)

	gotFile, err := fx.store.GetFileByID(file.ID)
	require.NoError(t, err)
	assert.Equal(t, db.FileStatusFailed, gotFile.Status)

	assert.Zero(t, fx.primary.calls, "oversized payload must not touch the primary transport")
	assert.Equal(t, []string{string(retrieval.KindNotFound)}, fx.notifier.failed)

	stats, err := fx.store.FailureStats("")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[string(retrieval.KindNotFound)])
}

func TestRunOnce_AlreadyDownloadedShortCircuits(t *testing.T) {
	fx := newFixture(t)
	file, job := fx.enqueueFile(t, "uid-cached", 5)

	// Materialize the file out of band and mark it DOWNLOADED, as a
	// previous run would have.
	path := filepath.Join(t.TempDir(), "cached.bin")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))
	require.NoError(t, fx.store.MarkFileDownloaded(file.ID, path, 5, "abc"))

	claimed, err := fx.worker.RunOnce(t.Context())
	require.NoError(t, err)
	require.True(t, claimed)

	gotJob, err := fx.store.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDone, gotJob.Status)
	assert.Zero(t, fx.primary.calls, "intact local copy must skip retrieval")
	assert.Zero(t, fx.secondary.calls)
}

func TestRunOnce_CorruptLocalCopyRefetches(t *testing.T) {
	fx := newFixture(t)
	fx.primary.body = "12345"
	file, job := fx.enqueueFile(t, "uid-corrupt", 5)

	// DOWNLOADED status pointing at a truncated file must not be
	// trusted.
	path := filepath.Join(t.TempDir(), "truncated.bin")
	require.NoError(t, os.WriteFile(path, []byte("12"), 0644))
	require.NoError(t, fx.store.MarkFileDownloaded(file.ID, path, 5, "abc"))

	claimed, err := fx.worker.RunOnce(t.Context())
	require.NoError(t, err)
	require.True(t, claimed)

	assert.Equal(t, 1, fx.primary.calls)

	gotJob, err := fx.store.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusDone, gotJob.Status)

	gotFile, err := fx.store.GetFileByID(file.ID)
	require.NoError(t, err)
	assert.NotEqual(t, path, gotFile.LocalPath, "refetch materializes into the archive layout")
}

func TestClassify_SizeMismatchEscalatesOnRepeat(t *testing.T) {
	fx := newFixture(t)
	err := retrieval.NewFailure(retrieval.KindSizeMismatch, "wrote 5 of 10")

	first := fx.worker.classify(&db.Job{}, err)
	assert.False(t, first.Fatal, "first size mismatch is retryable")

	second := fx.worker.classify(&db.Job{LastErrorKind: string(retrieval.KindSizeMismatch)}, err)
	assert.True(t, second.Fatal, "consecutive size mismatches stop retrying")

	other := fx.worker.classify(&db.Job{LastErrorKind: string(retrieval.KindTransportUnavailable)}, err)
	assert.False(t, other.Fatal)
}
