// Package worker runs the long-lived claim/execute/complete loop that
// drains the download job queue.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tgvault/tgvault/pkg/archive"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/journal"
	"github.com/tgvault/tgvault/pkg/retrieval"
)

// Mirrorer uploads a materialized file to an off-site copy.
type Mirrorer interface {
	Upload(ctx context.Context, localPath, archiveRoot string) error
}

// Options configures a Worker.
type Options struct {
	Policy         db.RetryPolicy
	PollInterval   time.Duration
	StaleThreshold time.Duration
	// Tag identifies this worker in job owner columns. Generated when
	// empty.
	Tag string
}

// Worker claims one job at a time, executes the retrieval strategy and
// finalizes the file. Concurrency is one by design: the secondary
// transport is bound to a single authenticated session.
type Worker struct {
	store    *db.Store
	strategy *retrieval.Strategy
	mat      *archive.Materializer
	notifier journal.Notifier
	mirror   Mirrorer
	opts     Options
}

// New creates a worker. notifier must be non-nil (use journal.Nop to
// discard); mirror may be nil when mirroring is disabled.
func New(store *db.Store, strategy *retrieval.Strategy, mat *archive.Materializer, notifier journal.Notifier, mirror Mirrorer, opts Options) *Worker {
	if opts.Tag == "" {
		opts.Tag = "worker-" + uuid.NewString()[:8]
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 30 * time.Minute
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = db.DefaultRetryPolicy()
	}
	return &Worker{
		store:    store,
		strategy: strategy,
		mat:      mat,
		notifier: notifier,
		mirror:   mirror,
		opts:     opts,
	}
}

// Tag returns the worker's owner tag.
func (w *Worker) Tag() string {
	return w.opts.Tag
}

// Run recovers stale jobs once, then polls the queue until ctx is
// cancelled. A single job's failure never aborts the loop.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker_started", "tag", w.opts.Tag, "poll_interval", w.opts.PollInterval)

	recovered, err := w.store.RecoverStale(ctx, w.opts.StaleThreshold, time.Now(), w.opts.Policy)
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Info("worker_recovered_stale_jobs", "count", recovered)
	}

	for {
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			slog.Error("worker_iteration_failed", "error", err)
		}
		if claimed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			slog.Info("worker_stopped", "tag", w.opts.Tag)
			return nil
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce claims and processes at most one job. It reports whether a
// job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.opts.Tag, time.Now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *db.Job) {
	slog.Info("job_processing", "job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempt)

	file, err := w.store.GetFileByID(job.FileID)
	if err != nil {
		w.complete(ctx, job, nil, db.RetryableFailure(string(retrieval.KindTransportUnavailable), err.Error()))
		return
	}
	if file == nil {
		w.complete(ctx, job, nil, db.FatalFailure(string(retrieval.KindNotFound), "file row missing"))
		return
	}

	// Verify-before-trust: a file marked DOWNLOADED is re-checked on
	// disk before the cached status short-circuits the job.
	if file.Status == db.FileStatusDownloaded && file.LocalPath != "" &&
		archive.Verify(file.LocalPath, file.LocalSize) {
		slog.Info("job_already_downloaded", "job_id", job.ID, "file_id", file.ID, "path", file.LocalPath)
		w.complete(ctx, job, file, db.Succeeded(file.LocalPath, file.LocalSize, file.SHA256))
		return
	}

	req, finalPath := w.buildRequest(file, job)

	body, reported, err := w.strategy.Fetch(ctx, req)
	if err != nil {
		w.complete(ctx, job, file, w.classify(job, err))
		return
	}

	declared := file.Size
	if declared <= 0 {
		declared = reported
	}

	result, err := w.mat.Materialize(finalPath, body, declared)
	body.Close()
	if err != nil {
		w.complete(ctx, job, file, w.classify(job, err))
		return
	}

	w.complete(ctx, job, file, db.Succeeded(result.Path, result.Size, result.SHA256))

	if w.mirror != nil {
		if err := w.mirror.Upload(ctx, result.Path, w.mat.Layout().Root); err != nil {
			slog.Warn("job_mirror_failed", "job_id", job.ID, "path", result.Path, "error", err)
		}
	}
}

// buildRequest assembles the retrieval request from the job's message
// and source provenance. Missing provenance degrades to a zero message
// reference, which the secondary transport classifies as unreachable.
func (w *Worker) buildRequest(file *db.File, job *db.Job) (retrieval.Request, string) {
	var ref retrieval.MessageRef
	sourceKind := "unknown"
	var sourceChatID int64
	var title string

	message, err := w.store.GetMessageByID(job.MessageID)
	if err != nil {
		slog.Warn("job_message_lookup_failed", "job_id", job.ID, "message_id", job.MessageID, "error", err)
	}
	if message != nil {
		ref.MessageID = message.OriginalMessageID
		if message.SourceID != 0 {
			source, err := w.store.GetSourceByID(message.SourceID)
			if err != nil {
				slog.Warn("job_source_lookup_failed", "job_id", job.ID, "source_id", message.SourceID, "error", err)
			}
			if source != nil {
				ref.Username = source.Username
				ref.ChatID = source.ChatID
				sourceKind = source.Kind
				sourceChatID = source.ChatID
				title = source.Title
			}
		}
	}

	finalPath := w.mat.Layout().FilePath(sourceKind, sourceChatID, title, file.ContentID, file.OriginalName)
	return retrieval.Request{
		ContentID:    file.ContentID,
		DeclaredSize: file.Size,
		Ref:          ref,
	}, finalPath
}

// classify turns a retrieval or materialization error into a job
// outcome. A size mismatch is retryable once; a second consecutive one
// is escalated to fatal.
func (w *Worker) classify(job *db.Job, err error) db.Outcome {
	f := retrieval.AsFailure(err)
	fatal := f.Fatal()
	if f.Kind == retrieval.KindSizeMismatch && job.LastErrorKind == string(retrieval.KindSizeMismatch) {
		fatal = true
	}
	if fatal {
		return db.FatalFailure(string(f.Kind), f.Message)
	}
	return db.RetryableFailure(string(f.Kind), f.Message)
}

// complete applies the outcome and fires the notifier. Notifications
// are fire-and-forget and never affect the store transaction.
func (w *Worker) complete(ctx context.Context, job *db.Job, file *db.File, outcome db.Outcome) {
	if err := w.store.Complete(ctx, job, outcome, w.opts.Policy, time.Now()); err != nil {
		slog.Error("job_complete_failed", "job_id", job.ID, "error", err)
		return
	}
	if file == nil {
		return
	}
	switch job.Status {
	case db.JobStatusDone:
		file.LocalPath = outcome.LocalPath
		file.LocalSize = outcome.LocalSize
		file.SHA256 = outcome.SHA256
		w.notifier.JobCompleted(job, file)
	case db.JobStatusFailed:
		w.notifier.JobFailed(job, file, outcome.ErrorKind, outcome.ErrorMessage)
	}
}
