package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/pkg/archive"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
	"github.com/tgvault/tgvault/pkg/journal"
	"github.com/tgvault/tgvault/pkg/mirror"
	"github.com/tgvault/tgvault/pkg/retrieval"
	"github.com/tgvault/tgvault/pkg/transport"
	"github.com/tgvault/tgvault/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the download worker loop",
	Long: `Recovers jobs abandoned by a previous crash, then claims queued
download jobs one at a time until interrupted.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "store init failed")
	}
	defer store.Close()

	primary := transport.NewFileAPI(cfg.BotAPIBase, cfg.BotToken)
	secondary := transport.NewTDL(cfg.TDLBinary, cfg.WorkDir)
	strategy := retrieval.NewStrategy(primary, secondary, cfg.SizeThreshold)
	mat := archive.NewMaterializer(archive.Layout{Root: cfg.FilesDir})

	var mirrorer worker.Mirrorer
	if cfg.MirrorEnabled {
		uploader, err := mirror.NewUploader(ctx, cfg.MirrorBucket, cfg.MirrorRegion, cfg.MirrorPrefix)
		if err != nil {
			return errors.Wrap(err, "mirror init failed")
		}
		mirrorer = uploader
	}

	w := worker.New(store, strategy, mat, journal.NewMarkdown(cfg.NotesDir), mirrorer, worker.Options{
		Policy:         retryPolicy(cfg),
		PollInterval:   cfg.PollInterval,
		StaleThreshold: cfg.StaleAfter,
	})

	slog.Info("worker_config",
		"db_path", cfg.DBPath,
		"files_dir", cfg.FilesDir,
		"size_threshold", cfg.SizeThreshold,
		"max_attempts", cfg.MaxAttempts,
		"tag", w.Tag())

	return w.Run(ctx)
}
