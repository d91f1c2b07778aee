package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue <content-id>",
	Short: "Re-enqueue a failed download",
	Long: `Creates a fresh download job for a file whose previous job exhausted
its attempts. Terminal FAILED jobs are never reopened automatically;
this is the deliberate manual path back into the queue.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequeue,
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) error {
	contentID := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "store init failed")
	}
	defer store.Close()

	file, err := store.GetFileByContentID(contentID)
	if err != nil {
		return errors.Wrap(err, "file lookup failed")
	}
	if file == nil {
		return fmt.Errorf("no file with content id %s", contentID)
	}
	if file.Status == db.FileStatusDownloaded {
		fmt.Printf("File %s is already downloaded at %s\n", contentID, file.LocalPath)
		return nil
	}

	messageID, err := store.LatestReferenceMessage(file.ID)
	if err != nil {
		return errors.Wrap(err, "reference lookup failed")
	}
	if messageID == 0 {
		return fmt.Errorf("no message references file %s", contentID)
	}

	job, created, err := store.Enqueue(file.ID, messageID)
	if err != nil {
		return errors.Wrap(err, "enqueue failed")
	}
	if !created {
		fmt.Printf("File %s already has an active job (%d, %s)\n", contentID, job.ID, job.Status)
		return nil
	}

	slog.Info("requeued", "content_id", contentID, "file_id", file.ID, "job_id", job.ID, "at", time.Now().UTC())
	fmt.Printf("Requeued %s as job %d\n", contentID, job.ID)
	return nil
}
