package commands

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/pkg/archive"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
	"github.com/tgvault/tgvault/pkg/ingest"
	"github.com/tgvault/tgvault/pkg/transport"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [event.json]",
	Short: "Ingest a message event",
	Long: `Records a message event produced by the ingestion adapter. Reads a
JSON event from the given file, or stdin when omitted. Small payloads
are fetched immediately; large ones are queued for the worker.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

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

	var input io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrap(err, "failed to open event file")
		}
		defer f.Close()
		input = f
	}

	var event ingest.Event
	if err := json.NewDecoder(input).Decode(&event); err != nil {
		return errors.Wrap(err, "failed to decode event")
	}

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "store init failed")
	}
	defer store.Close()

	primary := transport.NewFileAPI(cfg.BotAPIBase, cfg.BotToken)
	mat := archive.NewMaterializer(archive.Layout{Root: cfg.FilesDir})
	svc := ingest.NewService(store, primary, mat, cfg.SizeThreshold)

	return svc.HandleMessage(ctx, &event)
}
