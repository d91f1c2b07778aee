package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived files and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
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

	files, err := store.ListFiles()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(files) == 0 {
		fmt.Println("No files found")
		return nil
	}

	fmt.Printf("%-28s %-12s %12s %s\n", "CONTENT ID", "STATUS", "SIZE", "LOCAL PATH")
	fmt.Println("--------------------------------------------------------------------------------")

	for _, f := range files {
		localPath := f.LocalPath
		if localPath == "" {
			localPath = "-"
		}
		fmt.Printf("%-28s %-12s %12d %s\n",
			f.ContentID, colorStatus(f.Status), f.Size, localPath)
	}

	return nil
}

func colorStatus(status string) string {
	switch status {
	case db.FileStatusDownloaded:
		return color.GreenString(status)
	case db.FileStatusFailed:
		return color.RedString(status)
	default:
		return color.YellowString(status)
	}
}
