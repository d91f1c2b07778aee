package commands

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
)

var statsMonth string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show terminal download failure statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsMonth, "month", "", "Filter to a month (YYYY-MM)")
}

func runStats(cmd *cobra.Command, args []string) error {
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

	stats, err := store.FailureStats(statsMonth)
	if err != nil {
		return errors.Wrap(err, "stats failed")
	}

	if len(stats) == 0 {
		fmt.Println("No download failures recorded")
		return nil
	}

	kinds := make([]string, 0, len(stats))
	for kind := range stats {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	total := 0
	for _, kind := range kinds {
		fmt.Printf("%-24s %d\n", color.RedString(kind), stats[kind])
		total += stats[kind]
	}
	fmt.Printf("%-24s %d\n", "TOTAL", total)

	return nil
}
