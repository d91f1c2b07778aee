package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "tgvault",
	Short: "tgvault - forwarded-content archive",
	Long:  `Archives content forwarded through a messaging client: records provenance, deduplicates payloads, and downloads large payloads through a fallback transport.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db-path", "data/archive.db", "SQLite database path")
	rootCmd.PersistentFlags().String("files-dir", "data/files", "Archive root directory")
	rootCmd.PersistentFlags().String("notes-dir", "data/notes", "Activity journal directory")
	rootCmd.PersistentFlags().String("work-dir", "data/tmp", "Scratch directory for in-flight downloads")
	rootCmd.PersistentFlags().Int64("size-threshold", 20*1024*1024, "Max payload size for the primary transport")
	rootCmd.PersistentFlags().Int("max-attempts", 8, "Max download attempts before a job fails")
	rootCmd.PersistentFlags().Duration("stale-after", 30*time.Minute, "Age after which a RUNNING job is presumed abandoned")

	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("files-dir", rootCmd.PersistentFlags().Lookup("files-dir"))
	viper.BindPFlag("notes-dir", rootCmd.PersistentFlags().Lookup("notes-dir"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("size-threshold", rootCmd.PersistentFlags().Lookup("size-threshold"))
	viper.BindPFlag("max-attempts", rootCmd.PersistentFlags().Lookup("max-attempts"))
	viper.BindPFlag("stale-after", rootCmd.PersistentFlags().Lookup("stale-after"))
}
