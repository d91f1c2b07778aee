package commands

import (
	"os"
	"path/filepath"
	"time"

	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/pkg/db"
	"github.com/tgvault/tgvault/pkg/errors"
)

// ensureDirectories creates all directories the application writes to.
func ensureDirectories(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}
	for _, dir := range []string{cfg.FilesDir, cfg.NotesDir, cfg.WorkDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create %s", dir)
		}
	}
	return nil
}

// retryPolicy builds the queue retry policy from configuration.
func retryPolicy(cfg *config.Config) db.RetryPolicy {
	policy := db.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BackoffBase,
		Cap:         cfg.BackoffCap,
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 30 * time.Second
	}
	if policy.Cap <= 0 {
		policy.Cap = 6 * time.Hour
	}
	return policy
}
