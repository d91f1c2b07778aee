// Package journal is the human-readable activity log. Notifications
// are fire-and-forget: they never block or fail the transaction that
// produced them.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tgvault/tgvault/pkg/db"
)

// Notifier receives job lifecycle notifications.
type Notifier interface {
	JobCompleted(job *db.Job, file *db.File)
	JobFailed(job *db.Job, file *db.File, errorKind, errorMessage string)
}

// Nop discards all notifications.
type Nop struct{}

func (Nop) JobCompleted(*db.Job, *db.File)              {}
func (Nop) JobFailed(*db.Job, *db.File, string, string) {}

// Markdown appends archive activity to a monthly Markdown file under
// dir. Write errors are logged and swallowed.
type Markdown struct {
	dir string
	mu  sync.Mutex
}

// NewMarkdown creates a Markdown journal writing under dir.
func NewMarkdown(dir string) *Markdown {
	return &Markdown{dir: dir}
}

// JobCompleted records a finished download.
func (m *Markdown) JobCompleted(job *db.Job, file *db.File) {
	m.append(fmt.Sprintf("- `%s` **archived** `%s` (%d bytes, sha256 `%s`) -> `%s`\n",
		timestamp(), file.ContentID, file.LocalSize, file.SHA256, file.LocalPath))
}

// JobFailed records a terminal failure.
func (m *Markdown) JobFailed(job *db.Job, file *db.File, errorKind, errorMessage string) {
	m.append(fmt.Sprintf("- `%s` **failed** `%s` after %d attempts: %s (%s)\n",
		timestamp(), file.ContentID, job.Attempt+1, errorKind, errorMessage))
}

func (m *Markdown) append(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		slog.Warn("journal_mkdir_failed", "dir", m.dir, "error", err)
		return
	}
	path := filepath.Join(m.dir, "archive-"+time.Now().UTC().Format("2006-01")+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Warn("journal_open_failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		slog.Warn("journal_write_failed", "path", path, "error", err)
	}
}

func timestamp() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}
