package db

import "time"

// Schema defines the SQLite database schema for the archive.
// Sources, messages, files and jobs are the durable truth for the whole
// system; the partial unique index on jobs enforces at most one active
// job per file while allowing any number of historical DONE/FAILED rows.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    chat_id INTEGER NOT NULL,
    title TEXT,
    username TEXT,
    created_at TEXT NOT NULL,
    UNIQUE(kind, chat_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id INTEGER NOT NULL,
    message_id INTEGER NOT NULL,
    original_message_id INTEGER,
    source_id INTEGER REFERENCES sources(id),
    received_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content_id TEXT NOT NULL UNIQUE,
    size INTEGER,
    kind TEXT,
    original_name TEXT,
    local_path TEXT,
    local_size INTEGER,
    sha256 TEXT,
    status TEXT NOT NULL CHECK(status IN ('PENDING', 'DOWNLOADED', 'FAILED')),
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id INTEGER NOT NULL REFERENCES messages(id),
    file_id INTEGER NOT NULL REFERENCES files(id),
    kind TEXT,
    caption TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL REFERENCES files(id),
    message_id INTEGER NOT NULL REFERENCES messages(id),
    status TEXT NOT NULL CHECK(status IN ('QUEUED', 'RUNNING', 'RETRY', 'DONE', 'FAILED')),
    attempt INTEGER NOT NULL DEFAULT 0,
    next_eligible_at TEXT,
    last_error_kind TEXT,
    last_error TEXT,
    owner TEXT,
    created_at TEXT NOT NULL,
    claimed_at TEXT,
    updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_file
ON jobs(file_id)
WHERE status IN ('QUEUED', 'RUNNING', 'RETRY');

CREATE TABLE IF NOT EXISTS download_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_id INTEGER NOT NULL,
    content_id TEXT NOT NULL,
    source_kind TEXT,
    source_chat_id INTEGER,
    original_name TEXT,
    error_kind TEXT NOT NULL,
    error_message TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failures_error_kind ON download_failures(error_kind);
CREATE INDEX IF NOT EXISTS idx_failures_created_at ON download_failures(created_at);
CREATE INDEX IF NOT EXISTS idx_message_files_file ON message_files(file_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// File status constants
const (
	FileStatusPending    = "PENDING"
	FileStatusDownloaded = "DOWNLOADED"
	FileStatusFailed     = "FAILED"
)

// Job status constants. QUEUED, RUNNING and RETRY are the active states
// counted toward the one-active-job-per-file invariant.
const (
	JobStatusQueued  = "QUEUED"
	JobStatusRunning = "RUNNING"
	JobStatusRetry   = "RETRY"
	JobStatusDone    = "DONE"
	JobStatusFailed  = "FAILED"
)

// Source represents one distinct provenance (channel/group/user/unknown).
type Source struct {
	ID        int64
	Kind      string
	ChatID    int64
	Title     string
	Username  string
	CreatedAt time.Time
}

// Message represents one ingested message event. Append-only.
type Message struct {
	ID                int64
	ChatID            int64
	MessageID         int64
	OriginalMessageID int64
	SourceID          int64
	ReceivedAt        time.Time
}

// File represents one distinct piece of binary content, keyed by the
// upstream content identifier.
type File struct {
	ID           int64
	ContentID    string
	Size         int64
	Kind         string
	OriginalName string
	LocalPath    string
	LocalSize    int64
	SHA256       string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MessageFile records that a message referenced a file. Many rows may
// point at the same file; dedup is visible at this join.
type MessageFile struct {
	ID        int64
	MessageID int64
	FileID    int64
	Kind      string
	Caption   string
	CreatedAt time.Time
}

// Job represents one queued download attempt lineage for a file.
type Job struct {
	ID             int64
	FileID         int64
	MessageID      int64
	Status         string
	Attempt        int
	NextEligibleAt time.Time
	LastErrorKind  string
	LastError      string
	Owner          string
	CreatedAt      time.Time
	ClaimedAt      time.Time
	UpdatedAt      time.Time
}
