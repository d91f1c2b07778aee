package db

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/tgvault/tgvault/pkg/errors"
)

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. The modernc driver surfaces these as plain errors carrying
// the constraint text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpsertSource inserts or refreshes a source row and returns it.
// Only the title and username are refreshed on conflict; kind and
// chat id are immutable once created.
func (s *Store) UpsertSource(kind string, chatID int64, title, username string) (*Source, error) {
	now := time.Now()
	query := `
		INSERT INTO sources (kind, chat_id, title, username, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, chat_id)
		DO UPDATE SET title = excluded.title, username = excluded.username
		RETURNING id, created_at
	`
	src := &Source{Kind: kind, ChatID: chatID, Title: title, Username: username}
	var createdAt string
	err := s.db.QueryRow(query, kind, chatID, title, username, formatTime(now)).
		Scan(&src.ID, &createdAt)
	if err != nil {
		slog.Error("store_upsert_source_failed", "kind", kind, "chat_id", chatID, "error", err)
		return nil, errors.Wrap(err, "failed to upsert source")
	}
	src.CreatedAt = parseTime(createdAt)
	return src, nil
}

// InsertMessage inserts a message row and sets its ID. Messages are
// append-only; two forwards of the same content produce two rows.
func (s *Store) InsertMessage(m *Message) error {
	query := `
		INSERT INTO messages (chat_id, message_id, original_message_id, source_id, received_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now()
	}
	// source_id references sources(id); a sourceless message must store
	// NULL, not 0, or the foreign key rejects the insert.
	var sourceID any
	if m.SourceID != 0 {
		sourceID = m.SourceID
	}
	result, err := s.db.Exec(query,
		m.ChatID, m.MessageID, m.OriginalMessageID, sourceID, formatTime(m.ReceivedAt))
	if err != nil {
		slog.Error("store_insert_message_failed", "chat_id", m.ChatID, "message_id", m.MessageID, "error", err)
		return errors.Wrap(err, "failed to insert message")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	m.ID = id
	return nil
}

// ResolveFile maps a content identifier to the canonical file row,
// creating a PENDING row if absent. Duplication is the expected primary
// case: when the row already exists it is returned unchanged, and a
// later reference never overwrites the recorded values.
func (s *Store) ResolveFile(contentID string, size int64, kind, originalName string) (*File, bool, error) {
	file, err := s.GetFileByContentID(contentID)
	if err != nil {
		return nil, false, err
	}
	if file != nil {
		slog.Info("store_file_deduplicated", "content_id", contentID, "file_id", file.ID, "status", file.Status)
		return file, false, nil
	}

	now := formatTime(time.Now())
	query := `
		INSERT INTO files (content_id, size, kind, original_name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query, contentID, size, kind, originalName, FileStatusPending, now, now)
	if isUniqueViolation(err) {
		// Lost the insert race to a concurrent resolver; the existing
		// row wins.
		file, err = s.GetFileByContentID(contentID)
		if err != nil {
			return nil, false, err
		}
		return file, false, nil
	}
	if err != nil {
		slog.Error("store_insert_file_failed", "content_id", contentID, "error", err)
		return nil, false, errors.Wrap(err, "failed to insert file")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to get last insert id")
	}
	file, err = s.GetFileByID(id)
	if err != nil {
		return nil, false, err
	}
	slog.Info("store_file_created", "content_id", contentID, "file_id", id)
	return file, true, nil
}

// RecordReference inserts a message/file join row. Always inserts:
// re-forwarding the same content twice produces two join rows pointing
// at one file row.
func (s *Store) RecordReference(messageID, fileID int64, kind, caption string) (*MessageFile, error) {
	now := time.Now()
	query := `
		INSERT INTO message_files (message_id, file_id, kind, caption, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.Exec(query, messageID, fileID, kind, caption, formatTime(now))
	if err != nil {
		slog.Error("store_record_reference_failed", "message_id", messageID, "file_id", fileID, "error", err)
		return nil, errors.Wrap(err, "failed to record reference")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get last insert id")
	}
	return &MessageFile{
		ID:        id,
		MessageID: messageID,
		FileID:    fileID,
		Kind:      kind,
		Caption:   caption,
		CreatedAt: now,
	}, nil
}

const fileColumns = `id, content_id, size, kind, original_name, local_path, local_size, sha256, status, created_at, updated_at`

func scanFile(row *sql.Row) (*File, error) {
	var f File
	var size, localSize sql.NullInt64
	var kind, originalName, localPath, sha sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&f.ID, &f.ContentID, &size, &kind, &originalName,
		&localPath, &localSize, &sha, &f.Status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan file")
	}
	f.Size = size.Int64
	f.Kind = kind.String
	f.OriginalName = originalName.String
	f.LocalPath = localPath.String
	f.LocalSize = localSize.Int64
	f.SHA256 = sha.String
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

// GetFileByID retrieves a file by row id. Returns nil when not found.
func (s *Store) GetFileByID(id int64) (*File, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	return scanFile(row)
}

// GetFileByContentID retrieves a file by content identifier. Returns
// nil when not found.
func (s *Store) GetFileByContentID(contentID string) (*File, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE content_id = ?`, contentID)
	return scanFile(row)
}

// ListFiles retrieves all files, newest first.
func (s *Store) ListFiles() ([]*File, error) {
	rows, err := s.db.Query(`SELECT ` + fileColumns + ` FROM files ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list files")
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		var f File
		var size, localSize sql.NullInt64
		var kind, originalName, localPath, sha sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(&f.ID, &f.ContentID, &size, &kind, &originalName,
			&localPath, &localSize, &sha, &f.Status, &createdAt, &updatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		f.Size = size.Int64
		f.Kind = kind.String
		f.OriginalName = originalName.String
		f.LocalPath = localPath.String
		f.LocalSize = localSize.Int64
		f.SHA256 = sha.String
		f.CreatedAt = parseTime(createdAt)
		f.UpdatedAt = parseTime(updatedAt)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return files, nil
}

// GetMessageByID retrieves a message by row id. Returns nil when not found.
func (s *Store) GetMessageByID(id int64) (*Message, error) {
	query := `
		SELECT id, chat_id, message_id, original_message_id, source_id, received_at
		FROM messages WHERE id = ?
	`
	var m Message
	var originalMessageID, sourceID sql.NullInt64
	var receivedAt string
	err := s.db.QueryRow(query, id).Scan(
		&m.ID, &m.ChatID, &m.MessageID, &originalMessageID, &sourceID, &receivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query message")
	}
	m.OriginalMessageID = originalMessageID.Int64
	m.SourceID = sourceID.Int64
	m.ReceivedAt = parseTime(receivedAt)
	return &m, nil
}

// GetSourceByID retrieves a source by row id. Returns nil when not found.
func (s *Store) GetSourceByID(id int64) (*Source, error) {
	query := `SELECT id, kind, chat_id, title, username, created_at FROM sources WHERE id = ?`
	var src Source
	var title, username sql.NullString
	var createdAt string
	err := s.db.QueryRow(query, id).Scan(
		&src.ID, &src.Kind, &src.ChatID, &title, &username, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query source")
	}
	src.Title = title.String
	src.Username = username.String
	src.CreatedAt = parseTime(createdAt)
	return &src, nil
}

// LatestReferenceMessage returns the message id of the most recent
// reference to a file, or 0 when none exists.
func (s *Store) LatestReferenceMessage(fileID int64) (int64, error) {
	var messageID int64
	err := s.db.QueryRow(
		`SELECT message_id FROM message_files WHERE file_id = ? ORDER BY id DESC LIMIT 1`,
		fileID).Scan(&messageID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to query latest reference")
	}
	return messageID, nil
}

// CountReferences returns the number of message_files rows pointing at
// a file.
func (s *Store) CountReferences(fileID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM message_files WHERE file_id = ?`, fileID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count references")
	}
	return n, nil
}

// MarkFileDownloaded records a successful materialization outside of a
// job transaction (the small-payload inline path).
func (s *Store) MarkFileDownloaded(fileID int64, localPath string, localSize int64, sha256 string) error {
	query := `
		UPDATE files
		SET local_path = ?, local_size = ?, sha256 = ?, status = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.Exec(query, localPath, localSize, sha256, FileStatusDownloaded, formatTime(time.Now()), fileID)
	if err != nil {
		slog.Error("store_mark_downloaded_failed", "file_id", fileID, "error", err)
		return errors.Wrap(err, "failed to mark file downloaded")
	}
	slog.Info("store_file_downloaded", "file_id", fileID, "local_path", localPath)
	return nil
}
