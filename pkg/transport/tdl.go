package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/tgvault/tgvault/pkg/retrieval"
)

// TDL fetches payloads by shelling out to the tdl command-line tool,
// which downloads by message URL through an authenticated user session.
// It is the secondary transport: slow, heavyweight, but not subject to
// the primary transport's size limit.
type TDL struct {
	Binary  string
	WorkDir string
}

// NewTDL creates the secondary fetcher. binary defaults to "tdl" on
// PATH when empty.
func NewTDL(binary, workDir string) *TDL {
	if binary == "" {
		binary = "tdl"
	}
	return &TDL{Binary: binary, WorkDir: workDir}
}

// BuildMessageURL constructs the t.me URL tdl downloads from. Public
// sources use their username; private supergroups and channels carry a
// -100 chat id prefix that the c/ URL form drops.
func BuildMessageURL(ref retrieval.MessageRef) (string, error) {
	if ref.MessageID == 0 {
		return "", fmt.Errorf("no original message reference")
	}
	if ref.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", ref.Username, ref.MessageID), nil
	}
	if ref.ChatID == 0 {
		return "", fmt.Errorf("no source chat reference")
	}
	chatID := fmt.Sprintf("%d", ref.ChatID)
	switch {
	case strings.HasPrefix(chatID, "-100"):
		chatID = chatID[4:]
	case strings.HasPrefix(chatID, "-"):
		chatID = chatID[1:]
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", chatID, ref.MessageID), nil
}

// Fetch downloads the message's payload into a scratch directory and
// returns a reader over the downloaded file. Closing the reader removes
// the scratch directory.
func (t *TDL) Fetch(ctx context.Context, ref retrieval.MessageRef) (io.ReadCloser, int64, error) {
	url, err := BuildMessageURL(ref)
	if err != nil {
		// Without a message reference the content is unreachable on
		// this transport for good.
		return nil, 0, retrieval.NewFailure(retrieval.KindNotFound, "%v", err)
	}

	tmpDir, err := os.MkdirTemp(t.WorkDir, "tdl-*")
	if err != nil {
		return nil, 0, retrieval.NewFailure(retrieval.KindExternalTool, "scratch dir: %v", err)
	}

	cmd := exec.CommandContext(ctx, t.Binary,
		"dl", "-u", url, "-d", tmpDir, "--continue", "--skip-same")
	slog.Info("secondary_fetch_start", "url", url, "dir", tmpDir)

	output, err := cmd.CombinedOutput()
	if err != nil {
		os.RemoveAll(tmpDir)
		if _, ok := err.(*exec.ExitError); !ok {
			// Binary missing or not runnable.
			slog.Warn("secondary_fetch_unavailable", "binary", t.Binary, "error", err)
			return nil, 0, retrieval.NewFailure(retrieval.KindTransportUnavailable, "%s: %v", t.Binary, err)
		}
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = "(no output)"
		}
		slog.Error("secondary_fetch_failed", "url", url, "error", err, "output", msg)
		return nil, 0, retrieval.NewFailure(retrieval.KindExternalTool, "%s: %v: %s", t.Binary, err, msg)
	}

	path, size, err := singleFileIn(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, 0, retrieval.NewFailure(retrieval.KindExternalTool, "%v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		os.RemoveAll(tmpDir)
		return nil, 0, retrieval.NewFailure(retrieval.KindExternalTool, "open download: %v", err)
	}

	slog.Info("secondary_fetch_ok", "url", url, "path", path, "size", size)
	return &scratchReader{File: f, dir: tmpDir}, size, nil
}

// singleFileIn returns the one regular file tdl left in dir. More than
// one file means an album download; the first is used, matching the
// one-file-per-content-id model.
func singleFileIn(dir string) (string, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, fmt.Errorf("read scratch dir: %v", err)
	}
	var files []os.DirEntry
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e)
		}
	}
	if len(files) == 0 {
		return "", 0, fmt.Errorf("no file in tool output directory")
	}
	if len(files) > 1 {
		slog.Warn("secondary_fetch_multiple_files", "dir", dir, "count", len(files))
	}
	info, err := files[0].Info()
	if err != nil {
		return "", 0, fmt.Errorf("stat download: %v", err)
	}
	return filepath.Join(dir, files[0].Name()), info.Size(), nil
}

type scratchReader struct {
	*os.File
	dir string
}

func (r *scratchReader) Close() error {
	err := r.File.Close()
	os.RemoveAll(r.dir)
	return err
}
