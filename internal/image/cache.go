package image

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/vmrunner/vmrunner/internal/retry"
)

// minBaseImageBytes guards the cache against truncated downloads. A cached
// base smaller than this is treated as corrupt and re-fetched.
const minBaseImageBytes = 100 << 20

// cacheValid reports whether a cached base image exists and passes the
// minimum-size sanity check.
func cacheValid(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() >= minBaseImageBytes
}

// download fetches url into destPath with bounded retries. The payload is
// written to a temp file in the destination directory and renamed into
// place, so a half-written file is never visible under the final name.
func (m *Manager) download(ctx context.Context, url, destPath string) error {
	m.log.Info("downloading image", slog.String("url", url), slog.String("dest", destPath))

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	err := m.retry.Do(ctx, func() error {
		return m.fetchOnce(ctx, url, destPath)
	})
	if err != nil {
		return fmt.Errorf("download of %s failed after retries: %w", url, err)
	}
	return nil
}

func (m *Manager) fetchOnce(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("server returned %s", resp.Status)
	default:
		return retry.Permanent(fmt.Errorf("server returned %s", resp.Status))
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return retry.Permanent(err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("transfer interrupted: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), destPath)
}

// copyFile copies src to dst through a temp-then-rename in dst's directory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
