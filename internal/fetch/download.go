package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/raido/internal/checkpoint"
	"github.com/starford/raido/internal/checksum"
)

// Download streams one archive into dir, verifying its md5 digest when
// wantMD5 is non-empty. The file lands under a ".partial" name until the
// checksum holds, so an aborted transfer never masquerades as a finished
// shard. Returns the final local path.
func (c *Client) Download(ctx context.Context, df DumpFile, dir, wantMD5 string) (string, error) {
	resp, err := c.get(ctx, df.URL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	final := filepath.Join(dir, df.Name)
	partial := final + ".partial"

	f, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("fetch: create %s: %w", partial, err)
	}

	got, err := checksum.MD5Reader(io.TeeReader(resp.Body, f))
	if err != nil {
		f.Close()
		os.Remove(partial)
		return "", fmt.Errorf("fetch: download %s: %w", df.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("fetch: close %s: %w", partial, err)
	}

	if wantMD5 != "" && got != wantMD5 {
		os.Remove(partial)
		return "", fmt.Errorf("fetch: %s: checksum mismatch: got %s want %s", df.Name, got, wantMD5)
	}

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("fetch: finalize %s: %w", df.Name, err)
	}
	return final, nil
}

// Sync downloads every revision-history archive of the dump for date into
// dir, skipping archives the checkpoint store already records as verified.
// Returns the local paths of all archives, downloaded or pre-existing.
func (c *Client) Sync(ctx context.Context, date, dir string, store *checkpoint.Store) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fetch: create staging dir: %w", err)
	}

	dumps, err := c.ListHistoryDumps(ctx, date)
	if err != nil {
		return nil, err
	}
	if len(dumps) == 0 {
		return nil, fmt.Errorf("fetch: no revision-history archives listed for %s", date)
	}

	sums, err := c.Checksums(ctx, date)
	if err != nil {
		c.logger.Warn("no checksums available, downloads unverified", slog.String("error", err.Error()))
		sums = nil
	}

	var paths []string
	for _, df := range dumps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		local := filepath.Join(dir, df.Name)

		done, err := store.IsDownloaded(df.Name)
		if err != nil {
			return nil, err
		}
		if done {
			if _, statErr := os.Stat(local); statErr == nil {
				c.logger.Info("already downloaded, skipping", slog.String("file", df.Name))
				paths = append(paths, local)
				continue
			}
			// Marker without a file: the staging dir was cleaned, redo it.
		}

		// A leftover file without a marker is a previously aborted transfer.
		if _, statErr := os.Stat(local); statErr == nil {
			c.logger.Info("removing aborted download", slog.String("file", df.Name))
			os.Remove(local)
		}

		c.logger.Info("downloading", slog.String("file", df.Name))
		path, err := c.Download(ctx, df, dir, sums[df.Name])
		if err != nil {
			return nil, err
		}
		if err := store.MarkDownloaded(df.Name, sums[df.Name]); err != nil {
			return nil, err
		}
		c.logger.Info("downloaded", slog.String("file", df.Name))
		paths = append(paths, path)
	}
	return paths, nil
}
