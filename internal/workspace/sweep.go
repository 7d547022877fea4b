package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweep removes job folders under the base path whose modification time is
// older than maxAge. Only directories named with JobFolderPrefix are
// candidates, and never one that holds the language or payload bundles.
// Folders for which busy reports true are kept regardless of age. Removal
// errors are joined and returned after every candidate has been tried.
func (s *Stager) Sweep(ctx context.Context, maxAge time.Duration, busy func(folder string) bool) ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, fmt.Errorf("reading base path: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)

	var (
		removed []string
		errs    error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), JobFolderPrefix) {
			continue
		}
		dir := filepath.Join(s.base, entry.Name())
		if within(s.dataDir, dir) || within(s.payloadDir, dir) {
			continue
		}
		if busy != nil && busy(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := s.Remove(&Workspace{Base: s.base, Folder: entry.Name(), Dir: dir}); err != nil {
			s.logger.Warn("orphaned workspace removal failed",
				slog.String("folder", entry.Name()),
				slog.String("error", err.Error()),
			)
			errs = errors.Join(errs, err)
			continue
		}
		removed = append(removed, entry.Name())
		s.logger.Info("orphaned workspace removed",
			slog.String("folder", entry.Name()),
			slog.Duration("age", time.Since(info.ModTime())),
		)
	}
	return removed, errs
}

// within reports whether path is dir itself or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
