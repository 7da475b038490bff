package media

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/facette/natsort"
)

// Scanner enumerates candidate image files of a directory. An error means
// the directory itself could not be enumerated.
type Scanner interface {
	Scan(ctx context.Context, dir string) ([]string, error)
}

// DirectoryScanner lists raster images by extension in natural filename order.
// Hidden files and directories are skipped.
type DirectoryScanner struct {
	Recursive bool
}

var _ Scanner = DirectoryScanner{}

func (s DirectoryScanner) Scan(ctx context.Context, dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat directory '%s': %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("'%s' is not a directory", dir)
	}

	if !s.Recursive {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory '%s': %w", dir, err)
		}
		var files []string
		for _, entry := range entries {
			if entry.IsDir() || isHidden(entry.Name()) || !IsRasterImage(entry.Name()) {
				continue
			}
			files = append(files, filepath.Join(dir, entry.Name()))
		}
		natsort.Sort(files)
		return files, nil
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			// unreadable subdirectories are skipped, not fatal
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != dir && isHidden(d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && IsRasterImage(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory '%s': %w", dir, err)
	}
	natsort.Sort(files)
	return files, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
