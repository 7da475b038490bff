package utils

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// CreateArchive zips every regular file below sourceDir into a new archive in
// archiveSaveDir. Entry names are relative to sourceDir with forward slashes.
// Returns the archive path and its size in bytes.
func CreateArchive(sourceDir, archiveSaveDir string) (string, int64, error) {
	sourceDir = filepath.Clean(sourceDir)
	if info, err := os.Stat(sourceDir); err != nil {
		return "", 0, fmt.Errorf("failed to stat source directory %s: %w", sourceDir, err)
	} else if !info.IsDir() {
		return "", 0, fmt.Errorf("source %s is not a directory", sourceDir)
	}

	if err := os.MkdirAll(archiveSaveDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create zip save directory %s: %w", archiveSaveDir, err)
	}

	archiveUUID, err := uuid.NewRandom()
	if err != nil {
		return "", 0, fmt.Errorf("failed to generate UUID for archive: %w", err)
	}
	zipFilename := fmt.Sprintf("export_%d_%s.zip", time.Now().Unix(), archiveUUID.String()[:8])
	zipFilePath := filepath.Join(archiveSaveDir, zipFilename)

	zipFile, err := os.Create(zipFilePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create zip file %s: %w", zipFilePath, err)
	}

	zipWriter := zip.NewWriter(zipFile)
	files := 0
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if path == zipFilePath {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if err := addToZip(zipWriter, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		files++
		return nil
	})

	closeErr := zipWriter.Close()
	if err := zipFile.Close(); closeErr == nil {
		closeErr = err
	}
	if walkErr != nil || closeErr != nil || files == 0 {
		os.Remove(zipFilePath)
		switch {
		case walkErr != nil:
			return "", 0, fmt.Errorf("failed to archive %s: %w", sourceDir, walkErr)
		case closeErr != nil:
			return "", 0, fmt.Errorf("failed to finalize zip %s: %w", zipFilePath, closeErr)
		default:
			return "", 0, fmt.Errorf("no files found in %s to zip", sourceDir)
		}
	}

	zipInfo, err := os.Stat(zipFilePath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat created zip file %s: %w", zipFilePath, err)
	}
	return zipFilePath, zipInfo.Size(), nil
}

func addToZip(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for zipping: %w", path, err)
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", name, err)
	}
	return nil
}
