package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	TagSidecarExt     = ".txt"
	CaptionSidecarExt = ".caption"
)

// SidecarPaths returns the tag and caption sidecar paths next to an image.
func SidecarPaths(imagePath string) (tagPath, captionPath string) {
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	return base + TagSidecarExt, base + CaptionSidecarExt
}

// Sidecar holds the annotations read from sidecar files. HasTags/HasCaption
// distinguish a missing file from an empty one.
type Sidecar struct {
	Tags       []string
	Caption    string
	HasTags    bool
	HasCaption bool
}

// ReadSidecars loads the tag and caption sidecars of imagePath, if present.
func ReadSidecars(imagePath string) (Sidecar, error) {
	tagPath, captionPath := SidecarPaths(imagePath)
	var sc Sidecar

	raw, ok, err := readOptional(tagPath)
	if err != nil {
		return Sidecar{}, err
	}
	if ok {
		sc.HasTags = true
		sc.Tags = SplitTagList(raw)
	}

	raw, ok, err = readOptional(captionPath)
	if err != nil {
		return Sidecar{}, err
	}
	if ok {
		sc.HasCaption = true
		sc.Caption = strings.TrimSpace(raw)
	}
	return sc, nil
}

// WriteSidecars writes "<base>.txt" with the comma separated tags (no trailing
// newline) and "<base>.caption" with the caption text.
func WriteSidecars(imagePath string, tags []string, caption string) error {
	tagPath, captionPath := SidecarPaths(imagePath)
	if err := os.WriteFile(tagPath, []byte(JoinTagList(tags)), 0o644); err != nil {
		return fmt.Errorf("failed to write tag sidecar %s: %w", tagPath, err)
	}
	if err := os.WriteFile(captionPath, []byte(caption), 0o644); err != nil {
		return fmt.Errorf("failed to write caption sidecar %s: %w", captionPath, err)
	}
	return nil
}

func readOptional(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read sidecar %s: %w", path, err)
	}
	return string(data), true, nil
}

// CopyFile copies src to dst, creating dst's directory.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
