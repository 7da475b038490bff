package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryScannerNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"img10.png", "img2.png", "img1.jpg", "notes.txt", ".hidden.png", "IMG3.WEBP"} {
		writeFile(t, dir, name, []byte("x"))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub"), "deep.png", []byte("x"))

	files, err := DirectoryScanner{}.Scan(context.Background(), dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"IMG3.WEBP", "img1.jpg", "img2.png", "img10.png"}, names)

	files, err = DirectoryScanner{Recursive: true}.Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, files, 5)
}

func TestDirectoryScannerMissingDirectory(t *testing.T) {
	_, err := DirectoryScanner{}.Scan(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)

	file := writeFile(t, t.TempDir(), "a.png", []byte("x"))
	_, err = DirectoryScanner{}.Scan(context.Background(), file)
	assert.Error(t, err)
}
