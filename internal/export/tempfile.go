package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempFiles creates short-lived export files in a private directory.
type TempFiles struct {
	baseDir string
}

// NewTempFiles creates a temp file manager rooted at baseDir. An empty
// baseDir uses a subdirectory of the OS temp dir.
func NewTempFiles(baseDir string) *TempFiles {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "tumor-api")
	}
	return &TempFiles{baseDir: baseDir}
}

// Create writes a new uniquely named file through fill and closes it.
// Returns the file path and a cleanup function.
func (t *TempFiles) Create(ext string, fill func(io.Writer) error) (string, func(), error) {
	if err := os.MkdirAll(t.baseDir, 0o700); err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	filePath := filepath.Join(t.baseDir, fmt.Sprintf("predictions_%s%s", uuid.NewString(), ext))
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	cleanup := func() {
		_ = os.Remove(filePath)
	}

	if err := fill(f); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	return filePath, cleanup, nil
}

// BaseDir returns the directory temp files are written to.
func (t *TempFiles) BaseDir() string {
	return t.baseDir
}
