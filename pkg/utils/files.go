package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// MakeDir creates a directory with all parent directories.
func MakeDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// DeleteFile removes a file, ignoring the case where it is already gone.
func DeleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// MoveFile renames a file. src and dst must live on the same filesystem
// so the rename is atomic.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move file from %s to %s: %w", src, dst, err)
	}
	return nil
}

// TempSibling returns a uniquely named temporary path in the same
// directory as target, suitable for write-then-rename.
func TempSibling(target string) string {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", base, uuid.NewString()))
}
