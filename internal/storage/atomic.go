package storage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// AtomicWrite replaces path with data through a synced temporary file in
// the same directory. Readers see either the old or the new content.
func AtomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644, renameio.WithTempDir(filepath.Dir(path))); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AtomicCopy copies src to dst the same way.
func AtomicCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	pf, err := renameio.NewPendingFile(dst, renameio.WithPermissions(0o644), renameio.WithTempDir(filepath.Dir(dst)))
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer pf.Cleanup()
	if _, err := io.Copy(pf, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(dst), err)
	}
	return nil
}

// CopyTree copies every regular file under srcDir into dstDir, keeping
// relative paths, and returns the total bytes copied. A missing srcDir
// copies nothing.
func CopyTree(srcDir, dstDir string) (int64, error) {
	if _, err := os.Stat(srcDir); os.IsNotExist(err) {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstDir, rel)
		if err := AtomicCopy(path, dst); err != nil {
			return err
		}
		info, err := os.Stat(dst)
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("copy tree: %w", err)
	}
	return total, nil
}

// DirSize sums the sizes of all regular files under dir. A missing dir is 0.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// FileSize returns the size of path, or 0 when it does not exist.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
