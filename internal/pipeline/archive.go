package pipeline

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/dharsanguruparan/markdrop/internal/storage"
)

// CreateArchive zips output.md and every file below assets/ into
// output.zip. Entries are stored relative to the run directory; any path
// that would resolve outside it is skipped. The archive is written through
// a pending file and renamed into place.
func CreateArchive(paths storage.RunPaths) (string, error) {
	files := []string{}
	if _, err := os.Stat(paths.OutputFile); err == nil {
		files = append(files, paths.OutputFile)
	}
	var assets []string
	err := filepath.WalkDir(paths.AssetsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.Type().IsRegular() {
			assets = append(assets, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk assets: %w", err)
	}
	sort.Strings(assets)
	files = append(files, assets...)

	pf, err := renameio.NewPendingFile(paths.ZipFile, renameio.WithPermissions(0o644), renameio.WithTempDir(paths.BaseDir))
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer pf.Cleanup()

	zw := zip.NewWriter(pf)
	for _, file := range files {
		rel, err := filepath.Rel(paths.BaseDir, file)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if err := addToArchive(zw, file, filepath.ToSlash(rel)); err != nil {
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("replace archive: %w", err)
	}
	return paths.ZipFile, nil
}

func addToArchive(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer src.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
