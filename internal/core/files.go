package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// LocalFile is a file selected for upload.
type LocalFile struct {
	Path        string
	Name        string
	Size        int64
	ContentType string
}

// CollectFiles expands directories into the regular files beneath them.
// Hidden files and directories are skipped inside a walk but honoured when
// named explicitly. Each file is returned once.
func CollectFiles(paths []ParsedPath) ([]LocalFile, error) {
	var out []LocalFile
	seen := make(map[string]bool)

	add := func(path string, info os.FileInfo) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if seen[abs] {
			return nil
		}
		seen[abs] = true
		out = append(out, LocalFile{
			Path: path,
			Name: filepath.Base(path),
			Size: info.Size(),
		})
		return nil
	}

	for _, p := range paths {
		if p.Kind == PathFile {
			info, err := os.Stat(p.FullPath)
			if err != nil {
				return nil, err
			}
			if err := add(p.FullPath, info); err != nil {
				return nil, err
			}
			continue
		}

		err := filepath.WalkDir(p.FullPath, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != p.FullPath && isHidden(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return add(path, info)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", p.FullPath, err)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no files found")
	}
	return out, nil
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// DetectContentTypes sniffs each file's content and records its MIME type.
func DetectContentTypes(files []LocalFile) error {
	for i := range files {
		mt, err := mimetype.DetectFile(files[i].Path)
		if err != nil {
			return fmt.Errorf("failed to detect type of %s: %w", files[i].Path, err)
		}
		files[i].ContentType = mt.String()
	}
	return nil
}
