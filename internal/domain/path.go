package domain

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultExtensions are the file types ReadDirectory loads when none are given.
var DefaultExtensions = []string{".txt", ".md", ".markdown", ".rst"}

// NormalizePath turns a file path into a stable document ID: forward
// slashes, no leading "./" and no leading slash.
func NormalizePath(path string) string {
	// Standardize separators to forward slashes
	path = strings.ReplaceAll(path, "\\", "/")
	for {
		trimmed := strings.TrimPrefix(strings.TrimPrefix(path, "./"), "/")
		if trimmed == path {
			break
		}
		path = trimmed
	}
	return path
}

// ReadDirectory loads every file under dir with one of the given extensions
// as a Document. IDs are the normalised paths relative to dir; the file name
// and path are kept in metadata.
func ReadDirectory(dir string, exts []string) ([]Document, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		id := NormalizePath(filepath.ToSlash(rel))
		docs = append(docs, Document{
			ID:   id,
			Text: string(content),
			Metadata: map[string]any{
				"file_name": d.Name(),
				"file_path": id,
			},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	return docs, nil
}
