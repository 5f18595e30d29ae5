package common

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanPath returns the absolute, cleaned form of path.
func CleanPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		abs, err := filepath.Abs(cleaned)
		if err != nil {
			return "", fmt.Errorf("failed to resolve absolute path: %w", err)
		}
		cleaned = abs
	}
	return cleaned, nil
}

// ValidatePath ensures path resolves to baseDir or a location inside it.
func ValidatePath(path, baseDir string) (string, error) {
	cleanedPath, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	cleanedBase, err := CleanPath(baseDir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(cleanedBase, cleanedPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", path, baseDir)
	}
	return cleanedPath, nil
}
