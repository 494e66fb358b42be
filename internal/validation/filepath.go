package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TargetDirValidator checks subscription target directories before the
// registry accepts them. Directories are created on demand; anything that
// exists but is not a directory is rejected.
type TargetDirValidator struct {
	// AllowRelativePaths determines if relative paths are permitted
	AllowRelativePaths bool
	// MaxPathLength is the maximum allowed path length
	MaxPathLength int
}

func NewTargetDirValidator() *TargetDirValidator {
	return &TargetDirValidator{
		AllowRelativePaths: false,
		MaxPathLength:      4096,
	}
}

// ValidateAndNormalize validates a directory path and returns its cleaned
// absolute form.
func (v *TargetDirValidator) ValidateAndNormalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > v.MaxPathLength {
		return "", fmt.Errorf("path too long (max %d characters)", v.MaxPathLength)
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("path contains null bytes")
	}

	if len(path) >= 2 && path[:2] == "~/" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	} else if strings.HasPrefix(path, "~") {
		return "", fmt.Errorf("invalid tilde usage")
	}

	if !filepath.IsAbs(path) {
		if !v.AllowRelativePaths {
			abs, err := filepath.Abs(path)
			if err != nil {
				return "", fmt.Errorf("cannot make path absolute: %w", err)
			}
			path = abs
		}
	}

	cleaned := filepath.Clean(path)
	for _, component := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if component == ".." {
			return "", fmt.Errorf("directory traversal not allowed")
		}
	}

	return cleaned, nil
}

// EnsureDirectory validates the path and creates the directory if missing.
func (v *TargetDirValidator) EnsureDirectory(path string) (string, error) {
	validated, err := v.ValidateAndNormalize(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(validated)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("path exists but is not a directory: %s", validated)
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(validated, 0o755); mkErr != nil {
			return "", fmt.Errorf("failed to create directory: %w", mkErr)
		}
	default:
		return "", fmt.Errorf("checking directory: %w", err)
	}

	return validated, nil
}
