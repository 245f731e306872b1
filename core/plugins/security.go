package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FocuswithJustin/modhost/core/vpath"
)

// ErrInvalidArtifactPath is returned when an installed package artifact fails
// security validation.
var ErrInvalidArtifactPath = errors.New("invalid plugin artifact path")

// SecurityConfig holds plugin security settings.
type SecurityConfig struct {
	// AllowedPackageDirs lists directories installed package artifacts may live
	// in. Empty means any directory.
	AllowedPackageDirs []string
}

// ValidateArtifactPath checks that an installed package artifact is safe to
// open:
// - the path is non-empty and absolute after resolution
// - the file is a regular file
// - a symlink's target passes the same directory checks
// - the path is within AllowedPackageDirs when that list is set
func (cfg SecurityConfig) ValidateArtifactPath(artifactPath string) error {
	if artifactPath == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArtifactPath)
	}

	absPath, err := filepath.Abs(artifactPath)
	if err != nil {
		return fmt.Errorf("%w: failed to resolve absolute path: %v", ErrInvalidArtifactPath, err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: artifact not found", ErrInvalidArtifactPath)
		}
		return fmt.Errorf("%w: failed to stat artifact: %v", ErrInvalidArtifactPath, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		realPath, err := filepath.EvalSymlinks(absPath)
		if err != nil {
			return fmt.Errorf("%w: failed to resolve symlink: %v", ErrInvalidArtifactPath, err)
		}
		if err := cfg.validateDirectory(realPath); err != nil {
			return fmt.Errorf("%w: symlink target failed validation", err)
		}
		if info, err = os.Stat(realPath); err != nil {
			return fmt.Errorf("%w: failed to stat symlink target: %v", ErrInvalidArtifactPath, err)
		}
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: not a regular file", ErrInvalidArtifactPath)
	}

	return cfg.validateDirectory(absPath)
}

func (cfg SecurityConfig) validateDirectory(absPath string) error {
	if len(cfg.AllowedPackageDirs) == 0 {
		return nil
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}
	for _, dir := range cfg.AllowedPackageDirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		if resolved, err := filepath.EvalSymlinks(absDir); err == nil {
			absDir = resolved
		}
		if vpath.Within(absDir, absPath) {
			return nil
		}
	}
	return fmt.Errorf("%w: path not in allowed package directories", ErrInvalidArtifactPath)
}
