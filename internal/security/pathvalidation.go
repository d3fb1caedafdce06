// Package security validates filesystem destinations chosen by operators.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathOutsideDir is returned when a path escapes every allowed
// directory.
var ErrPathOutsideDir = errors.New("path outside allowed directories")

// resolve returns the absolute path of p with symlinks evaluated. When p
// does not exist yet, the nearest existing ancestor is resolved instead and
// the remaining components are joined back on.
func resolve(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(real, rest), nil
		}
		if dir == filepath.Dir(dir) {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory rejects filePath if, after resolving ..
// components and symlinks, it is not inside dir.
func ValidatePathWithinDirectory(filePath, dir string) error {
	path, err := resolve(filePath)
	if err != nil {
		return err
	}
	base, err := resolve(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s escapes %s", ErrPathOutsideDir, filePath, dir)
	}
	return nil
}

// ValidateExportPath accepts destinations under the temp directory or the
// working directory.
func ValidateExportPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	for _, dir := range []string{os.TempDir(), cwd} {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be under %s or %s", ErrPathOutsideDir, filePath, os.TempDir(), cwd)
}
