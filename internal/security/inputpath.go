// Package security validates operator-supplied file paths before anything
// opens them. The process runs with whatever privileges the operator gave it,
// so the checks here are about catching misconfiguration early (pointing a
// flag at a directory, a video file, a device node) rather than sandboxing.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateInputFile checks that path names an existing regular file. When
// maxSize is positive the file must not exceed it; when allowedExts is
// non-empty the file extension must match one of them (case-insensitive).
func ValidateInputFile(path string, maxSize int64, allowedExts ...string) error {
	cleanPath := filepath.Clean(path)

	if len(allowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(cleanPath))
		ok := false
		for _, allowed := range allowedExts {
			if ext == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: extension %q not allowed (want one of %s)",
				cleanPath, ext, strings.Join(allowedExts, ", "))
		}
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("stat input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file", cleanPath)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", cleanPath)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return fmt.Errorf("%s too large: %d bytes (max %d)", cleanPath, info.Size(), maxSize)
	}
	return nil
}

// ValidateOutputDir checks that the directory that will hold an output file
// exists and is a directory. The file itself may not exist yet.
func ValidateOutputDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
