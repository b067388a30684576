package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Validator inspects artifacts after they are written. It depends on the
// PathBuilder layout only as a contract: file extension and the parent
// folder name are read back from the path itself.
type Validator struct {
	// MinBytes is the smallest plausible artifact; anything shorter is
	// treated as a truncated or error-page download.
	MinBytes int64
}

var knownExtensions = map[string]struct{}{
	"xml": {},
	"pdf": {},
	"bin": {},
}

// Validate checks existence, minimum size, extension and the parent
// category folder. A failed check returns a ValidationError; the artifact
// stays on disk either way.
func (v Validator) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("stat failed: %v", err)}
	}
	if info.IsDir() {
		return &ValidationError{Path: path, Reason: "path is a directory"}
	}
	if info.Size() < v.MinBytes {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("file too small: %d bytes (minimum %d)", info.Size(), v.MinBytes)}
	}

	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if _, ok := knownExtensions[ext]; !ok {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("unexpected extension %q", ext)}
	}

	parent := filepath.Base(filepath.Dir(path))
	if parent != string(Outgoing) && parent != string(Incoming) {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("parent folder %q is not a direction folder", parent)}
	}
	return nil
}
