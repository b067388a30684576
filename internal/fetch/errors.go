package fetch

import (
	"fmt"
	"strings"
)

// Category distinguishes the two linked files of a table row: the
// machine-readable note (primary) and its printable receipt (companion).
type Category string

const (
	CategoryPrimary   Category = "nfse"
	CategoryCompanion Category = "danfse"
)

// LinkNotFoundError is returned when every resolution strategy failed for a
// category. It is a row-level failure: the scan records it and moves on.
type LinkNotFoundError struct {
	Category  Category
	Attempted []string
}

func (e *LinkNotFoundError) Error() string {
	return fmt.Sprintf("no %s link found (tried %s)", e.Category, strings.Join(e.Attempted, ", "))
}

// DownloadHTTPError is a non-2xx response to a direct download request.
type DownloadHTTPError struct {
	Status int
	URL    string
}

func (e *DownloadHTTPError) Error() string {
	return fmt.Sprintf("download returned status %d for %s", e.Status, e.URL)
}

// ValidationError flags an artifact that was written but failed inspection.
// The file is kept on disk for manual review; deleting it would hide
// evidence of a partial success.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("artifact %s failed validation: %s", e.Path, e.Reason)
}
