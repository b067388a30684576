package fetch

import (
	"path/filepath"
	"strings"
)

// Direction is the document-direction folder an artifact is filed under.
// The values are the folder names themselves.
type Direction string

const (
	Outgoing Direction = "Emitidas"
	Incoming Direction = "Recebidas"
)

// PathBuilder maps (period, company, direction) to the on-disk layout
// consumed by the export tooling:
//
//	{base}/{MM-YYYY}/{sanitizedCompany}/{Emitidas|Recebidas}/{documentKey}.{ext}
//
// It performs no I/O and is deterministic: identical inputs always produce
// the identical path string, which makes re-runs overwrite in place instead
// of duplicating files.
type PathBuilder struct {
	Base string
}

// Dir returns the directory an artifact belongs in. Callers create it.
func (b PathBuilder) Dir(p Period, company string, d Direction) string {
	return filepath.Join(b.Base, p.Folder(), SanitizeSegment(company), string(d))
}

// FileName builds the artifact file name from the portal-issued document key.
func FileName(documentKey, ext string) string {
	return SanitizeSegment(documentKey) + "." + ext
}

// SanitizeSegment makes a string safe as a single path segment on Windows,
// Linux and macOS: characters illegal on any of the three are replaced,
// whitespace is trimmed and internal runs are collapsed to one space.
func SanitizeSegment(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			sb.WriteRune('-')
		default:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}
