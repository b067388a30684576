package fetch

import (
	"path/filepath"
	"testing"
)

func TestPathBuilder_Dir(t *testing.T) {
	t.Parallel()
	b := PathBuilder{Base: "/data/downloads"}
	p := Period{Month: 11, Year: 2025}

	got := b.Dir(p, "ACME Ltda", Outgoing)
	want := filepath.Join("/data/downloads", "11-2025", "ACME Ltda", "Emitidas")
	if got != want {
		t.Errorf("Dir() = %q, want %q", got, want)
	}

	// Deterministic: identical inputs always produce the identical path.
	if again := b.Dir(p, "ACME Ltda", Outgoing); again != got {
		t.Errorf("Dir() not deterministic: %q vs %q", again, got)
	}
}

func TestSanitizeSegment(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"ACME Ltda", "ACME Ltda"},
		{"A/B\\C:D", "A-B-C-D"},
		{`Nota*?"<>|`, "Nota------"},
		{"  spaced   out  ", "spaced out"},
		{"tab\there", "tab here"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeSegment(tt.in); got != tt.want {
			t.Errorf("SanitizeSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()
	if got := FileName("abc123", "xml"); got != "abc123.xml" {
		t.Errorf("FileName() = %q, want %q", got, "abc123.xml")
	}
	if got := FileName("key/with/slash", "pdf"); got != "key-with-slash.pdf" {
		t.Errorf("FileName() = %q, want %q", got, "key-with-slash.pdf")
	}
}
