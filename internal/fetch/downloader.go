package fetch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nfgrab/nfgrab/internal/browser"
)

// Artifact describes a file placed on disk by a direct download.
type Artifact struct {
	Path        string
	Size        int64
	Ext         string
	Category    Category
	DocumentKey string
}

// Downloader replays a resolved link as a plain HTTP GET through the
// authenticated browser session. This avoids a full page navigation (or a
// new tab) per file and gives the pipeline full control over naming,
// placement and durability of the bytes.
type Downloader struct {
	paths     PathBuilder
	validator Validator
	log       *zap.Logger
}

func NewDownloader(paths PathBuilder, validator Validator, log *zap.Logger) *Downloader {
	return &Downloader{paths: paths, validator: validator, log: log.Named("downloader")}
}

// Fetch downloads one artifact. The returned Artifact is non-nil whenever
// bytes reached the disk, even when validation failed; callers decide what
// to do with the verdict, the file itself is never discarded.
func (d *Downloader) Fetch(ctx context.Context, sess browser.Session, href string, cat Category, period Period, company string, dir Direction) (*Artifact, error) {
	abs, docKey, err := resolveReference(sess.CurrentURL(), href)
	if err != nil {
		return nil, err
	}

	resp, err := sess.Get(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("session get %s: %w", abs, err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &DownloadHTTPError{Status: resp.Status, URL: abs}
	}

	ext := classify(resp.ContentType, resp.Body)
	if ext == "bin" {
		d.log.Warn("could not classify artifact content, keeping bytes as .bin for review",
			zap.String("url", abs), zap.String("content_type", resp.ContentType))
	}

	targetDir := d.paths.Dir(period, company, dir)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", targetDir, err)
	}

	path := filepath.Join(targetDir, FileName(docKey, ext))
	if err := writeDurable(path, resp.Body); err != nil {
		return nil, err
	}

	art := &Artifact{
		Path:        path,
		Size:        int64(len(resp.Body)),
		Ext:         ext,
		Category:    cat,
		DocumentKey: docKey,
	}

	d.log.Debug("artifact written",
		zap.String("path", path),
		zap.Int64("bytes", art.Size),
		zap.String("category", string(cat)))

	if err := d.validator.Validate(path); err != nil {
		return art, err
	}
	return art, nil
}

// resolveReference makes href absolute against the current page URL and
// extracts the document key: the final path segment of the reference, which
// the portal issues as an opaque note identifier.
func resolveReference(currentURL, href string) (abs, docKey string, err error) {
	base, err := url.Parse(currentURL)
	if err != nil {
		return "", "", fmt.Errorf("parse current url %q: %w", currentURL, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", "", fmt.Errorf("parse href %q: %w", href, err)
	}
	resolved := base.ResolveReference(ref)

	segs := strings.Split(strings.TrimRight(resolved.Path, "/"), "/")
	key := segs[len(segs)-1]
	if key == "" {
		return "", "", fmt.Errorf("no document key in reference %q", href)
	}
	return resolved.String(), key, nil
}

// classify picks the artifact extension. The Content-Type header wins when
// it is specific; a generic or absent header falls back to sniffing the
// first bytes. Unknown content is kept as bin, never discarded.
func classify(contentType string, body []byte) string {
	ct := strings.ToLower(contentType)
	generic := ct == "" || strings.Contains(ct, "octet-stream")
	if !generic {
		if strings.Contains(ct, "xml") {
			return "xml"
		}
		if strings.Contains(ct, "pdf") {
			return "pdf"
		}
	}

	switch {
	case bytes.HasPrefix(body, []byte("<?xml")), bytes.HasPrefix(body, []byte("<")):
		return "xml"
	case bytes.HasPrefix(body, []byte("%PDF")):
		return "pdf"
	}
	return "bin"
}

// writeDurable writes bytes and fsyncs before returning, so the validator
// never sees a partially flushed file.
func writeDurable(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
