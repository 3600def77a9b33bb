// Package attachment downloads chat attachments into the local print cache.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"printerbot/internal/domain"
	"printerbot/internal/metrics"
	"printerbot/internal/slug"

	"github.com/spf13/afero"
)

// PrintDir is the cache subdirectory holding downloaded attachments.
const PrintDir = "print"

// CachedFile is an attachment resolved to a file on disk.
type CachedFile struct {
	Path string
	Name string
}

// RetrievalError reports a failed attachment download. It aborts the whole
// fetch for the message.
type RetrievalError struct {
	ID     string
	Name   string
	Status int    // platform status code, 0 when no response was received
	Body   string // platform response body
	Err    error  // transport or filesystem error, if any
}

func (e *RetrievalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot get image %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%d status_code when trying to get image %s! %s", e.Status, e.Name, e.Body)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	CacheRoot string
	Client    domain.Client
	Fs        afero.Fs // defaults to the OS filesystem
	Logger    *slog.Logger
}

// Fetcher resolves message attachments to cached local files.
type Fetcher struct {
	root   string
	client domain.Client
	fs     afero.Fs
	logger *slog.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		root:   cfg.CacheRoot,
		client: cfg.Client,
		fs:     cfg.Fs,
		logger: cfg.Logger,
	}
}

// Path returns the cache location of att, <root>/print/<slug>.<ext>. The same
// identifier always maps to the same path. An empty extension keeps the
// trailing dot so caches written by earlier bot versions still hit.
func (f *Fetcher) Path(att domain.Attachment) string {
	name := slug.Make(att.ID) + "." + cleanExtension(att.Extension)
	return filepath.Join(f.root, PrintDir, name)
}

// Fetch downloads every attachment of msg that is not cached yet, one at a
// time and in order. It returns nil when msg has no attachment field. The
// first failed download aborts the fetch; files written before it stay cached.
func (f *Fetcher) Fetch(ctx context.Context, msg domain.InboundMessage) ([]CachedFile, error) {
	if !msg.HasAttachmentField() {
		return nil, nil
	}

	files := make([]CachedFile, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		path := f.Path(att)
		files = append(files, CachedFile{Path: path, Name: att.Name})

		exists, err := afero.Exists(f.fs, path)
		if err != nil {
			return nil, &RetrievalError{ID: att.ID, Name: att.Name, Err: err}
		}
		if exists {
			f.logger.Debug("attachment already downloaded, skipping", "id", att.ID, "path", path)
			metrics.AttachmentCacheHits.Inc()
			continue
		}

		if err := f.download(ctx, att, path); err != nil {
			return nil, err
		}
	}
	return files, nil
}

func (f *Fetcher) download(ctx context.Context, att domain.Attachment, path string) error {
	status, body, err := f.client.GetFileContent(ctx, att)
	if err != nil {
		return &RetrievalError{ID: att.ID, Name: att.Name, Err: err}
	}
	if status != http.StatusOK {
		return &RetrievalError{ID: att.ID, Name: att.Name, Status: status, Body: string(body)}
	}

	if err := f.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &RetrievalError{ID: att.ID, Name: att.Name, Status: status, Err: fmt.Errorf("create cache dir: %w", err)}
	}
	if err := afero.WriteFile(f.fs, path, body, 0o644); err != nil {
		return &RetrievalError{ID: att.ID, Name: att.Name, Status: status, Err: fmt.Errorf("write %s: %w", path, err)}
	}

	metrics.AttachmentDownloads.Inc()
	f.logger.Info("attachment saved", "id", att.ID, "path", path, "size", len(body))
	return nil
}

// cleanExtension keeps the platform extension as-is unless it would escape
// the cache directory.
func cleanExtension(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if strings.ContainsAny(ext, `/\`) || strings.Contains(ext, "..") {
		return slug.Make(ext)
	}
	return ext
}
