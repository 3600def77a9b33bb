// Package dispatch routes incoming chat messages to the print and scan
// workflows and reports the results back to the chat.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"printerbot/internal/attachment"
	"printerbot/internal/domain"
	"printerbot/internal/metrics"
	"printerbot/internal/peripheral"

	"github.com/spf13/afero"
)

const (
	// ScanDir is the cache subdirectory receiving scanned images.
	ScanDir = "scan"

	scanKeyword    = "scan"
	scanTimeLayout = "2006_01_02_15_04_05"
	scanExtension  = ".jpeg"
)

// Reply texts.
const (
	MsgUsageHint     = "No files attached. Are you trying to scan? If so, try `scan` command."
	MsgStartingScan  = "Starting scan..."
	MsgScanResult    = "Result"
	MsgPrintingFiles = "Found some files attached, trying to print..."
	MsgInternalError = "Internal error while handling this message, see the bot logs."
	MsgUploadFailed  = "Could not attach the file"
)

// Invoker runs a peripheral command template against a file.
type Invoker interface {
	Invoke(ctx context.Context, template, path string) peripheral.Outcome
}

// Config configures a Dispatcher.
type Config struct {
	CacheRoot    string
	PrintCommand string
	ScanCommand  string

	Client  domain.Client
	Invoker Invoker          // defaults to a peripheral.Invoker without timeout
	Fs      afero.Fs         // defaults to the OS filesystem
	Now     func() time.Time // defaults to time.Now
	Logger  *slog.Logger
}

// Dispatcher handles one message at a time for a single messaging client.
// It keeps no state between messages.
type Dispatcher struct {
	cacheRoot    string
	printCommand string
	scanCommand  string

	client  domain.Client
	fetcher *attachment.Fetcher
	invoker Invoker
	fs      afero.Fs
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Invoker == nil {
		cfg.Invoker = peripheral.New(peripheral.Config{Logger: cfg.Logger})
	}
	return &Dispatcher{
		cacheRoot:    cfg.CacheRoot,
		printCommand: cfg.PrintCommand,
		scanCommand:  cfg.ScanCommand,
		client:       cfg.Client,
		fetcher: attachment.NewFetcher(attachment.FetcherConfig{
			CacheRoot: cfg.CacheRoot,
			Client:    cfg.Client,
			Fs:        cfg.Fs,
			Logger:    cfg.Logger,
		}),
		invoker: cfg.Invoker,
		fs:      cfg.Fs,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
}

// OnMessage handles a single incoming message. Every failure ends up as a
// chat reply; nothing escapes to the caller.
func (d *Dispatcher) OnMessage(ctx context.Context, msg domain.InboundMessage) {
	metrics.MessagesTotal.Inc()
	logger := d.logger.With("channel", msg.Channel, "chat_id", msg.ChatID, "message_id", msg.MessageID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked", "panic", r)
			d.reply(ctx, logger, msg, MsgInternalError, nil)
		}
	}()

	files, err := d.fetcher.Fetch(ctx, msg)
	if err != nil {
		metrics.RetrievalFailures.Inc()
		logger.Warn("attachment retrieval failed", "err", err)
		d.reply(ctx, logger, msg, "Error during image retrieval - "+err.Error(), nil)
		return
	}

	if len(files) == 0 {
		if !strings.Contains(strings.ToLower(msg.Content), scanKeyword) {
			d.reply(ctx, logger, msg, MsgUsageHint, nil)
			return
		}
		d.scan(ctx, logger, msg)
		return
	}

	d.printFiles(ctx, logger, msg, files)
}

func (d *Dispatcher) scan(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage) {
	d.reply(ctx, logger, msg, MsgStartingScan, nil)

	path, err := d.scanDestination()
	if err != nil {
		metrics.ScansFailed.Inc()
		logger.Error("cannot prepare scan destination", "err", err)
		d.reply(ctx, logger, msg, "Error during image scanning - "+err.Error(), nil)
		return
	}

	out := d.invoker.Invoke(ctx, d.scanCommand, path)
	if err := out.Err(); err != nil {
		metrics.ScansFailed.Inc()
		d.reply(ctx, logger, msg, "Error during image scanning - "+err.Error(), nil)
		return
	}

	metrics.ScansSucceeded.Inc()
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	logger.Info("scan finished", "path", abs)
	d.reply(ctx, logger, msg, MsgScanResult, []string{abs})
}

// scanDestination returns a not-yet-existing path under the scan directory,
// named after the current time.
func (d *Dispatcher) scanDestination() (string, error) {
	dir := filepath.Join(d.cacheRoot, ScanDir)
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scan dir: %w", err)
	}

	stamp := d.now().Format(scanTimeLayout)
	path := filepath.Join(dir, stamp+scanExtension)
	for n := 1; ; n++ {
		exists, err := afero.Exists(d.fs, path)
		if err != nil {
			return "", fmt.Errorf("check %s: %w", path, err)
		}
		if !exists {
			return path, nil
		}
		path = filepath.Join(dir, stamp+"_"+strconv.Itoa(n)+scanExtension)
	}
}

func (d *Dispatcher) printFiles(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, files []attachment.CachedFile) {
	d.reply(ctx, logger, msg, MsgPrintingFiles, nil)

	for _, f := range files {
		out := d.invoker.Invoke(ctx, d.printCommand, f.Path)
		if err := out.Err(); err != nil {
			metrics.PrintsFailed.Inc()
			d.reply(ctx, logger, msg, "Error during image printing - "+err.Error(), nil)
			continue
		}
		metrics.PrintsSucceeded.Inc()
		logger.Info("file printed", "name", f.Name, "path", f.Path)
		d.reply(ctx, logger, msg, fmt.Sprintf("Printed `%s`!", f.Name), nil)
	}
}

// reply sends text and files. When a reply carrying files fails, the text is
// sent again on its own with a note so the user still gets an answer.
func (d *Dispatcher) reply(ctx context.Context, logger *slog.Logger, msg domain.InboundMessage, text string, files []string) {
	err := d.client.Reply(ctx, msg, text, files)
	if err == nil {
		return
	}
	logger.Error("reply failed", "text", text, "files", len(files), "err", err)
	if len(files) == 0 {
		return
	}
	fallback := fmt.Sprintf("%s\n%s - %v", text, MsgUploadFailed, err)
	if err := d.client.Reply(ctx, msg, fallback, nil); err != nil {
		logger.Error("text-only reply failed", "err", err)
	}
}
