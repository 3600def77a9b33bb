package channel

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"printerbot/internal/domain"
)

// Console implements domain.Channel for a local terminal session. Words
// starting with @ name local files to attach.
type Console struct {
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	mu  sync.Mutex
	seq int
}

type ConsoleConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Console{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *Console) Name() string { return "console" }

// Start runs the interactive loop and blocks until EOF, /quit or context
// cancellation. Each line is handled before the next is dispatched. Lines are
// read on a separate goroutine so cancellation does not wait for input.
func (c *Console) Start(ctx context.Context, handler domain.MessageHandler) error {
	c.printf("printerbot console. Attach files with @path, type scan to scan, /quit to exit.\n")
	c.prompt()

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err // nil at EOF
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			c.prompt()
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		msg, err := c.parseLine(line)
		if err != nil {
			c.printf("error: %v\n", err)
			c.prompt()
			continue
		}
		handler.OnMessage(ctx, msg)
		c.prompt()
	}
}

// Stop is a no-op for the console (we exit when Start returns).
func (c *Console) Stop() error { return nil }

// parseLine turns a typed line into a message. @-words become attachments
// identified by a hash of the file content, so an edited file is not served
// from the cache.
func (c *Console) parseLine(line string) (domain.InboundMessage, error) {
	c.mu.Lock()
	c.seq++
	id := strconv.Itoa(c.seq)
	c.mu.Unlock()

	msg := domain.InboundMessage{
		Channel:   "console",
		ChatID:    "local",
		MessageID: id,
		SenderID:  "user",
		Timestamp: time.Now(),
	}

	var words []string
	for _, field := range strings.Fields(line) {
		path, ok := strings.CutPrefix(field, "@")
		if !ok || path == "" {
			words = append(words, field)
			continue
		}
		att, err := localAttachment(path)
		if err != nil {
			return domain.InboundMessage{}, err
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	msg.Content = strings.Join(words, " ")
	return msg, nil
}

func localAttachment(path string) (domain.Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.Attachment{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("attach %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return domain.Attachment{
		ID:        "local-" + hex.EncodeToString(sum[:8]),
		Name:      filepath.Base(abs),
		Extension: fileExtension(abs, ""),
		URL:       abs,
	}, nil
}

// GetFileContent reads the attached local file.
func (c *Console) GetFileContent(_ context.Context, att domain.Attachment) (int, []byte, error) {
	data, err := os.ReadFile(att.URL)
	switch {
	case err == nil:
		return http.StatusOK, data, nil
	case os.IsNotExist(err):
		return http.StatusNotFound, []byte(err.Error()), nil
	case os.IsPermission(err):
		return http.StatusForbidden, []byte(err.Error()), nil
	}
	return 0, nil, err
}

// Reply prints the text and the paths of attached files.
func (c *Console) Reply(_ context.Context, _ domain.InboundMessage, text string, filePaths []string) error {
	var b strings.Builder
	b.WriteString("bot> ")
	b.WriteString(text)
	b.WriteString("\n")
	for _, p := range filePaths {
		b.WriteString("     [file] ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *Console) prompt() { c.printf("you> ") }

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
