// Package peripheral runs the external print and scan commands.
package peripheral

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"printerbot/internal/metrics"
)

const (
	// MaxStderrExcerpt bounds the stderr text kept in an Outcome.
	MaxStderrExcerpt = 500

	defaultShell        = "sh"
	exitCommandNotFound = 127
	killWaitDelay       = 2 * time.Second
)

// Outcome is the result of one peripheral command.
type Outcome struct {
	Command   string
	Succeeded bool
	ExitCode  int    // -1 when the process never ran or was killed by a signal
	Stderr    string // at most MaxStderrExcerpt characters
	Duration  time.Duration
	StartErr  error // set when the shell itself could not be started
}

// Err returns nil for a successful outcome, a *ConfigurationError when the
// command could not be found or started, and an *ExitError otherwise.
func (o Outcome) Err() error {
	if o.Succeeded {
		return nil
	}
	if o.StartErr != nil || o.ExitCode == exitCommandNotFound {
		return &ConfigurationError{Command: o.Command, ExitCode: o.ExitCode, Stderr: o.Stderr, Err: o.StartErr}
	}
	return &ExitError{Command: o.Command, ExitCode: o.ExitCode, Stderr: o.Stderr}
}

// ExitError is a peripheral command that ran and exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("Bad returncode! `%s` returned %d%s", e.Command, e.ExitCode, stderrBlock(e.Stderr))
}

// ConfigurationError is a peripheral command that could not run at all,
// typically because its binary is missing.
type ConfigurationError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot run `%s`: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command not found: `%s` returned %d%s", e.Command, e.ExitCode, stderrBlock(e.Stderr))
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func stderrBlock(stderr string) string {
	stderr = strings.TrimRight(stderr, "\n")
	if stderr == "" {
		return ""
	}
	return ":\n```\n" + stderr + "\n```"
}

// Config configures an Invoker.
type Config struct {
	Shell          string // defaults to sh
	TimeoutSeconds int    // 0 disables the timeout
	Logger         *slog.Logger
}

// Invoker executes command templates against a file path through a shell.
type Invoker struct {
	shell   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an Invoker.
func New(cfg Config) *Invoker {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{
		shell:   cfg.Shell,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:  cfg.Logger,
	}
}

// Command builds the shell command line for template and path: the template
// followed by the absolute path.
func Command(template, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return strings.TrimSpace(template) + " " + shellQuote(abs)
}

// Invoke runs template with path appended and reports how it went. It never
// returns an error; callers inspect the Outcome.
func (i *Invoker) Invoke(ctx context.Context, template, path string) Outcome {
	command := Command(template, path)
	i.logger.Info("running command", "cmd", command)

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, i.shell, "-c", command)
	cmd.WaitDelay = killWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := Outcome{
		Command:  command,
		Duration: time.Since(start),
		Stderr:   truncate(stderr.String(), MaxStderrExcerpt),
	}
	metrics.CommandLatency.Observe(out.Duration.Seconds())

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		out.Succeeded = true
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		out.ExitCode = -1
		out.StartErr = err
	}

	if out.Succeeded {
		i.logger.Info("command finished", "cmd", command, "duration", out.Duration)
		if stdout.Len() > 0 {
			i.logger.Debug("command output", "cmd", command, "stdout", truncate(stdout.String(), MaxStderrExcerpt))
		}
	} else {
		i.logger.Warn("command failed", "cmd", command, "exit_code", out.ExitCode, "stderr", out.Stderr, "err", out.StartErr)
	}
	return out
}

// truncate cuts s to at most limit characters, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	const marker = "..."
	runes := []rune(s)
	return string(runes[:limit-len(marker)]) + marker
}

// shellQuote leaves ordinary paths untouched and single-quotes anything the
// shell would split or expand.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+:@%,=", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
