// Package ffmpeg wraps the ffmpeg and ffprobe binaries for RTSP ingest:
// probing sources, planning HLS conversion commands, running and observing
// the resulting processes, and capturing still frames.
package ffmpeg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxStderrLines bounds the in-memory stderr tail kept per process.
const maxStderrLines = 100

// Command represents one ffmpeg invocation.
type Command struct {
	Binary   string
	Args     []string
	Input    string
	Output   string
	LogLevel string

	// Process control
	cmd      *exec.Cmd
	started  time.Time
	finished atomic.Bool
	mu       sync.RWMutex

	// Stderr capture
	stderrLogPath string
	stderrLines   []string
	stderrMu      sync.RWMutex
	stderrDone    chan struct{}
}

// CommandBuilder assembles ffmpeg argv segments in their required order:
// input options, -i, video options, audio options, output options, output path.
type CommandBuilder struct {
	binary        string
	logLevel      string
	inputArgs     []string
	input         string
	videoArgs     []string
	audioArgs     []string
	outputArgs    []string
	output        string
	stderrLogPath string
}

// NewCommandBuilder creates a new ffmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   ffmpegPath,
		logLevel: "error",
	}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// Input sets the input source URL.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs appends options that must precede -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoArgs appends video codec options.
func (b *CommandBuilder) VideoArgs(args ...string) *CommandBuilder {
	b.videoArgs = append(b.videoArgs, args...)
	return b
}

// AudioArgs appends audio codec options.
func (b *CommandBuilder) AudioArgs(args ...string) *CommandBuilder {
	b.audioArgs = append(b.audioArgs, args...)
	return b
}

// OutputArgs appends muxer options.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// Output sets the output destination path.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// StderrLogPath sets a file to append ffmpeg stderr output to.
func (b *CommandBuilder) StderrLogPath(path string) *CommandBuilder {
	b.stderrLogPath = path
	return b
}

// Build assembles the final command.
func (b *CommandBuilder) Build() *Command {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.videoArgs...)
	args = append(args, b.audioArgs...)
	args = append(args, b.outputArgs...)
	args = append(args, b.output)

	return &Command{
		Binary:        b.binary,
		Args:          args,
		Input:         b.input,
		Output:        b.output,
		LogLevel:      b.logLevel,
		stderrLogPath: b.stderrLogPath,
		stderrLines:   make([]string, 0, maxStderrLines),
	}
}

// String returns the command as a printable string.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start launches the process and begins capturing stderr.
func (c *Command) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("command already started")
	}

	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}

	c.cmd = cmd
	c.started = time.Now()
	c.stderrDone = make(chan struct{})
	go c.captureStderr(stderr, c.stderrLogPath, c.stderrDone)

	return nil
}

// Wait blocks until the process exits and stderr capture drains.
// It must be called exactly once after a successful Start.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	done := c.stderrDone
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	err := cmd.Wait()
	c.finished.Store(true)
	if done != nil {
		<-done
	}
	return err
}

// Signal sends a signal to the process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}

// Kill terminates the process immediately.
func (c *Command) Kill() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// IsRunning reports whether the process has started and not yet been reaped.
func (c *Command) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return false
	}
	return !c.finished.Load()
}

// PID returns the process ID, or 0 before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the process has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// StderrTail returns a copy of the most recent stderr lines.
func (c *Command) StderrTail() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// StderrText returns the captured stderr tail joined into one string.
func (c *Command) StderrText() string {
	return strings.Join(c.StderrTail(), "\n")
}

// captureStderr stores recent stderr lines in a bounded ring and
// optionally appends them to a log file.
func (c *Command) captureStderr(stderr io.ReadCloser, logPath string, done chan struct{}) {
	defer close(done)

	var logFile *os.File
	if logPath != "" {
		var err error
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err == nil {
			defer logFile.Close()
			fmt.Fprintf(logFile, "\n=== ffmpeg session started at %s ===\n", time.Now().Format(time.RFC3339))
			fmt.Fprintf(logFile, "command: %s\n\n", c.String())
		}
	}

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()

		c.stderrMu.Lock()
		if len(c.stderrLines) >= maxStderrLines {
			c.stderrLines = c.stderrLines[1:]
		}
		c.stderrLines = append(c.stderrLines, line)
		c.stderrMu.Unlock()

		if logFile != nil {
			fmt.Fprintln(logFile, line)
		}
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== ffmpeg session ended at %s ===\n", time.Now().Format(time.RFC3339))
	}
}
