package ffmpeg

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoSegments is returned when an HLS capture finds no segment files to
// grab a frame from.
var ErrNoSegments = errors.New("no segments available")

// Thumbnailer grabs single JPEG frames from feeds, preferring an already
// written HLS segment over opening a second RTSP connection to the camera.
type Thumbnailer struct {
	ffmpegPath  string
	width       int
	height      int
	hlsTimeout  time.Duration
	rtspTimeout time.Duration
	logger      *slog.Logger
}

// NewThumbnailer creates a thumbnailer producing 320x180 previews.
func NewThumbnailer(ffmpegPath string) *Thumbnailer {
	return &Thumbnailer{
		ffmpegPath:  ffmpegPath,
		width:       320,
		height:      180,
		hlsTimeout:  5 * time.Second,
		rtspTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger used for capture failures.
func (t *Thumbnailer) WithLogger(logger *slog.Logger) *Thumbnailer {
	t.logger = logger
	return t
}

// CaptureFromHLS extracts a frame from the newest segment in segmentDir and
// returns it as a data URL. Returns ErrNoSegments when the directory has no
// segments yet.
func (t *Thumbnailer) CaptureFromHLS(ctx context.Context, segmentDir string) (string, error) {
	segment, err := newestSegment(segmentDir)
	if err != nil {
		return "", err
	}

	args := append([]string{"-i", segment}, t.frameArgs()...)
	return t.capture(ctx, args, t.hlsTimeout)
}

// CaptureFromSource opens the RTSP source directly and extracts one frame.
// Slower than CaptureFromHLS and creates an extra camera connection, so it
// is the fallback for feeds that are not currently running.
func (t *Thumbnailer) CaptureFromSource(ctx context.Context, rtspURL string) (string, error) {
	args := append([]string{"-rtsp_transport", "tcp", "-i", rtspURL}, t.frameArgs()...)
	return t.capture(ctx, args, t.rtspTimeout)
}

func (t *Thumbnailer) frameArgs() []string {
	return []string{
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", t.width, t.height),
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "5",
		"-y",
		"pipe:1",
	}
}

func (t *Thumbnailer) capture(ctx context.Context, args []string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	var stderr strings.Builder

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("thumbnail capture timed out after %s", timeout)
		}
		return "", fmt.Errorf("thumbnail capture failed: %s", stderrTail(stderr.String()))
	}
	if stdout.Len() == 0 {
		return "", errors.New("thumbnail capture produced no image data")
	}

	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(stdout.Bytes()), nil
}

// newestSegment returns the most recently modified .ts file in dir.
func newestSegment(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", ErrNoSegments
	}

	var newest string
	var newestMod time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ts") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = entry.Name()
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", ErrNoSegments
	}
	return filepath.Join(dir, newest), nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[len(s)-200:]
	}
	if s == "" {
		return "unknown error"
	}
	return s
}
