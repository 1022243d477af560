package ffmpeg

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nofearsk/rtspserver/internal/models"
	"github.com/nofearsk/rtspserver/internal/observability"
)

// HLSOptions carries runtime-tunable segmenting values. A zero field means
// "use the latency-mode default".
type HLSOptions struct {
	Time     int
	ListSize int
}

// Planner assembles ffmpeg pipelines for RTSP to HLS conversion. Probe
// results steer the copy-vs-transcode decision; per-feed override maps get
// the final word on individual flags.
type Planner struct {
	ffmpegPath string
	logger     *slog.Logger
}

// NewPlanner creates a planner that launches the given ffmpeg binary.
func NewPlanner(ffmpegPath string) *Planner {
	return &Planner{
		ffmpegPath: ffmpegPath,
		logger:     slog.Default(),
	}
}

// WithLogger sets the logger used for plan decisions.
func (p *Planner) WithLogger(logger *slog.Logger) *Planner {
	p.logger = logger
	return p
}

// PlanHLS builds the ffmpeg command that ingests the feed's RTSP source and
// writes an HLS playlist plus segments under outputDir. probe may be nil, in
// which case stream copy is assumed viable for both tracks.
func (p *Planner) PlanHLS(feed *models.Feed, probe *ProbeResult, outputDir string, opts HLSOptions) *Command {
	overrides := p.parseOverrides(feed)
	low := overrides.flag("low_latency", feed.LatencyMode == models.LatencyModeLow)

	b := NewCommandBuilder(p.ffmpegPath).
		Input(feed.SourceURL).
		Output(filepath.Join(outputDir, "stream.m3u8")).
		StderrLogPath(filepath.Join(outputDir, "ffmpeg.log"))

	p.planInput(b, overrides, low)
	p.planVideo(b, feed, probe, overrides)
	p.planAudio(b, feed, probe, overrides)
	p.planOutput(b, overrides, low, opts, outputDir)

	cmd := b.Build()

	// The command line embeds the source URL; its credentials must not
	// reach the log stream.
	line := strings.Replace(cmd.String(), feed.SourceURL, observability.RedactURL(feed.SourceURL), 1)
	p.logger.Debug("planned hls pipeline", "feed_id", feed.ID, "command", line)
	return cmd
}

func (p *Planner) parseOverrides(feed *models.Feed) overrideMap {
	if feed.FFmpegOverrides == "" {
		return overrideMap{}
	}
	var m overrideMap
	if err := json.Unmarshal([]byte(feed.FFmpegOverrides), &m); err != nil {
		p.logger.Warn("ignoring invalid ffmpeg overrides", "feed_id", feed.ID, "error", err)
		return overrideMap{}
	}
	return m
}

func (p *Planner) planInput(b *CommandBuilder, overrides overrideMap, low bool) {
	if low {
		b.InputArgs(
			"-fflags", "nobuffer+flush_packets",
			"-flags", "low_delay",
			"-max_delay", "0",
			"-avioflags", "direct",
		)
	}

	b.InputArgs("-rtsp_transport", overrides.str("rtsp_transport", "tcp"))
	b.InputArgs("-rtsp_flags", "prefer_tcp")

	bufferSize := "1024000"
	if low {
		bufferSize = "512000"
	}
	b.InputArgs("-buffer_size", overrides.str("buffer_size", bufferSize))

	// Socket timeout in microseconds. Older configs may still carry the
	// pre-rename "stimeout" key.
	timeout := overrides.str("timeout", overrides.str("stimeout", "5000000"))
	b.InputArgs("-timeout", timeout)

	b.InputArgs("-y")
	b.InputArgs(overrides.strSlice("input_args")...)
}

func (p *Planner) planVideo(b *CommandBuilder, feed *models.Feed, probe *ProbeResult, overrides overrideMap) {
	forceTranscode := feed.UseTranscode || overrides.flag("transcode_video", false)
	canCopy := probe == nil || probe.CanCopyVideo

	if forceTranscode || !canCopy {
		b.VideoArgs("-c:v", "libx264")
		b.VideoArgs("-preset", overrides.str("preset", "ultrafast"))
		b.VideoArgs("-tune", overrides.str("tune", "zerolatency"))
		b.VideoArgs("-profile:v", overrides.str("profile", "baseline"))
		b.VideoArgs("-crf", overrides.str("crf", "23"))

		// Force keyframes on segment boundaries so every segment is
		// independently decodable. Copy mode relies on the source GOP.
		keyframeInterval := 3
		if feed.LatencyMode == models.LatencyModeLow {
			keyframeInterval = 1
		}
		b.VideoArgs("-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", keyframeInterval))

		if bitrate := overrides.str("video_bitrate", ""); bitrate != "" {
			b.VideoArgs("-b:v", bitrate)
			b.VideoArgs("-maxrate", bitrate)
			b.VideoArgs("-bufsize", overrides.str("bufsize", "2M"))
		}
		if scale := overrides.str("scale", ""); scale != "" {
			b.VideoArgs("-vf", "scale="+scale)
		}

		p.logger.Debug("video transcode enabled", "feed_id", feed.ID, "forced", forceTranscode)
	} else {
		b.VideoArgs("-c:v", "copy")
	}

	b.VideoArgs(overrides.strSlice("video_args")...)
}

func (p *Planner) planAudio(b *CommandBuilder, feed *models.Feed, probe *ProbeResult, overrides overrideMap) {
	hasAudio := probe == nil || probe.AudioCodec != ""
	if overrides.flag("no_audio", false) || !hasAudio {
		b.AudioArgs("-an")
		return
	}

	forceTranscode := overrides.flag("transcode_audio", false)
	canCopy := probe == nil || probe.CanCopyAudio

	if forceTranscode || !canCopy {
		b.AudioArgs("-c:a", "aac")
		b.AudioArgs("-b:a", overrides.str("audio_bitrate", "128k"))
		b.AudioArgs("-ac", overrides.str("audio_channels", "2"))
		p.logger.Debug("audio transcode enabled", "feed_id", feed.ID, "forced", forceTranscode)
	} else {
		b.AudioArgs("-c:a", "copy")
	}

	b.AudioArgs(overrides.strSlice("audio_args")...)
}

func (p *Planner) planOutput(b *CommandBuilder, overrides overrideMap, low bool, opts HLSOptions, outputDir string) {
	b.OutputArgs("-f", "hls")

	var hlsTime, hlsListSize int
	var hlsFlags string
	if low {
		hlsTime, hlsListSize = 1, 4
		hlsFlags = "delete_segments+append_list+omit_endlist+split_by_time"
	} else {
		hlsTime, hlsListSize = 3, 8
		hlsFlags = "delete_segments+append_list+omit_endlist"
	}
	if opts.Time > 0 {
		hlsTime = opts.Time
	}
	if opts.ListSize > 0 {
		hlsListSize = opts.ListSize
	}

	b.OutputArgs("-hls_time", overrides.str("hls_time", strconv.Itoa(hlsTime)))
	b.OutputArgs("-hls_list_size", overrides.str("hls_list_size", strconv.Itoa(hlsListSize)))
	b.OutputArgs("-hls_flags", overrides.str("hls_flags", hlsFlags))
	b.OutputArgs("-hls_segment_filename", filepath.Join(outputDir, "segment_%03d.ts"))
	b.OutputArgs("-start_number", "0")
	b.OutputArgs(overrides.strSlice("output_args")...)
}

// overrideMap is a decoded ffmpeg_overrides JSON object. Values arrive as
// string, float64, bool or []any depending on how the user wrote them, so
// every accessor coerces.
type overrideMap map[string]any

func (m overrideMap) str(key, fallback string) string {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	s, ok := coerceString(v)
	if !ok {
		return fallback
	}
	return s
}

func (m overrideMap) flag(key string, fallback bool) bool {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return fallback
		}
		return parsed
	case float64:
		return t != 0
	default:
		return fallback
	}
}

func (m overrideMap) strSlice(key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := coerceString(item); ok {
			out = append(out, s)
		}
	}
	return out
}

func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
