// Package codec canonicalizes the codec names reported by stream probes and
// answers whether a codec can be carried into MPEG-TS HLS segments without
// re-encoding. Camera firmwares and ffprobe builds disagree on naming (avc1
// vs h264, mulaw vs pcm_mulaw), so lookups go through an alias index.
package codec

import "strings"

// Video is a canonical video codec name, matching what ffprobe reports.
type Video string

// Audio is a canonical audio codec name, matching what ffprobe reports.
type Audio string

const (
	VideoH264  Video = "h264"
	VideoH265  Video = "h265"
	VideoMPEG2 Video = "mpeg2video"
	VideoMPEG4 Video = "mpeg4"
	VideoMJPEG Video = "mjpeg"
	VideoVP8   Video = "vp8"
	VideoVP9   Video = "vp9"
	VideoAV1   Video = "av1"
)

const (
	AudioAAC  Audio = "aac"
	AudioMP3  Audio = "mp3"
	AudioAC3  Audio = "ac3"
	AudioOpus Audio = "opus"
	AudioPCMA Audio = "pcm_alaw"
	AudioPCMU Audio = "pcm_mulaw"
)

type videoInfo struct {
	name    Video
	aliases []string
	// copySafe means mainstream HLS clients play the codec from MPEG-TS
	// segments, so the transcoder can stream-copy instead of re-encoding.
	copySafe bool
}

type audioInfo struct {
	name     Audio
	aliases  []string
	copySafe bool
}

var videoRegistry = []videoInfo{
	{name: VideoH264, aliases: []string{"avc", "avc1", "h.264"}, copySafe: true},
	{name: VideoH265, aliases: []string{"hevc", "hev1", "hvc1", "h.265"}, copySafe: true},
	{name: VideoMPEG2, aliases: []string{"mpeg2"}},
	{name: VideoMPEG4, aliases: []string{"mpeg-4"}},
	{name: VideoMJPEG, aliases: []string{"motionjpeg"}},
	{name: VideoVP8},
	{name: VideoVP9},
	{name: VideoAV1, aliases: []string{"av01"}},
}

var audioRegistry = []audioInfo{
	{name: AudioAAC, aliases: []string{"mp4a", "aac_latm"}, copySafe: true},
	{name: AudioMP3, aliases: []string{"mp3float"}, copySafe: true},
	{name: AudioAC3, aliases: []string{"ac-3", "a52"}, copySafe: true},
	{name: AudioOpus},
	{name: AudioPCMA, aliases: []string{"alaw", "g711a"}},
	{name: AudioPCMU, aliases: []string{"mulaw", "ulaw", "g711u"}},
}

var (
	videoIndex    = make(map[string]Video)
	audioIndex    = make(map[string]Audio)
	videoCopySafe = make(map[Video]bool)
	audioCopySafe = make(map[Audio]bool)
)

func init() {
	for _, info := range videoRegistry {
		videoIndex[string(info.name)] = info.name
		for _, alias := range info.aliases {
			videoIndex[alias] = info.name
		}
		videoCopySafe[info.name] = info.copySafe
	}
	for _, info := range audioRegistry {
		audioIndex[string(info.name)] = info.name
		for _, alias := range info.aliases {
			audioIndex[alias] = info.name
		}
		audioCopySafe[info.name] = info.copySafe
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseVideo resolves a reported video codec name or alias to its canonical
// form. The second return is false for unknown codecs.
func ParseVideo(s string) (Video, bool) {
	v, ok := videoIndex[normalize(s)]
	return v, ok
}

// ParseAudio resolves a reported audio codec name or alias to its canonical
// form. The second return is false for unknown codecs.
func ParseAudio(s string) (Audio, bool) {
	a, ok := audioIndex[normalize(s)]
	return a, ok
}

func (v Video) String() string { return string(v) }

func (a Audio) String() string { return string(a) }

// HLSCopySafe reports whether the codec can be stream-copied into MPEG-TS
// HLS segments. Unknown codecs are not copy-safe.
func (v Video) HLSCopySafe() bool { return videoCopySafe[v] }

// HLSCopySafe reports whether the codec can be stream-copied into MPEG-TS
// HLS segments. Unknown codecs are not copy-safe.
func (a Audio) HLSCopySafe() bool { return audioCopySafe[a] }

// CanCopyVideo reports whether a reported video codec name, in any alias
// spelling, is copy-safe for HLS delivery.
func CanCopyVideo(name string) bool {
	v, ok := ParseVideo(name)
	return ok && v.HLSCopySafe()
}

// CanCopyAudio reports whether a reported audio codec name, in any alias
// spelling, is copy-safe for HLS delivery.
func CanCopyAudio(name string) bool {
	a, ok := ParseAudio(name)
	return ok && a.HLSCopySafe()
}

// NormalizeVideo maps a reported video codec name to its canonical spelling.
// Unknown names pass through lowercased so they stay readable in the catalog
// and in transcode reasons.
func NormalizeVideo(name string) string {
	if v, ok := ParseVideo(name); ok {
		return string(v)
	}
	return normalize(name)
}

// NormalizeAudio maps a reported audio codec name to its canonical spelling.
// Unknown names pass through lowercased.
func NormalizeAudio(name string) string {
	if a, ok := ParseAudio(name); ok {
		return string(a)
	}
	return normalize(name)
}
