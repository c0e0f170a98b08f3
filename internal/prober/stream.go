package prober

import (
	"math"
	"strconv"
	"strings"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Stream is one entry of ffprobe's stream list.
type Stream struct {
	Index      int               `json:"index"`
	CodecType  string            `json:"codec_type"`
	CodecName  string            `json:"codec_name"`
	Duration   string            `json:"duration,omitempty"`
	Width      int               `json:"width,omitempty"`
	Height     int               `json:"height,omitempty"`
	RFrameRate string            `json:"r_frame_rate,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Summary holds the values pulled from the primary video stream.
type Summary struct {
	Duration   float64
	Width      int
	Height     int
	FrameRate  int
	VideoCodec string
	AudioCodec string
}

// Summarize reads duration, resolution and frame rate from the first video stream.
func Summarize(streams []Stream) (Summary, error) {
	var s Summary
	var video *Stream
	for i := range streams {
		switch streams[i].CodecType {
		case "video":
			if video == nil {
				video = &streams[i]
			}
		case "audio":
			if s.AudioCodec == "" {
				s.AudioCodec = streams[i].CodecName
			}
		}
	}
	if video == nil {
		return s, models.ErrNoVideoStream
	}

	s.Duration = StreamDuration(*video)
	s.Width = video.Width
	s.Height = video.Height
	s.FrameRate = ParseFrameRate(video.RFrameRate)
	s.VideoCodec = video.CodecName
	return s, nil
}

// StreamDuration prefers the duration field, then the DURATION tag, else 0.
func StreamDuration(v Stream) float64 {
	if v.Duration != "" {
		if d, err := strconv.ParseFloat(v.Duration, 64); err == nil {
			return d
		}
	}
	if tag, ok := v.Tags["DURATION"]; ok {
		return ParseDurationTag(tag)
	}
	return 0
}

// ParseDurationTag converts "HH:MM:SS.fraction" (hours and minutes optional) to seconds.
// Unparseable input yields 0.
func ParseDurationTag(s string) float64 {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0
	}

	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return 0
		}
		total = total*60 + v
	}
	return total
}

// ParseFrameRate rounds an "n/d" rational to the nearest integer; d of 0 yields 0.
func ParseFrameRate(s string) int {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return int(math.Round(n))
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return int(math.Round(n / d))
}
