package domain

import (
	"fmt"
	"strconv"
)

// MediaFormat and MediaStream mirror the ffprobe JSON fields the processor reads.
type MediaFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	BitRate    string `json:"bit_rate"`
}

type MediaStream struct {
	Index          int    `json:"index"`
	CodecType      string `json:"codec_type"`
	CodecName      string `json:"codec_name"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	PixFmt         string `json:"pix_fmt"`
	FieldOrder     string `json:"field_order"`
	ColorTransfer  string `json:"color_transfer"`
	ColorPrimaries string `json:"color_primaries"`
	RFrameRate     string `json:"r_frame_rate"`
	Channels       int    `json:"channels"`
	ChannelLayout  string `json:"channel_layout"`
}

type MediaInfo struct {
	Format  MediaFormat   `json:"format"`
	Streams []MediaStream `json:"streams"`
}

func (m *MediaInfo) VideoStream() *MediaStream {
	return m.firstStream("video")
}

func (m *MediaInfo) AudioStream() *MediaStream {
	return m.firstStream("audio")
}

func (m *MediaInfo) firstStream(codecType string) *MediaStream {
	for i := range m.Streams {
		if m.Streams[i].CodecType == codecType {
			return &m.Streams[i]
		}
	}
	return nil
}

// Interlaced reports whether the first video stream carries interlaced fields.
func (m *MediaInfo) Interlaced() bool {
	vs := m.VideoStream()
	if vs == nil {
		return false
	}
	switch vs.FieldOrder {
	case "tt", "bb", "tb", "bt":
		return true
	}
	return false
}

// DurationSeconds returns the container duration, or 0 when unknown.
func (m *MediaInfo) DurationSeconds() float64 {
	return ParseDuration(m.Format.Duration)
}

func ParseFrameRate(fraction string) float64 {
	if fraction == "" || fraction == "0/0" {
		return 0
	}
	var num, den int
	if _, err := fmt.Sscanf(fraction, "%d/%d", &num, &den); err == nil && den > 0 {
		return float64(num) / float64(den)
	}
	return 0
}

func ParseDuration(durationStr string) float64 {
	if durationStr == "" || durationStr == "N/A" {
		return 0
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil || duration < 0 {
		return 0
	}
	return duration
}
