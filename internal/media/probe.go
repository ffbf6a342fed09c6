package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ProbeResult is the parsed ffprobe output.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes one stream in the container.
type Stream struct {
	Index      int    `json:"index"`
	CodecName  string `json:"codec_name"`
	CodecType  string `json:"codec_type"`
	Duration   string `json:"duration,omitempty"`
	BitRate    string `json:"bit_rate,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Format holds container level metadata.
type Format struct {
	Filename   string `json:"filename"`
	NBStreams  int    `json:"nb_streams"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
	FormatName string `json:"format_name"`
}

// Probe inspects path with ffprobe.
func (r *Runner) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	resolved, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if resolved == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidRequest)
	}

	var stdout bytes.Buffer
	args := []string{"-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", resolved}
	if err := r.run(ctx, r.ffprobe, args, &stdout); err != nil {
		return nil, err
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var result ProbeResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("ffprobe parse: %w", err)
	}
	return &result, nil
}

// StreamCount counts streams of codecType ("video", "audio", ...).
func (p *ProbeResult) StreamCount(codecType string) int {
	count := 0
	for _, s := range p.Streams {
		if strings.EqualFold(s.CodecType, codecType) {
			count++
		}
	}
	return count
}

// DurationSeconds returns the container duration, or 0 when unknown.
func (p *ProbeResult) DurationSeconds() float64 {
	v := strings.TrimSpace(p.Format.Duration)
	if v == "" {
		return 0
	}
	d, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(d) || d < 0 {
		return 0
	}
	return d
}
