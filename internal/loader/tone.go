// ABOUTME: Generated sine tone source for testing without audio files
// ABOUTME: Track ids look like tone:<hz>[:<duration>[:<rate>]]
package loader

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
)

const (
	tonePrefix       = "tone:"
	toneDefaultRate  = 48000
	toneDefaultLen   = 10 * time.Second
	toneChannels     = 2
	toneAmplitude    = 0.5
	toneMaxFrequency = 20000
)

type toneSource struct {
	frequency float64
	format    audio.Format
	total     int64
	pos       int64
}

func newToneSource(id string) (*toneSource, error) {
	parts := strings.Split(strings.TrimPrefix(id, tonePrefix), ":")
	if len(parts) > 3 {
		return nil, fmt.Errorf("%w: malformed tone id %q", ErrUnsupported, id)
	}

	freq, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || freq <= 0 || freq > toneMaxFrequency {
		return nil, fmt.Errorf("%w: invalid tone frequency in %q", ErrUnsupported, id)
	}

	length := toneDefaultLen
	if len(parts) > 1 {
		length, err = time.ParseDuration(parts[1])
		if err != nil || length <= 0 {
			return nil, fmt.Errorf("%w: invalid tone duration in %q", ErrUnsupported, id)
		}
	}

	rate := toneDefaultRate
	if len(parts) > 2 {
		rate, err = strconv.Atoi(parts[2])
		if err != nil || rate < 8000 || rate > 384000 {
			return nil, fmt.Errorf("%w: invalid tone rate in %q", ErrUnsupported, id)
		}
	}

	format := audio.Format{SampleRate: rate, Channels: toneChannels, BitDepth: 24}
	return &toneSource{
		frequency: freq,
		format:    format,
		total:     int64(format.FramesFor(length)),
	}, nil
}

func (s *toneSource) Format() audio.Format { return s.format }

func (s *toneSource) Duration() time.Duration { return s.format.DurationOf(s.total) }

func (s *toneSource) Read(dst []float32) (int, error) {
	if s.pos >= s.total {
		return 0, io.EOF
	}
	frames := min(int64(len(dst)/toneChannels), s.total-s.pos)
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)
	for i := int64(0); i < frames; i++ {
		v := float32(toneAmplitude * math.Sin(step*float64(s.pos+i)))
		dst[i*2] = v
		dst[i*2+1] = v
	}
	s.pos += frames
	return int(frames) * toneChannels, nil
}

func (s *toneSource) Seek(offset time.Duration) error {
	s.pos = min(max(int64(s.format.FramesFor(offset)), 0), s.total)
	return nil
}

func (s *toneSource) Close() error { return nil }
