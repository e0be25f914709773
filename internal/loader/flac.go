// ABOUTME: FLAC file source backed by mewkiz/flac
// ABOUTME: Interleaves subframes into float samples and seeks by sample number
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/mewkiz/flac"
)

type flacSource struct {
	file    *os.File
	stream  *flac.Stream
	format  audio.Format
	total   uint64
	scale   float32
	pending []float32
}

func newFLACSource(f *os.File) (*flacSource, error) {
	stream, err := flac.NewSeek(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	format := audio.Format{
		SampleRate: int(info.SampleRate),
		Channels:   int(info.NChannels),
		BitDepth:   int(info.BitsPerSample),
	}
	if !format.Valid() || format.BitDepth == 0 {
		return nil, fmt.Errorf("failed to decode FLAC: unsupported stream %s", format)
	}

	return &flacSource{
		file:   f,
		stream: stream,
		format: format,
		total:  info.NSamples,
		scale:  1 / float32(int64(1)<<(format.BitDepth-1)),
	}, nil
}

func (s *flacSource) Format() audio.Format { return s.format }

func (s *flacSource) Duration() time.Duration {
	return s.format.DurationOf(int64(s.total))
}

func (s *flacSource) Read(dst []float32) (int, error) {
	channels := s.format.Channels
	want := len(dst) - len(dst)%channels
	n := 0
	for n < want {
		if len(s.pending) == 0 {
			if err := s.decodeFrame(); err != nil {
				if n > 0 && errors.Is(err, io.EOF) {
					return n, nil
				}
				return n, err
			}
		}
		c := copy(dst[n:want], s.pending)
		s.pending = s.pending[c:]
		n += c
	}
	return n, nil
}

// decodeFrame parses the next FLAC frame into pending
func (s *flacSource) decodeFrame() error {
	frame, err := s.stream.ParseNext()
	if err != nil {
		return err
	}
	channels := s.format.Channels
	if len(frame.Subframes) != channels {
		return fmt.Errorf("flac frame has %d channels, stream has %d", len(frame.Subframes), channels)
	}

	block := int(frame.BlockSize)
	out := s.pending[:0]
	if cap(out) < block*channels {
		out = make([]float32, 0, block*channels)
	}
	for i := 0; i < block; i++ {
		for ch := 0; ch < channels; ch++ {
			out = append(out, float32(frame.Subframes[ch].Samples[i])*s.scale)
		}
	}
	s.pending = out
	return nil
}

func (s *flacSource) Seek(offset time.Duration) error {
	target := uint64(s.format.FramesFor(offset))
	if s.total > 0 && target >= s.total {
		target = s.total - 1
	}
	got, err := s.stream.Seek(target)
	if err != nil {
		return fmt.Errorf("failed to seek FLAC: %w", err)
	}
	s.pending = s.pending[:0]

	// Seek lands on a frame boundary; drop the frames before the target
	skip := int(target-got) * s.format.Channels
	for skip > 0 && got < target {
		if len(s.pending) == 0 {
			if err := s.decodeFrame(); err != nil {
				return fmt.Errorf("failed to seek FLAC: %w", err)
			}
		}
		c := min(skip, len(s.pending))
		s.pending = s.pending[c:]
		skip -= c
	}
	return nil
}

func (s *flacSource) Close() error {
	return s.file.Close()
}
