// ABOUTME: MP3 file source backed by go-mp3
// ABOUTME: Decodes to 16-bit stereo and converts to float samples
package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/hajimehoshi/go-mp3"
)

// go-mp3 always produces 16-bit little-endian stereo
const mp3FrameBytes = 4

type mp3Source struct {
	file    *os.File
	decoder *mp3.Decoder
	format  audio.Format
	buf     []byte
}

func newMP3Source(f *os.File) (*mp3Source, error) {
	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	return &mp3Source{
		file:    f,
		decoder: decoder,
		format:  audio.Format{SampleRate: decoder.SampleRate(), Channels: 2, BitDepth: 16},
	}, nil
}

func (s *mp3Source) Format() audio.Format { return s.format }

func (s *mp3Source) Duration() time.Duration {
	n := s.decoder.Length()
	if n <= 0 {
		return 0
	}
	return s.format.DurationOf(n / mp3FrameBytes)
}

func (s *mp3Source) Read(dst []float32) (int, error) {
	frames := len(dst) / 2
	need := frames * mp3FrameBytes
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n, err := io.ReadFull(s.decoder, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	n -= n % mp3FrameBytes

	samples := n / 2
	for i := 0; i < samples; i++ {
		dst[i] = audio.SampleToFloat(audio.SampleFromInt16(int16(binary.LittleEndian.Uint16(buf[i*2:]))))
	}
	if samples > 0 && errors.Is(err, io.EOF) {
		// Report the tail first; the next Read returns EOF
		return samples, nil
	}
	return samples, err
}

func (s *mp3Source) Seek(offset time.Duration) error {
	pos := int64(s.format.FramesFor(offset)) * mp3FrameBytes
	if _, err := s.decoder.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek MP3: %w", err)
	}
	return nil
}

func (s *mp3Source) Close() error {
	return s.file.Close()
}
