// ABOUTME: Ogg Opus file source backed by libopusfile
// ABOUTME: Decodes at 48kHz in the stream's native channel layout
package loader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"gopkg.in/hraban/opus.v2"
)

// libopusfile always decodes at 48kHz
const opusRate = 48000

type opusSource struct {
	file   *os.File
	stream *opus.Stream
	format audio.Format
}

func newOpusSource(f *os.File) (*opusSource, error) {
	channels, err := opusChannels(f)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind opus stream: %w", err)
	}
	stream, err := opus.NewStream(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Opus: %w", err)
	}
	return &opusSource{
		file:   f,
		stream: stream,
		format: audio.Format{SampleRate: opusRate, Channels: channels, BitDepth: 16},
	}, nil
}

// opusChannels reads the channel count from the OpusHead packet on the
// first Ogg page
func opusChannels(r io.Reader) (int, error) {
	var header [27]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, fmt.Errorf("failed to read ogg page: %w", err)
	}
	if !bytes.Equal(header[:4], []byte("OggS")) {
		return 0, fmt.Errorf("%w: not an ogg stream", ErrUnsupported)
	}
	segments := make([]byte, header[26])
	if _, err := io.ReadFull(r, segments); err != nil {
		return 0, fmt.Errorf("failed to read ogg segment table: %w", err)
	}

	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, fmt.Errorf("failed to read OpusHead: %w", err)
	}
	if !bytes.Equal(head[:8], []byte("OpusHead")) {
		return 0, fmt.Errorf("%w: ogg stream is not opus", ErrUnsupported)
	}
	channels := int(head[9])
	if channels == 0 || channels > audio.MaxChannels {
		return 0, fmt.Errorf("%w: %d opus channels", ErrUnsupported, channels)
	}
	return channels, nil
}

func (s *opusSource) Format() audio.Format { return s.format }

// Duration is unknown without scanning the whole stream
func (s *opusSource) Duration() time.Duration { return 0 }

func (s *opusSource) Read(dst []float32) (int, error) {
	dst = dst[:len(dst)-len(dst)%s.format.Channels]
	total := 0
	for total < len(dst) {
		n, err := s.stream.ReadFloat32(dst[total:])
		total += n * s.format.Channels
		if err != nil {
			if total > 0 && err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// Seek restarts decoding and discards audio up to offset
func (s *opusSource) Seek(offset time.Duration) error {
	if err := s.stream.Close(); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind opus stream: %w", err)
	}
	stream, err := opus.NewStream(s.file)
	if err != nil {
		return fmt.Errorf("failed to reopen Opus stream: %w", err)
	}
	s.stream = stream

	skip := s.format.FramesFor(offset) * s.format.Channels
	buf := make([]float32, 4096*s.format.Channels)
	for skip > 0 {
		chunk := buf[:min(len(buf), skip)]
		n, err := s.Read(chunk)
		skip -= n
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *opusSource) Close() error {
	_ = s.stream.Close()
	return s.file.Close()
}
