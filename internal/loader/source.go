// ABOUTME: Decoded audio sources for the reference loader
// ABOUTME: Resolves track ids to MP3, FLAC, Opus or generated tone sources
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
	"github.com/dhowden/tag"
)

// ErrUnsupported is returned for track ids no source can decode
var ErrUnsupported = errors.New("loader: unsupported audio format")

// Source produces interleaved float samples for one track
type Source interface {
	// Format returns the native format of the decoded stream
	Format() audio.Format
	// Duration returns the track length, 0 when unknown
	Duration() time.Duration
	// Read fills dst with whole frames and returns the samples written.
	// io.EOF is returned after the last frame.
	Read(dst []float32) (int, error)
	// Seek positions the next Read at offset
	Seek(offset time.Duration) error
	Close() error
}

// Open returns a source for a track id: a "tone:" id or a local file path
func Open(id audio.TrackID) (Source, error) {
	s := string(id)
	if strings.HasPrefix(s, tonePrefix) {
		return newToneSource(s)
	}
	return openFile(s)
}

// Describe builds the descriptor the engine queues for src
func Describe(id audio.TrackID, src Source) audio.TrackDescriptor {
	f := src.Format()
	return audio.TrackDescriptor{
		ID:         id,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		BitDepth:   f.BitDepth,
		Duration:   src.Duration(),
	}
}

// Resolve opens a track just long enough to describe it
func Resolve(id audio.TrackID) (audio.TrackDescriptor, error) {
	src, err := Open(id)
	if err != nil {
		return audio.TrackDescriptor{}, err
	}
	defer src.Close()
	return Describe(id, src), nil
}

func openFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}

	kind, err := sniff(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}

	var src Source
	switch kind {
	case tag.MP3:
		src, err = newMP3Source(f)
	case tag.FLAC:
		src, err = newFLACSource(f)
	case tag.OGG:
		src, err = newOpusSource(f)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupported, kind)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return src, nil
}

// sniff identifies the container from its tags, falling back to the file
// extension for untagged streams
func sniff(f *os.File, path string) (tag.FileType, error) {
	_, kind, err := tag.Identify(f)
	if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
		return "", fmt.Errorf("failed to rewind %s: %w", path, seekErr)
	}
	if err == nil && kind != tag.UnknownFileType {
		return kind, nil
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return tag.MP3, nil
	case ".flac":
		return tag.FLAC, nil
	case ".opus", ".ogg":
		return tag.OGG, nil
	default:
		return "", fmt.Errorf("%w: %q (supported: .mp3, .flac, .opus)", ErrUnsupported, ext)
	}
}
