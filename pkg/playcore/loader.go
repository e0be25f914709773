// ABOUTME: Interface to the external loading subsystem
// ABOUTME: The core only signals the loader; decoded audio comes back through Engine.Push
package playcore

import (
	"context"
	"time"

	"github.com/Sendspin/playcore/pkg/audio"
)

// LoadRequest asks the loader to start delivering a track at Offset.
// Blocks must carry sequence numbers of at least SeqFloor.
type LoadRequest struct {
	Track    audio.TrackDescriptor
	Offset   time.Duration
	SeqFloor uint64
}

// RefillRequest reports that a track's buffer dropped below the low-water mark
type RefillRequest struct {
	TrackID audio.TrackID
	// Buffered is the audio currently held
	Buffered time.Duration
	// FreeFrames is how many source frames the buffer can accept
	FreeFrames int
}

// Loader is implemented by the subsystem that decodes tracks. Calls come
// from the coordinator goroutine and must not block for long.
type Loader interface {
	// Load starts (or restarts, after a seek) delivery of a track
	Load(ctx context.Context, req LoadRequest) error

	// Refill asks for more audio for a loaded track
	Refill(req RefillRequest)

	// Cancel stops delivery of a track
	Cancel(id audio.TrackID)
}
