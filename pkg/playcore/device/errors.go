// ABOUTME: Typed device errors mapped from backend failures
// ABOUTME: Callers match on Kind or on the output sentinels through Unwrap
package device

import (
	"errors"
	"fmt"

	"github.com/Sendspin/playcore/pkg/audio/output"
)

// ErrSilent is reported when the device stops calling back without notice
var ErrSilent = errors.New("device: callbacks stopped")

// ErrorKind classifies device failures
type ErrorKind int

const (
	ErrorUnknown ErrorKind = iota
	ErrorLost
	ErrorUnsupported
	ErrorPermissionDenied
	ErrorBusy
	ErrorNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorLost:
		return "lost"
	case ErrorUnsupported:
		return "unsupported"
	case ErrorPermissionDenied:
		return "permission_denied"
	case ErrorBusy:
		return "busy"
	case ErrorNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// DeviceError wraps a backend failure for one device
type DeviceError struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	id := e.DeviceID
	if id == "" {
		id = "default"
	}
	return fmt.Sprintf("device %s: %s: %v", id, e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// newDeviceError classifies err using the output sentinels
func newDeviceError(deviceID string, err error) *DeviceError {
	var de *DeviceError
	if errors.As(err, &de) {
		return de
	}
	kind := ErrorUnknown
	switch {
	case errors.Is(err, output.ErrDeviceBusy):
		kind = ErrorBusy
	case errors.Is(err, output.ErrDeviceNotFound):
		kind = ErrorNotFound
	case errors.Is(err, output.ErrPermissionDenied):
		kind = ErrorPermissionDenied
	case errors.Is(err, output.ErrUnsupportedFormat):
		kind = ErrorUnsupported
	case errors.Is(err, output.ErrDeviceLost), errors.Is(err, ErrSilent):
		kind = ErrorLost
	}
	return &DeviceError{Kind: kind, DeviceID: deviceID, Err: err}
}
