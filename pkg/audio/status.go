package audio

import (
	"errors"
	"fmt"
)

// Status is the platform status code returned by endpoint operations and by
// real-time callbacks. The zero value [StatusOK] means success.
//
// Status implements error so that setup failures can be wrapped and matched
// with [errors.Is] while still exposing the raw code to callers that need it.
type Status int32

const (
	// StatusOK reports success.
	StatusOK Status = 0

	// StatusUnderrun reports that a render source had no data for the current
	// cycle. The endpoint plays silence.
	StatusUnderrun Status = -10

	// StatusFormatMismatch reports that a callback buffer did not match the
	// negotiated format or exceeded [MaxFramesPerSlice].
	StatusFormatMismatch Status = -11

	// StatusDeviceBusy reports that the hardware device is held by another
	// client. Transient: retry later.
	StatusDeviceBusy Status = -20

	// StatusNoDevice reports that no matching hardware device exists.
	StatusNoDevice Status = -21

	// StatusUnsupportedFormat reports that the requested stream format cannot
	// be negotiated. Permanent: do not retry with the same format.
	StatusUnsupportedFormat Status = -30

	// StatusUnsupportedMode reports that voice processing was requested on a
	// driver that does not provide it. Permanent: fall back to plain mode.
	StatusUnsupportedMode Status = -31

	// StatusNotInitialized reports an operation that requires a successful
	// setup first.
	StatusNotInitialized Status = -40

	// StatusAlreadyInitialized reports a second setup without an intervening
	// dispose.
	StatusAlreadyInitialized Status = -41

	// StatusDisposed reports an operation on a disposed endpoint.
	StatusDisposed Status = -42
)

// String returns the symbolic name of the status code.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnderrun:
		return "underrun"
	case StatusFormatMismatch:
		return "format mismatch"
	case StatusDeviceBusy:
		return "device busy"
	case StatusNoDevice:
		return "no device"
	case StatusUnsupportedFormat:
		return "unsupported format"
	case StatusUnsupportedMode:
		return "unsupported mode"
	case StatusNotInitialized:
		return "not initialized"
	case StatusAlreadyInitialized:
		return "already initialized"
	case StatusDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Error implements error.
func (s Status) Error() string {
	return "audio: " + s.String()
}

// Transient reports whether the failure may clear on its own, so the caller
// should retry later rather than change configuration.
func (s Status) Transient() bool {
	return s == StatusDeviceBusy || s == StatusUnderrun
}

// StatusOf extracts the [Status] carried by err. A nil error maps to
// [StatusOK]; an error that carries no Status maps to def.
func StatusOf(err error, def Status) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return def
}

// IsTransient reports whether err carries a transient [Status].
func IsTransient(err error) bool {
	return err != nil && StatusOf(err, StatusOK).Transient()
}
