package audio

import "fmt"

// FormatError reports a malformed wire chunk or a sample block whose
// format does not match the device. Recovered locally: the offending
// data is dropped and the pipeline continues.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "audio format error: " + e.Reason
}

// PlaybackError reports a block the output device rejected. The unit is
// dropped and the timeline cursor is left unchanged.
type PlaybackError struct {
	Reason string
}

func (e *PlaybackError) Error() string {
	return "playback error: " + e.Reason
}

// DeviceError reports a capture or output device that rejected its
// configuration or disappeared. Fatal to the session.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio device error during %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
