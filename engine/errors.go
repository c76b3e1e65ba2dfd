package engine

import "errors"

var (
	// ErrDisabled means no render target is configured, SSR is off.
	ErrDisabled = errors.New("server-side rendering is disabled")

	// ErrStreamUnsupported is returned by engines that can only render buffered.
	ErrStreamUnsupported = errors.New("engine does not support streaming")

	// ErrNotStarted means a stream failed before its first byte.
	ErrNotStarted = errors.New("stream did not start")

	// ErrAbortedMidStream means a stream failed after bytes were already delivered.
	ErrAbortedMidStream = errors.New("stream aborted mid-stream")
)

// CanFallBack reports whether a stream error leaves the caller free to render something else.
// Only errors from before the first byte qualify.
func CanFallBack(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrAbortedMidStream)
}
