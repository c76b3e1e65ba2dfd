package remote

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol    = errors.New("malformed response from rendering service")
	ErrEmptyStream = errors.New("stream ended before any bytes arrived")
	ErrIdleTimeout = errors.New("no stream data within read timeout")
	ErrUnhealthy   = errors.New("rendering service is unhealthy")
)

// StatusError is a non-2xx answer from the rendering service. Reason holds the start of the
// response body, which for validation failures is a short text message.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("non-2xx HTTP status code %d", e.Code)
	}
	return fmt.Sprintf("non-2xx HTTP status code %d: %s", e.Code, e.Reason)
}

// Rejected reports whether the service refused the request as invalid.
func (e *StatusError) Rejected() bool {
	return e.Code >= 400 && e.Code < 500
}
