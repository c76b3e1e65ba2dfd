package engine

import (
	"context"
	"io"
	"sync"
)

// Engine renders a request into HTML, either buffered or as a stream.
//
// Render returns a nil Result together with an error when there is no result. Callers treat
// any error as "no result" and degrade to their default rendering path.
//
// Stream only returns a Stream once at least one byte of output has arrived. An error means the
// stream did not start, so nothing has been sent anywhere and the caller may still fall back.
type Engine interface {
	Render(ctx context.Context, req Request) (*Result, error)
	Stream(ctx context.Context, req StreamRequest) (*Stream, error)
	Close() error
}

// Request is the input to a render.
type Request struct {
	URL   string `json:"url"`
	Props Props  `json:"props"`
}

// StreamRequest is a Request plus the whole template. The rendering side splits the
// template itself so that it can inject head content before the body starts.
type StreamRequest struct {
	URL      string `json:"url"`
	Props    Props  `json:"props"`
	Template string `json:"template"`
}

// Result is a buffered render.
type Result struct {
	Head      string     `json:"head,omitempty"`
	Body      string     `json:"body"`
	BodyAttrs *BodyAttrs `json:"bodyAttrs,omitempty"`
}

// Stream is a started stream of rendered bytes. Bytes are passed through unchanged.
// Reads after the first byte fail with ErrAbortedMidStream if the source goes away.
type Stream struct {
	r      io.Reader
	closer func() error

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps r. The closer is called once by Close, which is safe to call from any
// goroutine, and should release anything
// held by the stream, e.g. cancel the underlying request.
func NewStream(r io.Reader, closer func() error) *Stream {
	return &Stream{r: r, closer: closer}
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}
