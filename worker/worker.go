// Package worker implements the render side of the process pool channel: a loop that reads one
// JSON request per line from stdin and answers with one JSON line on stdout.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/guseggert/ssrbridge/engine"
	"go.uber.org/zap"
)

var ErrURLRequired = errors.New("URL is required")

type Renderer interface {
	Render(ctx context.Context, req engine.Request) (*engine.Result, error)
}

type RenderFunc func(ctx context.Context, req engine.Request) (*engine.Result, error)

func (f RenderFunc) Render(ctx context.Context, req engine.Request) (*engine.Result, error) {
	return f(ctx, req)
}

// Response is one line written by a worker. Exactly one of Body and Error is set.
type Response struct {
	Head      string            `json:"head,omitempty"`
	Body      *string           `json:"body,omitempty"`
	BodyAttrs *engine.BodyAttrs `json:"bodyAttrs,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type options struct {
	log           *zap.SugaredLogger
	renderTimeout time.Duration
}

type Option func(o *options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l.Named("worker").Sugar()
	}
}

// WithRenderTimeout bounds each render. Zero means no bound beyond ctx.
func WithRenderTimeout(d time.Duration) Option {
	return func(o *options) {
		o.renderTimeout = d
	}
}

// Serve answers requests from in until it reaches EOF or ctx is done.
// Render failures are reported to the caller as {"error": ...} lines, never as a returned error.
func Serve(ctx context.Context, in io.Reader, out io.Writer, r Renderer, opts ...Option) error {
	o := &options{log: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(o)
	}

	br := bufio.NewReaderSize(in, 64<<10)
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && !isBlank(line) {
			resp := handle(ctx, o, r, line)
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading request: %w", err)
		}
	}
}

func handle(ctx context.Context, o *options, r Renderer, line []byte) (resp Response) {
	defer func() {
		if v := recover(); v != nil {
			o.log.Errorw("render panicked", "Panic", v)
			resp = Response{Error: fmt.Sprintf("render panicked: %v", v)}
		}
	}()

	var req engine.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{Error: fmt.Sprintf("invalid request: %s", err)}
	}
	if req.URL == "" {
		return Response{Error: ErrURLRequired.Error()}
	}

	if o.renderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.renderTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.Render(ctx, req)
	if err != nil {
		o.log.Debugw("render failed", "URL", req.URL, "Error", err)
		return Response{Error: err.Error()}
	}
	o.log.Debugw("rendered", "URL", req.URL, "Duration", time.Since(start))
	body := res.Body
	return Response{Head: res.Head, Body: &body, BodyAttrs: res.BodyAttrs}
}

func isBlank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}
