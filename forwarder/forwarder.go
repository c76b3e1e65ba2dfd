// Package forwarder relays a rendered stream to a client while keeping the response valid on
// every failure path.
//
// The response is committed before the render stream is attached. If the stream fails to
// start, the client gets the template's own markup with the body marker removed, so the page
// renders client-side. If the stream fails after it started, the response is closed where it
// stands.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/guseggert/ssrbridge/marker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/guseggert/ssrbridge/forwarder"

// Outbound is the client response. Commit sends the status line and headers and cannot be
// undone. Writes come after Commit.
type Outbound interface {
	Commit() error
	io.Writer
	Flush() error
}

type EngineSource interface {
	Engine() engine.Engine
}

type EngineFunc func() engine.Engine

func (f EngineFunc) Engine() engine.Engine { return f() }

// Fixed always forwards through e.
func Fixed(e engine.Engine) EngineSource {
	return EngineFunc(func() engine.Engine { return e })
}

type Config struct {
	// BufferedFallback tries a buffered render when a stream does not start,
	// before falling back to the bare template. Engines that cannot stream at all
	// (ErrStreamUnsupported) always get the buffered render.
	BufferedFallback bool
	// FallbackTimeout bounds the buffered render. Defaults to 5s.
	FallbackTimeout time.Duration
	// ChunkSize is the relay buffer size. Defaults to 32KiB.
	ChunkSize int
}

type Forwarder struct {
	Logger *zap.SugaredLogger

	cfg     atomic.Pointer[Config]
	engines EngineSource
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(f *Forwarder)

func WithLogger(l *zap.Logger) Option {
	return func(f *Forwarder) {
		f.Logger = l.Named("forwarder").Sugar()
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(f *Forwarder) {
		f.tracer = tp.Tracer(tracerName)
	}
}

func New(engines EngineSource, cfg Config, opts ...Option) *Forwarder {
	f := &Forwarder{
		Logger:  zap.NewNop().Sugar(),
		engines: engines,
		tracer:  otel.Tracer(tracerName),
	}
	f.Reconfigure(cfg)
	for _, o := range opts {
		o(f)
	}
	return f
}

// Reconfigure replaces the config for sessions started after it returns.
// Sessions in flight keep the config they started with.
func (f *Forwarder) Reconfigure(cfg Config) {
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 5 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 << 10
	}
	f.cfg.Store(&cfg)
}

// Config returns the current config, with defaults applied.
func (f *Forwarder) Config() Config {
	return *f.cfg.Load()
}

// Outcome describes how a session ended.
type Outcome struct {
	SessionID string
	// State is the last state before Closed.
	State State
	// Path lists every state the session went through, in order.
	Path []State
	// Buffered is set when a fallback served a buffered render instead of the bare template.
	Buffered bool
	// Bytes is the number of body bytes written after Commit.
	Bytes int64
	// Err is why the session fell back or aborted.
	Err error
}

type SessionOption func(s *session)

// WithCleanup registers f to run exactly once when the session closes, on every path.
func WithCleanup(f func()) SessionOption {
	return func(s *session) {
		s.cleanups = append(s.cleanups, f)
	}
}

type session struct {
	id       string
	cfg      Config
	log      *zap.SugaredLogger
	out      Outbound
	seg      marker.Segments
	state    State
	path     []State
	bytes    int64
	cleanups []func()
	once     sync.Once
}

func (s *session) move(to State) {
	if !s.state.canMove(to) {
		s.log.DPanicw("illegal state transition", "From", s.state.String(), "To", to.String())
	}
	s.log.Debugw("state", "From", s.state.String(), "To", to.String())
	s.state = to
	s.path = append(s.path, to)
}

func (s *session) close() {
	s.once.Do(func() {
		for _, f := range s.cleanups {
			f()
		}
	})
}

func (s *session) outcome(err error, buffered bool) Outcome {
	return Outcome{
		SessionID: s.id,
		State:     s.state,
		Path:      append([]State(nil), s.path...),
		Buffered:  buffered,
		Bytes:     s.bytes,
		Err:       err,
	}
}

func (s *session) write(b []byte) error {
	if _, err := s.out.Write(b); err != nil {
		return err
	}
	s.bytes += int64(len(b))
	return s.out.Flush()
}

// Forward renders req into template and relays the document to out.
//
// It returns an error only when nothing was committed: a template without a body marker
// (marker.ErrMissingBodyMarker, the engine is not called) or a failed Commit. Every other
// failure is reported in the Outcome, with the response already closed in a valid state.
func (f *Forwarder) Forward(ctx context.Context, out Outbound, req engine.Request, template string, opts ...SessionOption) (Outcome, error) {
	s := &session{
		id:    uuid.NewString(),
		cfg:   f.Config(),
		out:   out,
		state: Idle,
		path:  []State{Idle},
	}
	s.log = f.Logger.With("Session", s.id, "URL", req.URL)
	for _, o := range opts {
		o(s)
	}
	defer s.close()

	ctx, span := f.tracer.Start(ctx, "forwarder.Forward", trace.WithAttributes(
		attribute.String("ssr.session", s.id),
		attribute.String("ssr.url", req.URL),
	))
	defer span.End()

	o, err := f.forward(ctx, s, req, template)
	s.move(Closed)
	o.Path = append([]State(nil), s.path...)

	label := outcomeLabel(o, err)
	f.metrics.StreamOutcome(label)
	f.metrics.StreamBytes(int(o.Bytes))
	span.SetAttributes(attribute.String("ssr.outcome", label), attribute.Int64("ssr.bytes", o.Bytes))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	} else if o.Err != nil {
		span.RecordError(o.Err)
	}
	s.log.Debugw("session closed", "Outcome", label, "Bytes", o.Bytes, "Error", o.Err)
	return o, err
}

func (f *Forwarder) forward(ctx context.Context, s *session, req engine.Request, template string) (Outcome, error) {
	seg, err := marker.Split(template, marker.BodyMarker)
	if err != nil {
		s.log.Debugw("rejecting template", "Error", err)
		return s.outcome(err, false), err
	}
	s.seg = seg
	s.move(TemplateSplit)

	if err := s.out.Commit(); err != nil {
		return s.outcome(err, false), fmt.Errorf("committing response: %w", err)
	}
	s.move(InitialSegmentCommitted)

	if ctx.Err() != nil {
		s.move(AbortedMidStream)
		return s.outcome(ctx.Err(), false), nil
	}

	eng := f.engines.Engine()
	stream, err := eng.Stream(ctx, engine.StreamRequest{URL: req.URL, Props: req.Props, Template: template})
	if err != nil {
		return f.fallback(ctx, s, eng, req, template, err), nil
	}
	defer stream.Close()
	s.move(RemoteStreamAttached)

	// A client that goes away closes the render stream, which unblocks the relay.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	return f.relay(ctx, s, stream), nil
}

func (f *Forwarder) fallback(ctx context.Context, s *session, eng engine.Engine, req engine.Request, template string, cause error) Outcome {
	if ctx.Err() != nil {
		s.move(AbortedMidStream)
		return s.outcome(ctx.Err(), false)
	}
	s.move(FallbackNonStreaming)
	if !errors.Is(cause, engine.ErrDisabled) {
		s.log.Infow("stream did not start, falling back", "Error", cause)
	}

	doc := s.seg.BeforeBody + s.seg.AfterBody
	buffered := false
	// Engines that never stream only ever render through this path.
	if s.cfg.BufferedFallback || errors.Is(cause, engine.ErrStreamUnsupported) {
		if assembled, err := bufferedRender(ctx, s.cfg.FallbackTimeout, eng, req, template); err != nil {
			s.log.Debugw("buffered fallback failed, serving template", "Error", err)
		} else {
			doc, buffered = assembled, true
		}
	}

	if err := s.write([]byte(doc)); err != nil {
		s.log.Debugw("error writing fallback", "Error", err)
	}
	return s.outcome(cause, buffered)
}

func bufferedRender(ctx context.Context, timeout time.Duration, eng engine.Engine, req engine.Request, template string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := eng.Render(ctx, req)
	if err != nil {
		return "", err
	}
	return marker.Assemble(template, res.Head, res.Body, res.BodyAttrs.String())
}

func (f *Forwarder) relay(ctx context.Context, s *session, stream io.Reader) Outcome {
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if err := s.write(buf[:n]); err != nil {
				s.log.Debugw("client write failed, closing render stream", "Error", err)
				s.move(AbortedMidStream)
				return s.outcome(err, false)
			}
		}
		if errors.Is(rerr, io.EOF) {
			s.move(Completed)
			return s.outcome(nil, false)
		}
		if rerr != nil {
			if ctx.Err() != nil {
				rerr = fmt.Errorf("client went away: %w", ctx.Err())
			}
			s.log.Infow("stream aborted", "Error", rerr, "Bytes", s.bytes)
			s.move(AbortedMidStream)
			return s.outcome(rerr, false)
		}
	}
}

func outcomeLabel(o Outcome, err error) string {
	if err != nil {
		return "rejected"
	}
	switch o.State {
	case Completed:
		return "completed"
	case AbortedMidStream:
		return "aborted"
	case FallbackNonStreaming:
		if o.Buffered {
			return "fallback_buffered"
		}
		return "fallback"
	default:
		return o.State.String()
	}
}
