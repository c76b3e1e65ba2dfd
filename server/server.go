package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/guseggert/ssrbridge/marker"
	"github.com/guseggert/ssrbridge/renderer"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultListenAddr = "127.0.0.1:13714"

	maxRequestBytes = 16 << 20
)

type Renderer interface {
	RenderChunks(ctx context.Context, req engine.Request) (*renderer.Chunks, error)
	// StreamChunks calls start once the head is known, then chunk for each body chunk.
	StreamChunks(ctx context.Context, req engine.Request, start func(head string, attrs *engine.BodyAttrs) error, chunk func(string) error) error
}

// Server is the HTTP rendering service. It renders buffered results on / and /static,
// and streams complete documents on /stream.
type Server struct {
	logger *zap.SugaredLogger

	renderer   Renderer
	listenAddr string
	tlsConfig  *tls.Config
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	httpServer *http.Server

	mut      sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("render_server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLSConfig serves TLS. Use a config from tlsutil to require client certificates.
func WithTLSConfig(c *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = c
	}
}

// WithMetrics records request metrics in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

func New(r Renderer, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, errors.New("renderer is required")
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("render_server").Sugar(),
		renderer:   r,
		listenAddr: DefaultListenAddr,
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/", s.instrument("render", s.render))
	router.POST("/static", s.instrument("render", s.render))
	router.POST("/stream", s.instrument("stream", s.stream))
	router.GET("/health", s.instrument("health", s.health))
	if s.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

// Run listens and serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.mut.Lock()
	s.listener = l
	s.mut.Unlock()
	close(s.ready)

	s.logger.Infow("serving", "Addr", l.Addr().String(), "TLS", s.tlsConfig != nil)
	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr blocks until Run is listening and returns the listener's address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.listener.Addr(), nil
}

// Stop shuts down gracefully, waiting for in-flight renders until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return s.httpServer.Close()
	}
	return err
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %s", err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req engine.Request
	if !s.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		http.Error(w, "URL is required", http.StatusBadRequest)
		return
	}

	c, err := s.renderer.RenderChunks(r.Context(), req)
	if err != nil {
		s.logger.Debugw("render failed", "URL", req.URL, "Error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b, err := json.Marshal(c.Result())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		s.logger.Debugf("error writing render response: %s", err)
	}
}

// stream renders a complete document: the template up to the body marker with the head
// injected, then each body chunk as the bundle produces it, then the rest of the template.
//
// Nothing is written until the head is known, so an early render failure is still a 500.
// A failure after that aborts the connection, so the client sees a truncated stream rather
// than a short document that looks complete.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req engine.StreamRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		http.Error(w, "URL is required", http.StatusBadRequest)
		return
	}
	seg, err := marker.Split(req.Template, marker.BodyMarker)
	if err != nil {
		http.Error(w, "Template missing "+marker.BodyMarker+" marker", http.StatusBadRequest)
		return
	}

	flusher, _ := w.(http.Flusher)
	started, clientGone := false, false
	write := func(str string) error {
		if err := r.Context().Err(); err != nil {
			clientGone = true
			return err
		}
		if _, err := io.WriteString(w, str); err != nil {
			clientGone = true
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}
	start := func(head string, attrs *engine.BodyAttrs) error {
		before, injected := marker.InjectHead(seg.BeforeBody, marker.HeadMarker, head)
		if !injected && head != "" {
			s.logger.Debugw("template has no head marker, dropping head", "URL", req.URL)
		}
		if a := attrs.String(); a != "" {
			before = marker.AddBodyAttrs(before, a)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.WriteHeader(http.StatusOK)
		started = true
		return write(before)
	}

	err = s.renderer.StreamChunks(r.Context(), engine.Request{URL: req.URL, Props: req.Props}, start, write)
	if err == nil {
		err = write(seg.AfterBody)
	}
	switch {
	case err == nil:
	case !started:
		s.logger.Debugw("stream render failed", "URL", req.URL, "Error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	case clientGone:
		s.logger.Debugf("error writing stream: %s", err)
	default:
		s.logger.Infow("stream render failed mid-stream, aborting", "URL", req.URL, "Error", err)
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	response := struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			if rec.code == 0 {
				rec.code = http.StatusOK
			}
			s.metrics.Request(route, rec.code)
		}()
		h(rec, r, p)
	}
}
