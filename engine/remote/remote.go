package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	engineName = "remote"

	maxResponseBytes = 16 << 20
	maxReasonBytes   = 1024
	firstReadSize    = 32 << 10
)

type Config struct {
	// URL is the base URL of the rendering service, e.g. http://127.0.0.1:13714.
	URL string
	// RenderPath is the buffered render endpoint, "/" or "/static".
	RenderPath string
	StreamPath string

	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for a buffered response, for stream response headers,
	// and for each chunk of a stream once it started.
	ReadTimeout time.Duration
	// RetryMax is the number of retries for buffered renders. Streams are never retried.
	RetryMax int

	TLSConfig *tls.Config
}

func (c *Config) setDefaults() {
	if c.RenderPath == "" {
		c.RenderPath = "/"
	}
	if c.StreamPath == "" {
		c.StreamPath = "/stream"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 2 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
}

// Engine renders through an out-of-process rendering service over HTTP.
type Engine struct {
	Logger *zap.SugaredLogger

	cfg       Config
	renderURL string
	streamURL string
	healthURL string

	transport    *http.Transport
	renderClient *http.Client
	streamClient *http.Client

	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
	metrics                  *metrics.Metrics
	tracer                   trace.Tracer
}

type Option func(e *Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.Logger = l.Named("remote_engine").Sugar()
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(e *Engine) {
		e.customizeRetryableClient = f
	}
}

const tracerName = "github.com/guseggert/ssrbridge/engine/remote"

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.setDefaults()
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing rendering service URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported rendering service URL scheme %q", base.Scheme)
	}

	e := &Engine{
		Logger:       zap.NewNop().Sugar(),
		cfg:          cfg,
		renderURL:    joinURL(base, cfg.RenderPath),
		streamURL:    joinURL(base, cfg.StreamPath),
		healthURL:    joinURL(base, "/health"),
		waitInterval: 100 * time.Millisecond,
		tracer:       otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(e)
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	e.transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       cfg.TLSConfig,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: e.transport}
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 10 * time.Millisecond
	retryClient.RetryWaitMax = 250 * time.Millisecond
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: e.Logger}
	if e.customizeRetryableClient != nil {
		e.customizeRetryableClient(retryClient)
	}

	e.renderClient = retryClient.StandardClient()
	e.streamClient = &http.Client{Transport: e.transport}
	return e, nil
}

func joinURL(base *url.URL, p string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(p, "/")
	return u.String()
}

// Render performs a buffered render. Any failure yields a nil result and an error,
// the caller picks the fallback.
func (e *Engine) Render(ctx context.Context, req engine.Request) (*engine.Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "remote.Render", trace.WithAttributes(attribute.String("ssr.url", req.URL)))
	defer span.End()

	res, err := e.render(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "no_result"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.Logger.Debugw("render failed", "URL", req.URL, "Error", err)
	}
	e.metrics.ObserveRender(engineName, outcome, time.Since(start))
	return res, err
}

type renderResponse struct {
	Head      string            `json:"head"`
	Body      *string           `json:"body"`
	BodyAttrs *engine.BodyAttrs `json:"bodyAttrs"`
}

func (e *Engine) render(ctx context.Context, req engine.Request) (*engine.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout+e.cfg.ReadTimeout)
	defer cancel()

	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding render request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.renderURL, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := e.renderClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending render request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{Code: httpResp.StatusCode, Reason: readReason(httpResp.Body)}
	}

	var resp renderResponse
	dec := json.NewDecoder(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decoding: %w", ErrProtocol, err)
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("%w: missing body", ErrProtocol)
	}
	return &engine.Result{Head: resp.Head, Body: *resp.Body, BodyAttrs: resp.BodyAttrs}, nil
}

func readReason(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxReasonBytes))
	if err != nil {
		return fmt.Errorf("error reading body: %w", err).Error()
	}
	return strings.TrimSpace(string(b))
}

func notStarted(err error) error {
	return fmt.Errorf("%w: %w", engine.ErrNotStarted, err)
}

// Stream starts a streamed render. It returns once the first byte arrived, or an error
// wrapping engine.ErrNotStarted if that never happened.
func (e *Engine) Stream(ctx context.Context, req engine.StreamRequest) (*engine.Stream, error) {
	ctx, span := e.tracer.Start(ctx, "remote.Stream", trace.WithAttributes(attribute.String("ssr.url", req.URL)))
	fail := func(err error) (*engine.Stream, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		e.Logger.Debugw("stream did not start", "URL", req.URL, "Error", err)
		return nil, notStarted(err)
	}

	b, err := json.Marshal(req)
	if err != nil {
		return fail(fmt.Errorf("encoding stream request: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.streamURL, bytes.NewReader(b))
	if err != nil {
		cancel()
		return fail(fmt.Errorf("building request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/html")

	httpResp, err := e.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return fail(fmt.Errorf("sending stream request: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		reason := readReason(httpResp.Body)
		httpResp.Body.Close()
		cancel()
		return fail(&StatusError{Code: httpResp.StatusCode, Reason: reason})
	}

	body := newIdleReader(httpResp.Body, e.cfg.ReadTimeout, cancel)
	first := make([]byte, firstReadSize)
	var n int
	for n == 0 && err == nil {
		n, err = body.Read(first)
	}
	if n == 0 {
		body.stop()
		httpResp.Body.Close()
		cancel()
		switch {
		case errors.Is(err, io.EOF):
			err = ErrEmptyStream
		case body.timedOut():
			err = ErrIdleTimeout
		}
		return fail(err)
	}
	span.AddEvent("first byte")

	// An error that came back together with the first bytes is reported by the next Read.
	var rest io.Reader
	switch {
	case err == nil:
		rest = &abortReader{r: body, idle: body}
	case errors.Is(err, io.EOF):
		rest = bytes.NewReader(nil)
	default:
		rest = &abortReader{r: errReader{err: err}, idle: body}
	}

	closer := func() error {
		body.stop()
		cancel()
		err := httpResp.Body.Close()
		span.End()
		return err
	}
	return engine.NewStream(io.MultiReader(bytes.NewReader(first[:n]), rest), closer), nil
}

// Health asks the rendering service whether it is up.
func (e *Engine) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.healthURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := e.renderClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Reason: readReason(resp.Body)}
	}
	var h struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReasonBytes)).Decode(&h); err != nil {
		return fmt.Errorf("%w: decoding health: %w", ErrProtocol, err)
	}
	if h.Status != "OK" {
		return fmt.Errorf("%w: status %q", ErrUnhealthy, h.Status)
	}
	return nil
}

// WaitForServer polls the health endpoint until it succeeds or ctx is done.
func (e *Engine) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(e.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := e.Health(ctx)
			if err == nil {
				e.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			e.Logger.Debugf("got health check error: %s", err)
		}
	}
}

func (e *Engine) Close() error {
	e.transport.CloseIdleConnections()
	return nil
}
