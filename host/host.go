// Package host serves streamed server-side rendered pages from a net/http server.
package host

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/forwarder"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/guseggert/ssrbridge/marker"
	"go.uber.org/zap"
)

// TemplateFunc returns the HTML shell for a request.
type TemplateFunc func(r *http.Request) (string, error)

// PropsFunc returns the props for a request.
type PropsFunc func(r *http.Request) (engine.Props, error)

// Template holds a shell that can be swapped while serving.
type Template struct {
	v atomic.Pointer[string]
}

func NewTemplate(s string) *Template {
	t := &Template{}
	t.Set(s)
	return t
}

func (t *Template) Set(s string) { t.v.Store(&s) }

func (t *Template) Get() string { return *t.v.Load() }

// Func serves the current shell for every request.
func (t *Template) Func() TemplateFunc {
	return func(*http.Request) (string, error) { return t.Get(), nil }
}

// DefaultProps passes the request path and query.
func DefaultProps(r *http.Request) (engine.Props, error) {
	return engine.NewProps("path", r.URL.Path, "query", r.URL.Query())
}

type Handler struct {
	Logger *zap.SugaredLogger

	forwarder *forwarder.Forwarder
	template  TemplateFunc
	props     PropsFunc
	metrics   *metrics.Metrics
}

type Option func(h *Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.Logger = l.Named("host").Sugar()
	}
}

func WithProps(f PropsFunc) Option {
	return func(h *Handler) {
		h.props = f
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

func New(f *forwarder.Forwarder, template TemplateFunc, opts ...Option) *Handler {
	h := &Handler{
		Logger:    zap.NewNop().Sugar(),
		forwarder: f,
		template:  template,
		props:     DefaultProps,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.template(r)
	if err != nil {
		h.Logger.Errorw("loading template", "Error", err)
		h.error(w, "template unavailable", http.StatusInternalServerError)
		return
	}
	props, err := h.props(r)
	if err != nil {
		h.Logger.Debugw("building props", "Error", err)
		h.error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out := &responseOutbound{w: w}
	_, err = h.forwarder.Forward(r.Context(), out, engine.Request{URL: r.URL.RequestURI(), Props: props}, tmpl)
	switch {
	case errors.Is(err, marker.ErrMissingBodyMarker):
		h.error(w, "Template missing "+marker.BodyMarker+" marker", http.StatusBadRequest)
	case err != nil:
		h.Logger.Debugw("forward failed before commit", "Error", err)
		if !out.committed {
			h.error(w, "internal server error", http.StatusInternalServerError)
		}
	default:
		h.metrics.Request("host", http.StatusOK)
	}
}

func (h *Handler) error(w http.ResponseWriter, msg string, code int) {
	h.metrics.Request("host", code)
	http.Error(w, msg, code)
}

// responseOutbound commits a 200 text/html response on the first Commit.
type responseOutbound struct {
	w         http.ResponseWriter
	committed bool
}

func (o *responseOutbound) Commit() error {
	h := o.w.Header()
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/html; charset=utf-8")
	}
	h.Set("X-Content-Type-Options", "nosniff")
	o.w.WriteHeader(http.StatusOK)
	o.committed = true
	return o.Flush()
}

func (o *responseOutbound) Write(b []byte) (int, error) {
	return o.w.Write(b)
}

func (o *responseOutbound) Flush() error {
	err := http.NewResponseController(o.w).Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
