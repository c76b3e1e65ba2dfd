package host

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/engine/remote"
	"github.com/guseggert/ssrbridge/forwarder"
	inet "github.com/guseggert/ssrbridge/internal/net"
	"github.com/guseggert/ssrbridge/renderer"
	"github.com/guseggert/ssrbridge/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const shell = `<html><head><!-- SSR_HEAD --></head><body><div id="app"><!-- SSR_BODY --></div></body></html>`

type countingEngine struct {
	engine.Engine
	streams atomic.Int32
}

func (e *countingEngine) Stream(ctx context.Context, req engine.StreamRequest) (*engine.Stream, error) {
	e.streams.Add(1)
	return e.Engine.Stream(ctx, req)
}

func newRenderService(t *testing.T) string {
	t.Helper()
	r, err := renderer.New("bundle.js", `function render(url, props) {
		return {head: "<title>" + props.path + "</title>", body: "<p>" + (props.query.name || ["anon"])[0] + "</p>"};
	}`, renderer.WithSize(1))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	s, err := server.New(r, server.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func newHandler(t *testing.T, url string, tmpl *Template) (*Handler, *countingEngine) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	e, err := remote.New(remote.Config{URL: url}, remote.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	ce := &countingEngine{Engine: e}
	f := forwarder.New(forwarder.Fixed(ce), forwarder.Config{}, forwarder.WithLogger(logger))
	return New(f, tmpl.Func(), WithLogger(logger)), ce
}

func get(t *testing.T, h http.Handler, target string) *http.Response {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	resp, err := http.Get(ts.URL + target)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestServeStreamed(t *testing.T) {
	h, _ := newHandler(t, newRenderService(t), NewTemplate(shell))

	resp := get(t, h, "/users?name=ada")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, `<html><head><title>/users</title></head><body><div id="app"><p>ada</p></div></body></html>`, readBody(t, resp))
}

func TestServeFallback(t *testing.T) {
	addr, err := inet.LocalAddr()
	require.NoError(t, err)
	h, _ := newHandler(t, "http://"+addr, NewTemplate(shell))

	resp := get(t, h, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `<html><head><!-- SSR_HEAD --></head><body><div id="app"></div></body></html>`, readBody(t, resp))
}

func TestServeMissingBodyMarker(t *testing.T) {
	tmpl := NewTemplate("<html><body></body></html>")
	h, e := newHandler(t, newRenderService(t), tmpl)

	resp := get(t, h, "/")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "Template missing <!-- SSR_BODY --> marker")
	assert.Equal(t, int32(0), e.streams.Load())

	tmpl.Set(shell)
	resp = get(t, h, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), e.streams.Load())
}

func TestServeTemplateError(t *testing.T) {
	logger := zap.NewNop()
	f := forwarder.New(forwarder.Fixed(engine.Disabled{}), forwarder.Config{})
	h := New(f, func(*http.Request) (string, error) { return "", io.ErrUnexpectedEOF }, WithLogger(logger))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeDisabled(t *testing.T) {
	f := forwarder.New(forwarder.Fixed(engine.Disabled{}), forwarder.Config{})
	h := New(f, NewTemplate(shell).Func())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "<html><head><!-- SSR_HEAD -->"))
	assert.True(t, rec.Flushed)
}
