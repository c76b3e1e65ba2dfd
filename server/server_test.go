package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/internal/metrics"
	inet "github.com/guseggert/ssrbridge/internal/net"
	"github.com/guseggert/ssrbridge/internal/tlsutil"
	"github.com/guseggert/ssrbridge/renderer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type renderFunc func(ctx context.Context, req engine.Request) (*renderer.Chunks, error)

func (f renderFunc) RenderChunks(ctx context.Context, req engine.Request) (*renderer.Chunks, error) {
	return f(ctx, req)
}

func (f renderFunc) StreamChunks(ctx context.Context, req engine.Request, start func(string, *engine.BodyAttrs) error, chunk func(string) error) error {
	c, err := f(ctx, req)
	if err != nil {
		return err
	}
	if err := start(c.Head, c.BodyAttrs); err != nil {
		return err
	}
	for _, b := range c.Body {
		if err := chunk(b); err != nil {
			return err
		}
	}
	return nil
}

// streamFunc drives /stream directly, chunk by chunk.
type streamFunc func(start func(string, *engine.BodyAttrs) error, chunk func(string) error) error

func (f streamFunc) RenderChunks(ctx context.Context, req engine.Request) (*renderer.Chunks, error) {
	return nil, errors.New("buffered render not supported")
}

func (f streamFunc) StreamChunks(ctx context.Context, req engine.Request, start func(string, *engine.BodyAttrs) error, chunk func(string) error) error {
	return f(start, chunk)
}

const bundle = `
function render(url, props) {
	if (url === "/fail") {
		throw new Error("render exploded");
	}
	return {
		head: "<title>" + props.title + "</title>",
		body: ["<div>", props.text, "</div>"],
	};
}
`

func newTestServer(t *testing.T, r Renderer, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := New(r, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func newBundleServer(t *testing.T, opts ...Option) *httptest.Server {
	t.Helper()
	r, err := renderer.New("bundle.js", bundle, renderer.WithSize(2))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	_, ts := newTestServer(t, r, opts...)
	return ts
}

func post(t *testing.T, url, body string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b), resp.Header
}

func TestRender(t *testing.T) {
	ts := newBundleServer(t)

	for _, path := range []string{"/", "/static"} {
		t.Run(path, func(t *testing.T) {
			code, body, header := post(t, ts.URL+path, `{"url":"/a","props":{"title":"X","text":"Y"}}`)
			require.Equal(t, http.StatusOK, code, body)
			assert.Equal(t, "application/json", header.Get("Content-Type"))

			var res engine.Result
			require.NoError(t, json.Unmarshal([]byte(body), &res))
			assert.Equal(t, "<title>X</title>", res.Head)
			assert.Equal(t, "<div>Y</div>", res.Body)
			assert.Nil(t, res.BodyAttrs)
		})
	}
}

func TestRenderErrors(t *testing.T) {
	ts := newBundleServer(t)

	cases := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{name: "bad json", body: `{"url":`, wantCode: http.StatusBadRequest, wantBody: "invalid request body"},
		{name: "missing url", body: `{"props":{}}`, wantCode: http.StatusBadRequest, wantBody: "URL is required"},
		{name: "render error", body: `{"url":"/fail"}`, wantCode: http.StatusInternalServerError, wantBody: "render exploded"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, body, _ := post(t, ts.URL+"/", c.body)
			assert.Equal(t, c.wantCode, code)
			assert.Contains(t, body, c.wantBody)
		})
	}
}

func TestStream(t *testing.T) {
	ts := newBundleServer(t)

	req := `{"url":"/a","props":{"title":"X","text":"Y"},` +
		`"template":"<html><head><!-- SSR_HEAD --></head><body><!-- SSR_BODY --></body></html>"}`
	code, body, header := post(t, ts.URL+"/stream", req)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "text/html; charset=utf-8", header.Get("Content-Type"))
	assert.Equal(t, "<html><head><title>X</title></head><body><div>Y</div></body></html>", body)
}

func TestStreamErrors(t *testing.T) {
	ts := newBundleServer(t)

	cases := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{
			name:     "missing url",
			body:     `{"template":"<!-- SSR_BODY -->"}`,
			wantCode: http.StatusBadRequest,
			wantBody: "URL is required",
		},
		{
			name:     "missing body marker",
			body:     `{"url":"/a","template":"<html></html>"}`,
			wantCode: http.StatusBadRequest,
			wantBody: "Template missing <!-- SSR_BODY --> marker",
		},
		{
			name:     "render error before first byte",
			body:     `{"url":"/fail","template":"<!-- SSR_BODY -->"}`,
			wantCode: http.StatusInternalServerError,
			wantBody: "render exploded",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, body, _ := post(t, ts.URL+"/stream", c.body)
			assert.Equal(t, c.wantCode, code)
			assert.Contains(t, body, c.wantBody)
		})
	}
}

func TestStreamFlushesChunks(t *testing.T) {
	r := renderFunc(func(ctx context.Context, req engine.Request) (*renderer.Chunks, error) {
		return &renderer.Chunks{
			Head:      "<title>t</title>",
			Body:      []string{"<p>1</p>", "<p>2</p>"},
			BodyAttrs: &engine.BodyAttrs{Raw: `class="x"`},
		}, nil
	})
	_, ts := newTestServer(t, r)

	resp, err := http.Post(ts.URL+"/stream", "application/json",
		strings.NewReader(`{"url":"/a","template":"<head><!-- SSR_HEAD --></head><body><!-- SSR_BODY --></body>"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Each chunk is flushed separately, so the response is chunked rather than sized.
	assert.Equal(t, int64(-1), resp.ContentLength)

	br := bufio.NewReader(resp.Body)
	b, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, `<head><title>t</title></head><body class="x"><p>1</p><p>2</p></body>`, string(b))
}

func TestStreamWritesChunksAsProduced(t *testing.T) {
	release := make(chan struct{})
	releaseOnce := sync.OnceFunc(func() { close(release) })
	_, ts := newTestServer(t, streamFunc(func(start func(string, *engine.BodyAttrs) error, chunk func(string) error) error {
		if err := start("<title>t</title>", nil); err != nil {
			return err
		}
		if err := chunk("<p>1</p>"); err != nil {
			return err
		}
		<-release
		return chunk("<p>2</p>")
	}))
	t.Cleanup(releaseOnce)

	resp, err := http.Post(ts.URL+"/stream", "application/json",
		strings.NewReader(`{"url":"/a","template":"<head><!-- SSR_HEAD --></head><body><!-- SSR_BODY --></body>"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The first chunk arrives while the render is still blocked on the second.
	want := "<head><title>t</title></head><body><p>1</p>"
	buf := make([]byte, len(want))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))

	releaseOnce()
	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<p>2</p></body>", string(rest))
}

func TestStreamAbortsOnLateRenderError(t *testing.T) {
	_, ts := newTestServer(t, streamFunc(func(start func(string, *engine.BodyAttrs) error, chunk func(string) error) error {
		if err := start("<title>t</title>", nil); err != nil {
			return err
		}
		if err := chunk("<p>1</p>"); err != nil {
			return err
		}
		return errors.New("render exploded")
	}))

	resp, err := http.Post(ts.URL+"/stream", "application/json",
		strings.NewReader(`{"url":"/a","template":"<head><!-- SSR_HEAD --></head><body><!-- SSR_BODY --></body>"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Equal(t, "<head><title>t</title></head><body><p>1</p>", string(b))
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, renderFunc(func(ctx context.Context, req engine.Request) (*renderer.Chunks, error) {
		return nil, errors.New("unused")
	}))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "OK", body.Status)
	_, err = time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ts := newBundleServer(t, WithMetrics(metrics.New(reg), reg))

	post(t, ts.URL+"/", `{"url":"/a","props":{"title":"X","text":"Y"}}`)
	post(t, ts.URL+"/", `{"props":{}}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `ssr_server_requests_total{code="2xx",route="render"} 1`)
	assert.Contains(t, string(b), `ssr_server_requests_total{code="4xx",route="render"} 1`)

	n, err := testutil.GatherAndCount(reg, "ssr_server_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRunMTLS(t *testing.T) {
	certs, err := tlsutil.GenerateCerts()
	require.NoError(t, err)
	serverTLS, err := certs.ServerConfig()
	require.NoError(t, err)
	clientTLS, err := certs.ClientConfig()
	require.NoError(t, err)

	addr, err := inet.LocalAddr()
	require.NoError(t, err)

	r, err := renderer.New("bundle.js", bundle, renderer.WithSize(1))
	require.NoError(t, err)
	defer r.Close()
	s, err := New(r, WithListenAddr(addr), WithTLSConfig(serverTLS))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = s.Addr(ctx)
	require.NoError(t, err)

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientTLS}}
	resp, err := client.Get("https://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// No client certificate, no service.
	noCert := clientTLS.Clone()
	noCert.Certificates = nil
	insecure := &http.Client{Transport: &http.Transport{TLSClientConfig: noCert}}
	_, err = insecure.Get("https://" + addr + "/health")
	assert.Error(t, err)

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, <-done)
}
