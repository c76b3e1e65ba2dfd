package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/ssrbridge/internal/tlsutil"
	"github.com/guseggert/ssrbridge/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, selector.Streaming, c.Engine)
	assert.Equal(t, "", c.Remote.URL)
	assert.Equal(t, "/stream", c.Remote.StreamPath)
	assert.Equal(t, 2*time.Second, c.Remote.ConnectTimeout)
	assert.Equal(t, 10*time.Second, c.Remote.ReadTimeout)
	assert.Equal(t, 3, c.Pool.Size)
	assert.Equal(t, 5*time.Second, c.Pool.CheckoutTimeout)
	assert.Equal(t, "127.0.0.1:13714", c.Server.Listen)
	assert.Equal(t, "info", c.Log.Level)
	assert.False(t, c.Host.BufferedFallback)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ssr.yaml", `
engine: process-pool
remote:
  url: http://render:13714
  read_timeout: 3s
pool:
  size: 5
  command: ssr-worker
  args: ["--bundle", "dist/server.js"]
  checkout_timeout: 250ms
  lazy: true
host:
  template: index.html
  buffered_fallback: true
log:
  level: debug
`)
	c, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, selector.ProcessPool, c.Engine)
	assert.Equal(t, "http://render:13714", c.Remote.URL)
	assert.Equal(t, 3*time.Second, c.Remote.ReadTimeout)
	assert.Equal(t, 2*time.Second, c.Remote.ConnectTimeout)
	assert.Equal(t, 5, c.Pool.Size)
	assert.Equal(t, []string{"--bundle", "dist/server.js"}, c.Pool.Args)
	assert.Equal(t, 250*time.Millisecond, c.Pool.CheckoutTimeout)
	assert.True(t, c.Pool.Lazy)
	assert.True(t, c.Host.BufferedFallback)

	sel, err := c.Selector()
	require.NoError(t, err)
	assert.Equal(t, selector.ProcessPool, sel.Engine)
	assert.Equal(t, "ssr-worker", sel.Pool.Command)
	assert.Equal(t, 5, sel.Pool.Size)
	assert.Nil(t, sel.Remote.TLSConfig)

	fc := c.Forwarder()
	assert.True(t, fc.BufferedFallback)
	assert.Equal(t, 5*time.Second, fc.FallbackTimeout)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "ssr.yaml", "remote:\n  url: http://file:1\n")
	t.Setenv("SSR_REMOTE_URL", "http://env:2")
	t.Setenv("SSR_POOL_SIZE", "7")
	t.Setenv("SSR_POOL_RENDER_TIMEOUT", "1500ms")

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env:2", c.Remote.URL)
	assert.Equal(t, 7, c.Pool.Size)
	assert.Equal(t, 1500*time.Millisecond, c.Pool.RenderTimeout)
}

func TestInvalid(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "negative size", yaml: "pool:\n  size: -1\n", wantErr: "pool.size"},
		{name: "negative timeout", yaml: "remote:\n  read_timeout: -1s\n", wantErr: "remote.read_timeout"},
		{name: "bad level", yaml: "log:\n  level: loud\n", wantErr: "log.level"},
		{name: "partial tls", yaml: "remote:\n  tls:\n    cert: c.pem\n", wantErr: "tls needs all"},
		{name: "bad duration", yaml: "pool:\n  checkout_timeout: soon\n", wantErr: "decoding config"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "ssr.yaml", c.yaml)
			_, err := LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.wantErr)
		})
	}

	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSelectorTLS(t *testing.T) {
	dir := t.TempDir()
	certs, err := tlsutil.GenerateCerts()
	require.NoError(t, err)
	c := &Config{Remote: RemoteConfig{
		URL: "https://render:13714",
		TLS: TLSConfig{
			CACert: writeFile(t, dir, "ca.pem", string(certs.CA.CertPEMBytes)),
			Cert:   writeFile(t, dir, "client.pem", string(certs.Client.CertPEMBytes)),
			Key:    writeFile(t, dir, "client-key.pem", string(certs.Client.KeyPEMBytes)),
		},
	}}

	sel, err := c.Selector()
	require.NoError(t, err)
	require.NotNil(t, sel.Remote.TLSConfig)
	assert.Equal(t, tlsutil.ServerName, sel.Remote.TLSConfig.ServerName)

	c.Remote.TLS.Key = filepath.Join(dir, "missing.pem")
	_, err = c.Selector()
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ssr.yaml", "remote:\n  url: http://a:1\n")
	v := New()
	c, err := Load(v, path)
	require.NoError(t, err)
	require.Equal(t, "http://a:1", c.Remote.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 100)
	require.NoError(t, Watch(ctx, v, path, zap.NewNop().Sugar(), func(c *Config) { got <- c }))

	writeFile(t, dir, "ssr.yaml", "log:\n  level: loud\n")
	time.Sleep(300 * time.Millisecond)
	writeFile(t, dir, "ssr.yaml", "engine: process-pool\nremote:\n  url: http://b:2\n")

	// A reload may observe a partly written file first, so wait for the final contents.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-got:
			if c.Remote.URL != "http://b:2" {
				continue
			}
			assert.Equal(t, selector.ProcessPool, c.Engine)
			return
		case <-timeout:
			t.Fatal("no reload")
		}
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	p, err := Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, "", p)

	want := writeFile(t, root, FileName, "engine: streaming\n")
	p, err = Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, want, p)
}
