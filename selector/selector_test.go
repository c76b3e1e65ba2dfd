package selector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/engine/procpool"
	"github.com/guseggert/ssrbridge/engine/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func TestEngine(t *testing.T) {
	cases := []struct {
		name         string
		cfg          Config
		wantDisabled bool
		wantType     engine.Engine
		wantWarning  bool
	}{
		{
			name:     "streaming",
			cfg:      Config{Engine: Streaming, Remote: remote.Config{URL: "http://127.0.0.1:13714"}},
			wantType: &remote.Engine{},
		},
		{
			name:     "empty engine means streaming",
			cfg:      Config{Remote: remote.Config{URL: "http://127.0.0.1:13714"}},
			wantType: &remote.Engine{},
		},
		{
			name:        "unknown engine falls back to streaming",
			cfg:         Config{Engine: "telepathy", Remote: remote.Config{URL: "http://127.0.0.1:13714"}},
			wantType:    &remote.Engine{},
			wantWarning: true,
		},
		{
			name:         "streaming without url",
			cfg:          Config{Engine: Streaming},
			wantDisabled: true,
		},
		{
			name:         "bad url",
			cfg:          Config{Remote: remote.Config{URL: "ftp://x"}},
			wantDisabled: true,
		},
		{
			name:         "process pool without command",
			cfg:          Config{Engine: ProcessPool},
			wantDisabled: true,
		},
		{
			name:         "process pool that cannot start",
			cfg:          Config{Engine: ProcessPool, Pool: procpool.Config{Command: "/nonexistent/ssr-worker"}},
			wantDisabled: true,
		},
		{
			name:     "lazy process pool",
			cfg:      Config{Engine: "Process-Pool", Pool: procpool.Config{Command: "/nonexistent/ssr-worker", Lazy: true}},
			wantType: &procpool.Pool{},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l, logs := observed()
			s := New(c.cfg, WithLogger(l))
			defer s.Close()

			e := s.Engine()
			if c.wantDisabled {
				_, err := e.Render(context.Background(), engine.Request{URL: "/"})
				assert.ErrorIs(t, err, engine.ErrDisabled)
				_, err = e.Stream(context.Background(), engine.StreamRequest{URL: "/"})
				assert.ErrorIs(t, err, engine.ErrDisabled)
			} else {
				assert.IsType(t, c.wantType, e)
			}
			assert.Equal(t, c.wantWarning, logs.FilterMessage("unknown engine, using streaming").Len() == 1)
		})
	}
}

func TestEngineIsCached(t *testing.T) {
	s := New(Config{Remote: remote.Config{URL: "http://127.0.0.1:13714"}})
	defer s.Close()

	var wg sync.WaitGroup
	engines := make([]engine.Engine, 8)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			engines[i] = s.Engine()
		}(i)
	}
	wg.Wait()
	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
}

func TestReset(t *testing.T) {
	s := New(Config{Remote: remote.Config{URL: "http://127.0.0.1:13714"}})
	defer s.Close()

	first := s.Engine()
	require.NoError(t, s.Reset())
	second := s.Engine()
	assert.NotSame(t, first, second)
	require.NoError(t, s.Reset())
	require.NoError(t, s.Reset())
}

func TestReconfigure(t *testing.T) {
	l, logs := observed()
	s := New(Config{}, WithLogger(l))
	defer s.Close()

	_, err := s.Engine().Render(context.Background(), engine.Request{URL: "/"})
	assert.ErrorIs(t, err, engine.ErrDisabled)

	require.NoError(t, s.Reconfigure(Config{
		Engine: ProcessPool,
		Pool:   procpool.Config{Command: "/nonexistent/ssr-worker", Lazy: true, CheckoutTimeout: 50 * time.Millisecond},
	}))
	e := s.Engine()
	require.IsType(t, &procpool.Pool{}, e)
	_, err = e.Stream(context.Background(), engine.StreamRequest{URL: "/"})
	assert.ErrorIs(t, err, engine.ErrStreamUnsupported)

	require.NoError(t, s.Reconfigure(Config{Remote: remote.Config{URL: "http://127.0.0.1:13714"}}))
	assert.IsType(t, &remote.Engine{}, s.Engine())

	// The replaced pool is closed.
	_, err = e.Render(context.Background(), engine.Request{URL: "/"})
	assert.ErrorIs(t, err, procpool.ErrPoolClosed)

	assert.Equal(t, 1, logs.FilterMessage("using process pool engine").Len())
}
