package procpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/ssrbridge/engine"
	"github.com/guseggert/ssrbridge/internal/metrics"
	"github.com/guseggert/ssrbridge/worker"
	"go.uber.org/zap"
)

const engineName = "process-pool"

type Config struct {
	// Size is the number of worker processes. Defaults to 3.
	Size    int
	Command string
	Args    []string
	// Env is appended to the host's environment.
	Env []string
	Dir string

	// CheckoutTimeout bounds the wait for a free worker.
	CheckoutTimeout time.Duration
	// RenderTimeout bounds the wait for a worker's answer once the request is written.
	RenderTimeout time.Duration
	// StopGrace is how long Close waits for a worker to exit after closing its stdin.
	StopGrace time.Duration

	// Lazy defers spawning workers until they are first checked out.
	Lazy bool
}

func (c *Config) setDefaults() {
	if c.Size <= 0 {
		c.Size = 3
	}
	if c.CheckoutTimeout <= 0 {
		c.CheckoutTimeout = 5 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 10 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Second
	}
}

// Pool is an Engine backed by a fixed number of long-lived worker processes.
// Each render checks out one worker exclusively.
type Pool struct {
	Logger *zap.SugaredLogger

	cfg     Config
	metrics *metrics.Metrics

	// slots holds exactly Size tokens. A nil token is an empty slot to be
	// filled by spawning on checkout.
	slots chan *process

	closed    chan struct{}
	closeOnce sync.Once

	mut  sync.Mutex
	live map[*process]struct{}

	spawned   atomic.Int64
	inUse     atomic.Int64
	peakInUse atomic.Int64
}

type Option func(p *Pool)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		p.Logger = l.Named("process_pool").Sugar()
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

func New(cfg Config, opts ...Option) (*Pool, error) {
	cfg.setDefaults()
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}

	p := &Pool{
		cfg:    cfg,
		slots:  make(chan *process, cfg.Size),
		closed: make(chan struct{}),
		live:   map[*process]struct{}{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop().Sugar()
	}

	for i := 0; i < cfg.Size; i++ {
		if cfg.Lazy {
			p.slots <- nil
			continue
		}
		proc, err := p.spawn()
		if err != nil {
			p.slots <- nil
			p.Close()
			return nil, fmt.Errorf("warming worker %d: %w", i, err)
		}
		p.slots <- proc
	}
	return p, nil
}

func (p *Pool) spawn() (*process, error) {
	proc, err := startProcess(p.cfg, p.Logger)
	if err != nil {
		return nil, err
	}
	p.mut.Lock()
	p.live[proc] = struct{}{}
	p.mut.Unlock()
	p.spawned.Add(1)
	p.metrics.WorkerSpawned()
	proc.log.Debug("spawned worker")
	return proc, nil
}

func (p *Pool) discard(proc *process, reason string) {
	proc.kill()
	p.mut.Lock()
	delete(p.live, proc)
	p.mut.Unlock()
	p.metrics.WorkerDiscarded(reason)
	proc.log.Debugw("discarded worker", "Reason", reason)
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// checkout waits for a slot and returns a live worker for it, spawning one if needed.
// Every successful checkout must be paired with release.
func (p *Pool) checkout(ctx context.Context) (*process, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()

	var proc *process
	select {
	case proc = <-p.slots:
	case <-timer.C:
		p.metrics.ObserveCheckout(time.Since(start), true)
		return nil, ErrCheckoutTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrPoolClosed
	}
	if p.isClosed() {
		p.slots <- proc
		return nil, ErrPoolClosed
	}

	if proc != nil && !proc.alive() {
		p.discard(proc, "exited")
		proc = nil
	}
	if proc == nil {
		var err error
		proc, err = p.spawn()
		if err != nil {
			p.slots <- nil
			return nil, err
		}
	}

	n := p.inUse.Add(1)
	for {
		peak := p.peakInUse.Load()
		if n <= peak || p.peakInUse.CompareAndSwap(peak, n) {
			break
		}
	}
	p.metrics.ObserveCheckout(time.Since(start), false)
	return proc, nil
}

// release returns a worker's slot. An unhealthy worker is killed and its slot left empty.
func (p *Pool) release(proc *process, healthy bool) {
	p.inUse.Add(-1)
	p.metrics.Released()
	if !healthy || p.isClosed() {
		p.discard(proc, "unhealthy")
		p.slots <- nil
		return
	}
	p.slots <- proc
}

func (p *Pool) Render(ctx context.Context, req engine.Request) (*engine.Result, error) {
	start := time.Now()
	res, err := p.render(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		p.Logger.Debugw("render failed", "URL", req.URL, "Error", err)
	}
	p.metrics.ObserveRender(engineName, outcome, time.Since(start))
	return res, err
}

func (p *Pool) render(ctx context.Context, req engine.Request) (*engine.Result, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	line = append(line, '\n')

	proc, err := p.checkout(ctx)
	if err != nil {
		return nil, err
	}
	healthy := false
	defer func() { p.release(proc, healthy) }()

	b, err := proc.roundTrip(ctx, line, p.cfg.RenderTimeout)
	if err != nil {
		return nil, err
	}

	var resp worker.Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if resp.Error != "" {
		healthy = true
		return nil, &WorkerError{Msg: resp.Error}
	}
	if resp.Body == nil {
		return nil, fmt.Errorf("%w: response has no body", ErrProtocol)
	}
	healthy = true
	return &engine.Result{Head: resp.Head, Body: *resp.Body, BodyAttrs: resp.BodyAttrs}, nil
}

// Stream is not supported over the worker channel.
func (p *Pool) Stream(ctx context.Context, req engine.StreamRequest) (*engine.Stream, error) {
	return nil, engine.ErrStreamUnsupported
}

// Close stops all workers, including checked out ones, whose renders then fail.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)

		p.mut.Lock()
		procs := make([]*process, 0, len(p.live))
		for proc := range p.live {
			procs = append(procs, proc)
		}
		p.mut.Unlock()

		var wg sync.WaitGroup
		for _, proc := range procs {
			wg.Add(1)
			go func(proc *process) {
				defer wg.Done()
				proc.stop(p.cfg.StopGrace)
			}(proc)
		}
		wg.Wait()
		p.Logger.Debugw("closed pool", "Workers", len(procs))
	})
	return nil
}

type Stats struct {
	Size      int
	Spawned   int
	InUse     int
	PeakInUse int
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.cfg.Size,
		Spawned:   int(p.spawned.Load()),
		InUse:     int(p.inUse.Load()),
		PeakInUse: int(p.peakInUse.Load()),
	}
}

var _ engine.Engine = (*Pool)(nil)

// IsWorkerError reports whether err is a render error reported by a healthy worker.
func IsWorkerError(err error) bool {
	var we *WorkerError
	return errors.As(err, &we)
}
