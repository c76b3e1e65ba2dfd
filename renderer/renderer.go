// Package renderer runs a server-side JavaScript bundle in a pool of goja runtimes.
//
// The bundle must define a global function
//
//	render(url, props) -> {head?, body, bodyAttrs?}
//
// where body is a string, an array of string chunks or an iterator of string chunks (any object
// with a next() method, such as a generator), and bodyAttrs is a string or an object.
// render may also return a plain string body, or a promise of either form.
//
// An iterator body is pulled one chunk at a time, so StreamChunks can hand each chunk to the
// client before the bundle produces the next.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/guseggert/ssrbridge/engine"
	"go.uber.org/zap"
)

const renderFuncName = "render"

var (
	ErrNoRenderFunc  = errors.New("bundle does not define a render function")
	ErrBadResult     = errors.New("render returned an unsupported value")
	ErrPendingResult = errors.New("render returned a promise that did not settle")
	ErrClosed        = errors.New("renderer closed")
)

// Chunks is a render result whose body is kept as the chunks the bundle produced.
type Chunks struct {
	Head      string
	Body      []string
	BodyAttrs *engine.BodyAttrs
}

func (c *Chunks) Result() *engine.Result {
	return &engine.Result{Head: c.Head, Body: strings.Join(c.Body, ""), BodyAttrs: c.BodyAttrs}
}

type bundle struct {
	name string
	prog *goja.Program
	gen  uint64
}

type instance struct {
	vm       *goja.Runtime
	renderFn goja.Callable
	gen      uint64
}

type Renderer struct {
	Logger *zap.SugaredLogger

	size   int
	pool   chan *instance
	bundle atomic.Pointer[bundle]
	gen    atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(r *Renderer)

func WithLogger(l *zap.Logger) Option {
	return func(r *Renderer) {
		r.Logger = l.Named("renderer").Sugar()
	}
}

// WithSize sets the number of runtimes. Zero keeps the default, the number of CPUs.
func WithSize(n int) Option {
	return func(r *Renderer) {
		if n > 0 {
			r.size = n
		}
	}
}

// New compiles the bundle source. Runtimes are created lazily as they are first needed.
func New(name, source string, opts ...Option) (*Renderer, error) {
	r := &Renderer{
		size:   runtime.NumCPU(),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop().Sugar()
	}
	if err := r.Reload(name, source); err != nil {
		return nil, err
	}
	r.pool = make(chan *instance, r.size)
	for i := 0; i < r.size; i++ {
		r.pool <- nil
	}
	return r, nil
}

func NewFromFile(path string, opts ...Option) (*Renderer, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle: %w", err)
	}
	return New(path, string(src), opts...)
}

// Reload swaps in a new bundle. Renders already running finish on the old one,
// and idle runtimes are rebuilt on their next use.
func (r *Renderer) Reload(name, source string) error {
	prog, err := goja.Compile(name, source, false)
	if err != nil {
		return fmt.Errorf("compiling bundle %s: %w", name, err)
	}
	b := &bundle{name: name, prog: prog, gen: r.gen.Add(1)}
	// Run it once so a bundle without render is rejected here rather than per request.
	if _, err := r.newInstance(b); err != nil {
		return err
	}
	r.bundle.Store(b)
	r.Logger.Debugw("loaded bundle", "Name", name, "Generation", b.gen)
	return nil
}

func (r *Renderer) ReloadFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading bundle: %w", err)
	}
	return r.Reload(path, string(src))
}

func (r *Renderer) newInstance(b *bundle) (*instance, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := vm.NewObject()
	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.String()
			}
			r.Logger.Debugw("console."+level, "Message", strings.Join(args, " "))
			return goja.Undefined()
		}
	}
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, logFn(level))
	}
	_ = vm.Set("console", console)

	if _, err := vm.RunProgram(b.prog); err != nil {
		return nil, fmt.Errorf("running bundle %s: %w", b.name, err)
	}
	fn, ok := goja.AssertFunction(vm.Get(renderFuncName))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRenderFunc, b.name)
	}
	return &instance{vm: vm, renderFn: fn, gen: b.gen}, nil
}

func (r *Renderer) checkout(ctx context.Context) (*instance, error) {
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}

	var inst *instance
	select {
	case inst = <-r.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, ErrClosed
	}

	b := r.bundle.Load()
	if inst != nil && inst.gen == b.gen {
		return inst, nil
	}
	inst, err := r.newInstance(b)
	if err != nil {
		r.pool <- nil
		return nil, err
	}
	return inst, nil
}

func (r *Renderer) Render(ctx context.Context, req engine.Request) (*engine.Result, error) {
	c, err := r.RenderChunks(ctx, req)
	if err != nil {
		return nil, err
	}
	return c.Result(), nil
}

func (r *Renderer) RenderChunks(ctx context.Context, req engine.Request) (*Chunks, error) {
	var c *Chunks
	err := r.render(ctx, req, func(res *result) error {
		c = &Chunks{Head: res.head, Body: make([]string, 0, len(res.body)), BodyAttrs: res.attrs}
		return res.each(func(chunk string) error {
			c.Body = append(c.Body, chunk)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// StreamChunks renders req, calls start with the head and body attributes, then calls chunk
// for each body chunk as the bundle produces it. An error from start or chunk stops the render
// and is returned.
func (r *Renderer) StreamChunks(ctx context.Context, req engine.Request, start func(head string, attrs *engine.BodyAttrs) error, chunk func(string) error) error {
	return r.render(ctx, req, func(res *result) error {
		if err := start(res.head, res.attrs); err != nil {
			return err
		}
		return res.each(chunk)
	})
}

// render runs the bundle on a pooled runtime and passes the result to consume while the
// runtime is still held, since iterator bodies run JS as they are consumed.
func (r *Renderer) render(ctx context.Context, req engine.Request, consume func(res *result) error) error {
	props, err := req.Props.Map()
	if err != nil {
		return err
	}

	inst, err := r.checkout(ctx)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if ok {
			r.pool <- inst
		} else {
			r.pool <- nil
		}
	}()

	vm := inst.vm
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	err = call(inst, req, props, consume)
	if !stop() {
		// Interrupted, or about to be. The runtime is dropped either way.
		return fmt.Errorf("rendering %s: %w", req.URL, ctx.Err())
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return fmt.Errorf("rendering %s: %w", req.URL, ctx.Err())
	}
	ok = true
	if err != nil {
		return fmt.Errorf("rendering %s: %w", req.URL, err)
	}
	return nil
}

func call(inst *instance, req engine.Request, props map[string]any, consume func(res *result) error) error {
	v, err := inst.renderFn(goja.Undefined(), inst.vm.ToValue(req.URL), inst.vm.ToValue(props))
	if err != nil {
		return err
	}
	res, err := toResult(v)
	if err != nil {
		return err
	}
	return consume(res)
}

// result is a settled render. The body is either fixed chunks or an iterator.
type result struct {
	head  string
	attrs *engine.BodyAttrs
	body  []string
	iter  *goja.Object
	next  goja.Callable
}

func (res *result) each(fn func(string) error) error {
	if res.next == nil {
		for _, c := range res.body {
			if err := fn(c); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; ; i++ {
		v, err := res.next(res.iter)
		if err != nil {
			return err
		}
		step, ok := v.(*goja.Object)
		if !ok {
			return fmt.Errorf("%w: iterator step %d is %T", ErrBadResult, i, v.Export())
		}
		if get(step, "done").ToBoolean() {
			return nil
		}
		c, ok := get(step, "value").Export().(string)
		if !ok {
			return fmt.Errorf("%w: body chunk %d is %T", ErrBadResult, i, get(step, "value").Export())
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}

func get(o *goja.Object, key string) goja.Value {
	if v := o.Get(key); v != nil {
		return v
	}
	return goja.Undefined()
}

func toResult(v goja.Value) (*result, error) {
	if p, isPromise := v.Export().(*goja.Promise); isPromise {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			v = p.Result()
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("render promise rejected: %v", p.Result())
		default:
			return nil, ErrPendingResult
		}
	}

	if s, ok := v.Export().(string); ok {
		return &result{body: []string{s}}, nil
	}
	o, ok := v.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadResult, v.Export())
	}
	if exp := o.Export(); !isMap(exp) {
		return nil, fmt.Errorf("%w: %T", ErrBadResult, exp)
	}

	res := &result{}
	switch h := get(o, "head").Export().(type) {
	case nil:
	case string:
		res.head = h
	default:
		return nil, fmt.Errorf("%w: head is %T", ErrBadResult, h)
	}
	switch a := get(o, "bodyAttrs").Export().(type) {
	case nil:
	case string:
		res.attrs = &engine.BodyAttrs{Raw: a}
	case map[string]any:
		res.attrs = &engine.BodyAttrs{Attrs: a}
	default:
		return nil, fmt.Errorf("%w: bodyAttrs is %T", ErrBadResult, a)
	}

	body := get(o, "body")
	if bo, ok := body.(*goja.Object); ok {
		if next, ok := goja.AssertFunction(get(bo, "next")); ok {
			res.iter, res.next = bo, next
			return res, nil
		}
	}
	chunks, err := toBody(body.Export())
	if err != nil {
		return nil, err
	}
	res.body = chunks
	return res, nil
}

func isMap(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func toBody(v any) ([]string, error) {
	switch b := v.(type) {
	case string:
		return []string{b}, nil
	case []any:
		chunks := make([]string, 0, len(b))
		for i, c := range b {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("%w: body chunk %d is %T", ErrBadResult, i, c)
			}
			chunks = append(chunks, s)
		}
		return chunks, nil
	case nil:
		return nil, fmt.Errorf("%w: missing body", ErrBadResult)
	default:
		return nil, fmt.Errorf("%w: body is %T", ErrBadResult, b)
	}
}

// Close makes later renders fail. Runtimes in use finish their render.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}
