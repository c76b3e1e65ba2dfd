package remote

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/guseggert/ssrbridge/engine"
)

// idleReader cancels the request when a single Read blocks longer than timeout.
// The timer only runs while a Read is in flight, so a slow consumer does not trip it.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel func()) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})
	ir.timer.Stop()
	return ir
}

func (r *idleReader) Read(p []byte) (int, error) {
	r.timer.Reset(r.timeout)
	n, err := r.r.Read(p)
	r.timer.Stop()
	return n, err
}

func (r *idleReader) timedOut() bool { return r.fired.Load() }

func (r *idleReader) stop() { r.timer.Stop() }

// abortReader marks every failure other than a clean EOF as a mid-stream abort.
type abortReader struct {
	r    io.Reader
	idle *idleReader
}

func (a *abortReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	if a.idle != nil && a.idle.timedOut() {
		err = ErrIdleTimeout
	}
	return n, fmt.Errorf("%w: %w", engine.ErrAbortedMidStream, err)
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
