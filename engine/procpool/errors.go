package procpool

import "errors"

var (
	ErrPoolClosed      = errors.New("process pool closed")
	ErrCheckoutTimeout = errors.New("timed out waiting for a worker process")
	ErrRenderTimeout   = errors.New("worker process did not answer in time")
	ErrProtocol        = errors.New("malformed response from worker process")
	ErrNoCommand       = errors.New("no worker command configured")
)

// WorkerError is an {"error": ...} answer. The worker is still healthy and stays in the pool.
type WorkerError struct {
	Msg string
}

func (e *WorkerError) Error() string { return "worker render error: " + e.Msg }
