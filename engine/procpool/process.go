package procpool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// process is one long-lived worker with a line-oriented channel on stdin/stdout.
// Only the goroutine holding its checkout may talk to it.
type process struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	// Owned here rather than by cmd so Wait never closes it under a pending read.
	stdoutR *os.File

	exited   chan struct{}
	waitErr  error
	killOnce sync.Once
}

func startProcess(cfg Config, log *zap.SugaredLogger) (*process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = &lineLogger{log: log.With("Command", cfg.Command)}

	err = cmd.Start()
	stdoutW.Close()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("starting worker %q: %w", cfg.Command, err)
	}

	p := &process{
		log:     log.With("PID", cmd.Process.Pid),
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdoutR, 64<<10),
		stdoutR: stdoutR,
		exited:  make(chan struct{}),
	}

	go func() {
		p.waitErr = cmd.Wait()
		p.log.Debugw("worker exited", "ExitCode", cmd.ProcessState.ExitCode(), "Error", p.waitErr)
		close(p.exited)
	}()

	return p, nil
}

func (p *process) pid() int { return p.cmd.Process.Pid }

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

func (p *process) kill() {
	p.killOnce.Do(func() {
		p.stdin.Close()
		if err := p.cmd.Process.Kill(); err != nil && p.alive() {
			p.log.Debugf("error killing worker: %s", err)
		}
		p.stdoutR.Close()
	})
}

// stop closes stdin so the worker can exit on its own, and kills it after grace.
func (p *process) stop(grace time.Duration) {
	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(grace):
	}
	p.kill()
	<-p.exited
}

type lineResult struct {
	line []byte
	err  error
}

// roundTrip writes one request line and reads one response line. On timeout or
// cancellation the process is killed, which also unblocks the pending read.
func (p *process) roundTrip(ctx context.Context, line []byte, timeout time.Duration) ([]byte, error) {
	ch := make(chan lineResult, 1)
	go func() {
		if _, err := p.stdin.Write(line); err != nil {
			ch <- lineResult{err: fmt.Errorf("writing request: %w", err)}
			return
		}
		b, err := p.stdout.ReadBytes('\n')
		if err != nil {
			ch <- lineResult{err: fmt.Errorf("reading response: %w", err)}
			return
		}
		ch <- lineResult{line: b}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.line, r.err
	case <-timer.C:
		p.kill()
		return nil, ErrRenderTimeout
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	}
}

// lineLogger forwards a worker's stderr to the logger one line at a time.
type lineLogger struct {
	log *zap.SugaredLogger
	buf bytes.Buffer
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.buf.Write(b)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(l.buf.Next(i + 1))
		if l.log != nil {
			l.log.Debugw("worker stderr", "Line", line[:len(line)-1])
		}
	}
	return len(b), nil
}
