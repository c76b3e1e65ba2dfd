package engine

import "context"

// Disabled is used when no render target is configured. Every call reports ErrDisabled.
type Disabled struct {
	Reason string
}

func (d Disabled) Render(ctx context.Context, req Request) (*Result, error) {
	return nil, d.err()
}

func (d Disabled) Stream(ctx context.Context, req StreamRequest) (*Stream, error) {
	return nil, d.err()
}

func (d Disabled) Close() error { return nil }

func (d Disabled) err() error {
	if d.Reason == "" {
		return ErrDisabled
	}
	return &disabledError{reason: d.Reason}
}

type disabledError struct{ reason string }

func (e *disabledError) Error() string { return ErrDisabled.Error() + ": " + e.reason }

func (e *disabledError) Unwrap() error { return ErrDisabled }
