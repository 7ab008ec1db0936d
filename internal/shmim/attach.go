package shmim

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Attach opens the named stream, polling at 1 Hz until it exists and its
// producer has finished initialising it. It never gives up on its own; the
// only exit paths are success and context cancellation.
//
// The "not found yet" warning is logged once per attach cycle, on the first
// failed poll only.
func Attach(ctx context.Context, name string, log *slog.Logger) (*Stream, error) {
	warned := false
	for {
		s, err := Open(name)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotReady) && !errors.Is(err, ErrBadStream) {
			return nil, err
		}
		if !warned {
			log.Warn("image stream not found (yet), retrying", "stream", name)
			warned = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
