package recovery

import (
	"context"
	"fmt"
	"log/slog"
)

// ComponentName returns a printable name for a recoverable component.
func ComponentName(r Recoverable) string {
	if named, ok := r.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", r)
}

// WaitReady blocks until ready is closed or ctx is done.
func WaitReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	default:
	}
	slog.Debug("WaitReady: waiting for recovery to finish")
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
