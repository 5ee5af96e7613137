package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// reconnectDelay is the initial backoff after a listener connection
	// failure.
	reconnectDelay = time.Second

	// reconnectMaxDelay caps the exponential backoff.
	reconnectMaxDelay = 30 * time.Second
)

// ErrorFunc observes listener-level failures (lost connection, failed
// LISTEN). The feed keeps running, reconnecting with capped backoff, but
// callers can surface a degraded indicator while the feed is down.
type ErrorFunc func(err error)

// Listener holds one dedicated connection in LISTEN mode and feeds every
// notification on Channel through a Manager.
//
// Run blocks until ctx is cancelled; transient database failures are
// retried with exponential backoff and never propagate out of Run.
type Listener struct {
	pool    *pgxpool.Pool
	mgr     *Manager
	logger  *slog.Logger
	onError ErrorFunc // nil when no observer is installed
}

// NewListener creates a Listener that dispatches through mgr. onError may
// be nil.
func NewListener(pool *pgxpool.Pool, mgr *Manager, logger *slog.Logger, onError ErrorFunc) *Listener {
	return &Listener{
		pool:    pool,
		mgr:     mgr,
		logger:  logger,
		onError: onError,
	}
}

// Run acquires a connection, LISTENs, and dispatches notifications until
// ctx is cancelled. It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	delay := reconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		l.surfaceError(err)
		l.logger.Warn("changefeed: listener disconnected, will retry",
			slog.Any("error", err),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = NextDelay(delay, reconnectMaxDelay)
	}
}

// listenOnce performs a single acquire → LISTEN → notification loop cycle.
// It returns a non-nil error on any failure so Run can back off and retry.
func (l *Listener) listenOnce(ctx context.Context) error {
	poolConn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer poolConn.Release()

	conn := poolConn.Conn()
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	l.logger.Info("changefeed: listening", slog.String("channel", Channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}

		var ev Event
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			// One bad payload is dropped; the feed keeps running.
			l.logger.Warn("changefeed: dropping malformed payload", slog.Any("error", err))
			continue
		}
		l.mgr.Dispatch(&ev)
	}
}

func (l *Listener) surfaceError(err error) {
	if l.onError != nil && err != nil {
		l.onError(err)
	}
}

// NextDelay returns the next exponential-backoff delay value. It doubles
// current, capped at max. Overflow is handled by capping.
//
// Exported so that unit tests can verify the backoff arithmetic directly.
func NextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next <= 0 || next > max {
		return max
	}
	return next
}
