// Package gate blocks pipeline start until an external store answers a
// liveness query.
package gate

import (
	"context"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 10 * time.Minute
)

var ErrNotReady = errors.New("store not ready")

type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Gate polls a Pinger at a fixed interval until it succeeds or the timeout
// elapses. Between polls it waits on a timer, so no goroutine spins.
type Gate struct {
	pinger   storage.Pinger
	interval time.Duration
	timeout  time.Duration
	logger   Logger
}

func New(pinger storage.Pinger, interval, timeout time.Duration, logger Logger) *Gate {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{pinger: pinger, interval: interval, timeout: timeout, logger: logger}
}

// Wait returns nil once the store is reachable. On timeout it returns an
// error wrapping ErrNotReady and the last probe failure.
func (g *Gate) Wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	attempts := 0
	var lastErr error
	probe := func() error {
		attempts++
		if err := g.pinger.Ping(ctx); err != nil {
			lastErr = err
			return err
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		g.logger.Warnf("Readiness probe %d failed: %v (next probe in %s)", attempts, err, next)
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(g.interval), ctx)
	if err := backoff.RetryNotify(probe, b, notify); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return errors.Wrapf(ErrNotReady, "after %d probes in %s: %v", attempts, g.timeout, lastErr)
	}
	g.logger.Infof("Store ready after %d probe(s)", attempts)
	return nil
}
