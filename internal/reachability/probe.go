package reachability

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"device-sync-service/internal/logger"
	"device-sync-service/internal/store"
)

// Probe reports whether the sync backend can be reached by dialing it over
// TCP at a fixed interval.
type Probe struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewProbe(address string, interval, timeout time.Duration) *Probe {
	d := &net.Dialer{}
	return &Probe{
		address:  address,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
	}
}

// Check dials the backend once.
func (p *Probe) Check(ctx context.Context) store.NetworkStatus {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		logger.Log.Debug("Reachability probe failed", zap.String("address", p.address), zap.Error(err))
		return store.NetworkDisconnected
	}
	conn.Close()
	return store.NetworkConnected
}

// Run emits the result of every probe until ctx is done, then closes the
// returned channel. The first probe runs immediately.
func (p *Probe) Run(ctx context.Context) <-chan store.NetworkStatus {
	out := make(chan store.NetworkStatus, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case out <- p.Check(ctx):
			case <-ctx.Done():
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Log.Info("Reachability probe started",
		zap.String("address", p.address),
		zap.Duration("interval", p.interval),
	)
	return out
}
