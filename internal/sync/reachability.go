package sync

import (
	"context"
	"time"

	"device-sync-service/internal/store"
)

// WatchReachability feeds reachability events into the manager until ctx is
// done or events is closed. Bursts of events closer together than the
// configured debounce collapse to the last value.
func (m *Manager) WatchReachability(ctx context.Context, events <-chan store.NetworkStatus) {
	m.watchers.Add(1)
	go func() {
		defer m.watchers.Done()
		debounceNetwork(ctx, m.ctx, m.cfg.Debounce, events, m.SetNetworkStatus)
	}()
}

func debounceNetwork(ctx, lifetime context.Context, window time.Duration, events <-chan store.NetworkStatus, apply func(store.NetworkStatus)) {
	var (
		pending store.NetworkStatus
		timer   *time.Timer
		fire    <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lifetime.Done():
			return
		case status, ok := <-events:
			if !ok {
				if fire != nil {
					apply(pending)
				}
				return
			}
			if window <= 0 {
				apply(status)
				continue
			}
			pending = status
			if timer == nil {
				timer = time.NewTimer(window)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(window)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			apply(pending)
		}
	}
}
