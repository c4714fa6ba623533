package device

import (
	"context"
	"time"
)

// startPoller scans immediately and then every interval until ctx is done.
// A missing driver or non-positive interval disables the poller.
func (m *Manager) startPoller(ctx context.Context, medium Medium, iface string, interval time.Duration) {
	drv, ok := m.drivers[medium]
	if !ok {
		m.log.Debug("no driver registered, poller not started", "medium", medium)
		return
	}
	if interval <= 0 {
		m.log.Warn("poll interval not positive, poller not started", "medium", medium, "interval", interval)
		return
	}

	m.log.Info("starting poller", "medium", medium, "interface", iface, "interval", interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			m.poll(ctx, drv, iface)

			select {
			case <-ctx.Done():
				m.log.Debug("poller stopped", "medium", medium)
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *Manager) poll(ctx context.Context, drv Driver, iface string) {
	reports, err := drv.Scan(ctx, iface)
	m.metrics.PollCompleted(string(drv.Medium()), err)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("scan failed", "medium", drv.Medium(), "error", err)
		}
		return
	}
	for _, r := range reports {
		m.storeReport(drv.Medium(), r)
	}
	m.log.Debug("scan complete", "medium", drv.Medium(), "devices", len(reports))
}

// startIdler periodically releases BLE links idle for longer than maxIdle.
func (m *Manager) startIdler(ctx context.Context, maxIdle time.Duration) {
	drv, ok := m.drivers[MediumBLE]
	if !ok || maxIdle <= 0 {
		return
	}
	idler, ok := drv.(Idler)
	if !ok {
		return
	}

	m.log.Info("starting BLE idler", "idle_timeout", maxIdle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(maxIdle)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := idler.ReleaseIdle(ctx, maxIdle); n > 0 {
					m.log.Debug("released idle BLE links", "count", n)
				}
			}
		}
	}()
}
