package telemetry

import (
	"context"
	"time"

	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
)

// Poller refreshes the controller's sensor caches on a fixed interval.
//
// The controller only reads hardware when a command touches it; the
// poller keeps the flow rate, measured temperature and syringe busy
// flag current between commands so snapshots and broadcast ticks carry
// live readings.
type Poller struct {
	ctrl     *cell.Controller
	interval time.Duration
	log      *logging.Logger
}

// NewPoller creates a poller. Intervals below 100ms are raised to
// 100ms to keep bus traffic to the sensors reasonable.
func NewPoller(ctrl *cell.Controller, interval time.Duration, log *logging.Logger) *Poller {
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Poller{ctrl: ctrl, interval: interval, log: log}
}

// Run polls until ctx is cancelled. Read failures are logged and the
// loop continues; a transient sensor fault must not kill telemetry.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ctrl.PollTelemetry(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("telemetry poll failed", "error", err)
			}
		}
	}
}
