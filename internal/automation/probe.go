package automation

import (
	"context"
	"sync"
	"time"
)

// QuotaProbe periodically polls the provider's key endpoint and publishes
// the account's usage, limit, and tier so operators can see a rate limit
// coming before rules start suspending.
type QuotaProbe struct {
	prober   KeyProber
	interval time.Duration
	events   EventSink
	metrics  Metrics
	logger   Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewQuotaProbe creates a quota probe polling at the given interval.
// An interval of zero disables the probe: Start becomes a no-op.
func NewQuotaProbe(prober KeyProber, interval time.Duration) *QuotaProbe {
	return &QuotaProbe{
		prober:   prober,
		interval: interval,
		logger:   noopLogger{},
	}
}

// SetEvents sets the event sink for quota broadcasts.
func (p *QuotaProbe) SetEvents(events EventSink) {
	p.events = events
}

// SetMetrics sets the metrics recorder.
func (p *QuotaProbe) SetMetrics(m Metrics) {
	p.metrics = m
}

// SetLogger sets the logger.
func (p *QuotaProbe) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches the polling goroutine. The first probe fires immediately
// so the quota is known at startup, then every interval.
func (p *QuotaProbe) Start(ctx context.Context) {
	if p.interval <= 0 || p.prober == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.probe(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for an in-flight probe.
func (p *QuotaProbe) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *QuotaProbe) probe(ctx context.Context) {
	status, err := p.prober.KeyStatus(ctx)
	if err != nil {
		p.logger.Warn("quota probe failed", "error", err)
		return
	}

	limit := 0.0
	if status.Limit != nil {
		limit = *status.Limit
	}

	p.logger.Debug("quota status",
		"usage", status.Usage,
		"limit", limit,
		"free_tier", status.IsFreeTier,
	)

	if p.events != nil {
		payload := map[string]any{
			"usage":     status.Usage,
			"free_tier": status.IsFreeTier,
		}
		if status.Limit != nil {
			payload["limit"] = *status.Limit
			if remaining, ok := status.Remaining(); ok {
				payload["remaining"] = remaining
			}
		}
		p.events.Broadcast("quota.updated", payload)
	}
	if p.metrics != nil {
		p.metrics.WriteQuota(status.Usage, limit, status.IsFreeTier)
	}
}
