package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/landirector2008-wq/ha-deepseek-control/internal/openrouter"
)

type mockProber struct {
	mu     sync.Mutex
	status *openrouter.KeyStatus
	err    error
	calls  int
}

func (m *mockProber) KeyStatus(_ context.Context) (*openrouter.KeyStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.status, nil
}

func (m *mockProber) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestQuotaProbe_Polls(t *testing.T) {
	limit := 10.0
	prober := &mockProber{status: &openrouter.KeyStatus{
		Usage:      4.5,
		Limit:      &limit,
		IsFreeTier: true,
	}}
	events := &mockEvents{}

	probe := NewQuotaProbe(prober, 30*time.Millisecond)
	probe.SetEvents(events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probe.Start(ctx)
	defer probe.Stop()

	// Immediate probe plus at least one tick.
	waitFor(t, 2*time.Second, func() bool { return prober.callCount() >= 2 },
		"probe never polled")
	probe.Stop()

	channels := events.channels()
	if len(channels) == 0 || channels[0] != "quota.updated" {
		t.Errorf("broadcasts = %v, want quota.updated", channels)
	}
}

func TestQuotaProbe_Disabled(t *testing.T) {
	prober := &mockProber{status: &openrouter.KeyStatus{}}
	probe := NewQuotaProbe(prober, 0)

	probe.Start(context.Background())
	probe.Stop()

	if prober.callCount() != 0 {
		t.Errorf("disabled probe polled %d times", prober.callCount())
	}
}

func TestQuotaProbe_SurvivesErrors(t *testing.T) {
	prober := &mockProber{err: errors.New("unauthorized")}
	probe := NewQuotaProbe(prober, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	probe.Start(ctx)
	defer probe.Stop()

	waitFor(t, 2*time.Second, func() bool { return prober.callCount() >= 3 },
		"probe stopped after errors")
}
