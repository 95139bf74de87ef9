package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/meetsync-worker/internal/config"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/service"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

type mockLister struct {
	mu       sync.Mutex
	accounts []models.CalendarAccount
	before   []time.Time
}

func (m *mockLister) ListDue(ctx context.Context, before time.Time, limit int) ([]models.CalendarAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = append(m.before, before)
	out := m.accounts
	m.accounts = nil
	return out, nil
}

type mockSyncer struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (m *mockSyncer) SyncAccount(ctx context.Context, uid string, provider models.Provider, window *service.Window) (service.PassResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = map[string]int{}
	}
	m.calls[uid+":"+string(provider)]++
	return service.PassResult{}, m.err
}

func (m *mockSyncer) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func testConfig(workers int) *config.Config {
	return &config.Config{Workers: workers, PollInterval: 1, SyncInterval: 15 * time.Minute}
}

func TestWatcher_SyncsDueAccounts(t *testing.T) {
	lister := &mockLister{accounts: []models.CalendarAccount{
		{UserID: "u1", Provider: models.ProviderMTM},
		{UserID: "u1", Provider: models.ProviderICS},
		{UserID: "u2", Provider: models.ProviderICS},
	}}
	syncer := &mockSyncer{err: syncerr.Newf(syncerr.KindTransient, "test", "flaky")}
	w := New(testConfig(2), lister, syncer)
	fixed := time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return syncer.total() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	assert.Equal(t, 1, syncer.calls["u1:mtm"])
	assert.Equal(t, 1, syncer.calls["u2:ics"])
	lister.mu.Lock()
	defer lister.mu.Unlock()
	require.NotEmpty(t, lister.before)
	assert.Equal(t, fixed.Add(-15*time.Minute), lister.before[0])
}

func TestWatcher_DropsWhenQueueFull(t *testing.T) {
	w := New(testConfig(1), &mockLister{}, &mockSyncer{})
	before := testutil.ToFloat64(metrics.SchedulerDropped)

	assert.True(t, w.enqueue(job{uid: "u1", provider: models.ProviderICS}))
	assert.False(t, w.enqueue(job{uid: "u1", provider: models.ProviderICS}), "already queued")
	assert.True(t, w.enqueue(job{uid: "u2", provider: models.ProviderICS}))
	assert.False(t, w.enqueue(job{uid: "u3", provider: models.ProviderICS}))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SchedulerDropped))

	// once a pass finishes the account can be queued again
	j := <-w.queue
	w.done(j)
	assert.True(t, w.enqueue(j))
}
