package watcher

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/config"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/service"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

// DueLister returns accounts whose last pass is older than before
// (repository.CalendarAccountRepository).
type DueLister interface {
	ListDue(ctx context.Context, before time.Time, limit int) ([]models.CalendarAccount, error)
}

// Syncer runs one pass (service.Orchestrator).
type Syncer interface {
	SyncAccount(ctx context.Context, uid string, provider models.Provider, window *service.Window) (service.PassResult, error)
}

type job struct {
	uid      string
	provider models.Provider
}

func (j job) key() string { return j.uid + ":" + string(j.provider) }

// Watcher polls for due accounts and feeds them to a fixed pool of workers.
// An account is queued at most once at a time; when the queue is full the
// account is dropped and picked up again on a later tick.
type Watcher struct {
	cfg      *config.Config
	accounts DueLister
	syncer   Syncer
	queue    chan job
	now      func() time.Time
	log      *zap.Logger

	mu      sync.Mutex
	pending map[string]bool
}

func New(cfg *config.Config, accounts DueLister, syncer Syncer) *Watcher {
	workers := max(cfg.Workers, 1)
	return &Watcher{
		cfg:      cfg,
		accounts: accounts,
		syncer:   syncer,
		queue:    make(chan job, workers*2),
		now:      time.Now,
		log:      logger.Named("watcher"),
		pending:  make(map[string]bool),
	}
}

// Start runs until ctx is canceled, then waits for in-flight passes to
// return before it does.
func (w *Watcher) Start(ctx context.Context) error {
	workers := max(w.cfg.Workers, 1)
	w.log.Info("starting watcher",
		zap.Int("workers", workers),
		zap.Duration("sync_interval", w.cfg.SyncInterval),
		zap.Int("poll_interval_s", w.cfg.PollInterval))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.work(ctx, id)
		}(i)
	}

	// Process anything that became due while we were down
	w.enqueueDue(ctx)

	ticker := time.NewTicker(time.Duration(w.cfg.PollInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher shutting down, waiting for workers")
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			w.enqueueDue(ctx)
		}
	}
}

func (w *Watcher) enqueueDue(ctx context.Context) {
	due, err := w.accounts.ListDue(ctx, w.now().Add(-w.cfg.SyncInterval), cap(w.queue))
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("failed to list due accounts", logger.Err(err))
		}
		return
	}
	if len(due) == 0 {
		return
	}

	queued := 0
	for _, acc := range due {
		if w.enqueue(job{uid: acc.UserID, provider: acc.Provider}) {
			queued++
		}
	}
	w.log.Debug("queued due accounts", zap.Int("due", len(due)), zap.Int("queued", queued))
}

// enqueue reports whether j was accepted.
func (w *Watcher) enqueue(j job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[j.key()] {
		return false
	}
	select {
	case w.queue <- j:
		w.pending[j.key()] = true
		return true
	default:
		metrics.SchedulerDropped.Inc()
		w.log.Warn("worker queue full, dropping account", logger.UserID(j.uid), logger.Provider(string(j.provider)))
		return false
	}
}

func (w *Watcher) done(j job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, j.key())
}

func (w *Watcher) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.queue:
			w.run(ctx, id, j)
		}
	}
}

func (w *Watcher) run(ctx context.Context, id int, j job) {
	defer w.done(j)

	res, err := w.syncer.SyncAccount(ctx, j.uid, j.provider, nil)
	if err == nil {
		return
	}
	log := w.log.With(zap.Int("worker", id), logger.UserID(j.uid), logger.Provider(string(j.provider)))
	switch {
	case syncerr.Is(err, syncerr.KindSyncInProgress), ctx.Err() != nil:
		log.Debug("pass skipped", logger.Err(err))
	case syncerr.IsRetryable(err):
		log.Info("pass failed, will retry next interval", zap.String("step", string(res.FailedAt)), logger.Err(err))
	default:
		log.Warn("pass failed", zap.String("step", string(res.FailedAt)), logger.Err(err))
	}
}
