package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/lock"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/merge"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/normalize"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

// PassState is a step of the per-account sync state machine.
type PassState string

const (
	StateIdle                 PassState = "idle"
	StateRefreshing           PassState = "refreshing"
	StateIngesting            PassState = "ingesting"
	StateNormalizing          PassState = "normalizing"
	StateMerging              PassState = "merging"
	StateUpserting            PassState = "upserting"
	StateDiffingCancellations PassState = "diffing_cancellations"
	StateFailed               PassState = "failed"
)

type PassResult struct {
	// Processed counts source records seen in the window.
	Processed int
	Upserted  int
	Canceled  int
	Skipped   int
	Mirrored  int
	// Duplicates counts own-provider records folded into another record.
	Duplicates int
	// Pages counts provider pages fetched (MTM only).
	Pages       int
	NotModified bool
	// State is StateIdle after a successful pass, StateFailed otherwise.
	State PassState
	// FailedAt is the step that failed.
	FailedAt PassState
}

type Window struct {
	From time.Time
	To   time.Time
}

type OrchestratorConfig struct {
	PassTimeout time.Duration
	// LockTTL bounds how long a crashed pass keeps the account locked.
	LockTTL    time.Duration
	PastDays   int
	FutureDays int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.PassTimeout <= 0 {
		c.PassTimeout = 2 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.PassTimeout + 30*time.Second
	}
	if c.PastDays <= 0 {
		c.PastDays = 7
	}
	if c.FutureDays <= 0 {
		c.FutureDays = 30
	}
	return c
}

// Orchestrator runs sync passes. It is the only caller of the ingestion,
// normalize, merge, storage and mirror components.
type Orchestrator struct {
	cfg        OrchestratorConfig
	registry   *AccountRegistry
	tokens     *TokenManager
	meetings   MeetingStore
	api        MeetingAPI
	feeds      FeedFetcher
	calendar   CalendarClient
	normalizer *normalize.Normalizer
	venues     *merge.VenueTable
	mirror     *MirrorWriter
	locker     lock.Locker
	now        func() time.Time
	log        *zap.Logger
}

// Deps groups the Orchestrator's collaborators. Calendar and Mirror may be
// nil when Google is not configured.
type Deps struct {
	Registry   *AccountRegistry
	Tokens     *TokenManager
	Meetings   MeetingStore
	API        MeetingAPI
	Feeds      FeedFetcher
	Calendar   CalendarClient
	Normalizer *normalize.Normalizer
	Venues     *merge.VenueTable
	Mirror     *MirrorWriter
	Locker     lock.Locker
}

func NewOrchestrator(cfg OrchestratorConfig, d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		registry:   d.Registry,
		tokens:     d.Tokens,
		meetings:   d.Meetings,
		api:        d.API,
		feeds:      d.Feeds,
		calendar:   d.Calendar,
		normalizer: d.Normalizer,
		venues:     d.Venues,
		mirror:     d.Mirror,
		locker:     d.Locker,
		now:        time.Now,
		log:        logger.Named("orchestrator"),
	}
}

// DefaultWindow is the sync window around now.
func (o *Orchestrator) DefaultWindow() Window {
	now := o.now()
	return Window{
		From: now.AddDate(0, 0, -o.cfg.PastDays),
		To:   now.AddDate(0, 0, o.cfg.FutureDays),
	}
}

// pass carries the state of one SyncAccount call. partial holds ICS series
// whose instances were only partly listed.
type pass struct {
	uid      string
	provider models.Provider
	creds    *Credentials
	window   Window
	index    *merge.Index
	seen     map[string]bool
	partial  map[string]bool
	result   PassResult
	state    PassState
	log      *zap.Logger
}

// SyncAccount runs one pass for (uid, provider). A nil window means the
// default window. A pass already running for the account yields a
// SyncInProgress error without side effects.
func (o *Orchestrator) SyncAccount(ctx context.Context, uid string, provider models.Provider, window *Window) (PassResult, error) {
	lease, err := o.locker.TryLock(ctx, lock.SyncKey(uid, string(provider)), o.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return PassResult{State: StateIdle}, syncerr.Newf(syncerr.KindSyncInProgress, "orchestrator.sync", "sync already running")
		}
		return PassResult{State: StateFailed}, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.log.Warn("failed to release sync lock", logger.UserID(uid), logger.Err(err))
		}
	}()

	started := o.now()
	p := &pass{
		uid:      uid,
		provider: provider,
		seen:     make(map[string]bool),
		state:    StateIdle,
		log:      o.log.With(logger.UserID(uid), logger.Provider(string(provider))),
	}
	if window != nil {
		p.window = *window
	} else {
		p.window = o.DefaultWindow()
	}

	passCtx, cancel := context.WithTimeout(ctx, o.cfg.PassTimeout)
	defer cancel()
	passCtx = logger.ToContext(passCtx, p.log)

	err = o.run(passCtx, p)
	if err != nil && passCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = syncerr.New(syncerr.KindTransient, "orchestrator.sync", fmt.Errorf("sync pass timed out in %s: %w", p.state, err))
	}
	if err != nil {
		return o.fail(ctx, p, started, err)
	}

	p.result.State = StateIdle
	metrics.ObservePass(string(provider), "ok", started, p.result.Upserted, p.result.Canceled, p.result.Skipped)
	p.log.Info("sync pass completed",
		zap.Int("processed", p.result.Processed),
		zap.Int("upserted", p.result.Upserted),
		zap.Int("canceled", p.result.Canceled),
		zap.Int("skipped", p.result.Skipped),
		zap.Int("mirrored", p.result.Mirrored),
		zap.Int("duplicates", p.result.Duplicates),
		zap.Int("pages", p.result.Pages),
		zap.Bool("not_modified", p.result.NotModified),
		logger.Duration(time.Since(started)))
	return p.result, nil
}

func (o *Orchestrator) fail(ctx context.Context, p *pass, started time.Time, cause error) (PassResult, error) {
	p.result.State = StateFailed
	p.result.FailedAt = p.state
	metrics.ObservePass(string(p.provider), string(syncerr.KindOf(cause)), started, p.result.Upserted, p.result.Canceled, p.result.Skipped)

	if !syncerr.Is(cause, syncerr.KindNotConnected) {
		if err := o.registry.RecordError(context.WithoutCancel(ctx), p.uid, p.provider, cause); err != nil {
			p.log.Error("failed to record sync error", logger.Err(err))
		}
	}
	p.log.Warn("sync pass failed",
		zap.String("step", string(p.state)),
		zap.Bool("retryable", syncerr.IsRetryable(cause)),
		zap.Int("upserted", p.result.Upserted),
		zap.Int("pages", p.result.Pages),
		logger.Err(cause))
	return p.result, cause
}

func (o *Orchestrator) run(ctx context.Context, p *pass) error {
	creds, err := o.registry.Load(ctx, p.uid, p.provider)
	if err != nil {
		return err
	}
	p.creds = creds
	p.index = merge.NewIndex(p.provider, o.venues)

	switch p.provider {
	case models.ProviderMTM:
		p.state = StateRefreshing
		token, err := o.tokens.EnsureFreshToken(ctx, p.uid, p.provider)
		if err != nil {
			return err
		}
		o.seedGoogle(ctx, p)
		if err := o.ingestMTM(ctx, p, token); err != nil {
			return err
		}
	case models.ProviderICS:
		notModified, err := o.ingestICS(ctx, p)
		if err != nil {
			return err
		}
		if notModified {
			p.result.NotModified = true
			return o.finish(ctx, p)
		}
	default:
		return syncerr.Newf(syncerr.KindPermanent, "orchestrator.sync", "unsupported provider %q", p.provider)
	}

	if err := o.diffCancellations(ctx, p); err != nil {
		return err
	}
	return o.finish(ctx, p)
}

// seedGoogle loads the user's own Google events as a merge source. Failure
// only costs the enrichment, never the pass.
func (o *Orchestrator) seedGoogle(ctx context.Context, p *pass) {
	if o.calendar == nil || o.tokens == nil {
		return
	}
	token, err := o.tokens.GoogleAccessToken(ctx, p.uid)
	if err != nil {
		if !syncerr.Is(err, syncerr.KindNotConnected) {
			p.log.Warn("skipping google source", logger.Err(err))
		}
		return
	}
	events, err := o.calendar.ListEvents(ctx, token, p.creds.CalendarID, p.window.From, p.window.To)
	if err != nil {
		p.log.Warn("skipping google source", logger.Err(err))
		return
	}
	meetings, skipped := normalize.Batch(ctx, events, o.normalizer.FromGoogle)
	for _, m := range meetings {
		p.index.Add(m)
	}
	p.index.Flush()
	p.log.Debug("google source loaded", logger.Count(len(meetings)), zap.Int("skipped", skipped))
}

func (o *Orchestrator) ingestMTM(ctx context.Context, p *pass, token string) error {
	p.state = StateIngesting
	it := o.api.Paginate(token, p.window.From, p.window.To)
	defer it.Close()

	for it.Next(ctx) {
		p.result.Pages = it.PagesFetched()
		p.state = StateNormalizing
		meetings, skipped := normalize.Batch(ctx, it.Page().Meetings, o.normalizer.FromMTM)
		p.result.Skipped += skipped
		if err := o.mergeAndUpsert(ctx, p, meetings); err != nil {
			return err
		}
		p.state = StateIngesting
	}
	return it.Err()
}

// ingestICS reports true when the feed is unchanged since the last pass.
func (o *Orchestrator) ingestICS(ctx context.Context, p *pass) (bool, error) {
	p.state = StateIngesting
	res, err := o.feeds.Fetch(ctx, p.creds.FeedURL, p.creds.ETag, p.creds.LastModified)
	if err != nil {
		return false, err
	}
	if res.NotModified {
		p.log.Debug("feed not modified")
		return true, nil
	}

	p.state = StateNormalizing
	parsed, err := ics.Parse(res.Data, p.window.From, p.window.To, normalize.NormalizeTimezone)
	if err != nil {
		return false, err
	}
	for _, perr := range parsed.Errors {
		p.log.Warn("skipping feed event", logger.Err(perr))
	}
	p.result.Skipped += parsed.Skipped
	for _, uid := range parsed.Truncated {
		if p.partial == nil {
			p.partial = make(map[string]bool)
		}
		p.partial[uid] = true
	}

	o.seedGoogle(ctx, p)
	meetings, skipped := normalize.Batch(ctx, parsed.Events, o.normalizer.FromICS)
	p.result.Skipped += skipped
	if err := o.mergeAndUpsert(ctx, p, meetings); err != nil {
		return false, err
	}

	// validators are stored only once the feed's content is committed
	if err := o.registry.UpdateFeedCache(ctx, p.uid, res.ETag, res.LastModified); err != nil {
		return false, err
	}
	return false, nil
}

// mergeAndUpsert folds one page into the pass index and writes every group
// the page touched.
func (o *Orchestrator) mergeAndUpsert(ctx context.Context, p *pass, meetings []normalize.Meeting) error {
	p.state = StateMerging
	for _, m := range meetings {
		p.index.Add(m)
		if m.Source == p.provider && !p.seen[m.ExternalID] {
			p.seen[m.ExternalID] = true
			p.result.Processed++
		}
	}

	p.state = StateUpserting
	now := o.now()
	for _, merged := range p.index.Flush() {
		outcome, err := o.meetings.Upsert(ctx, merged.ToExternal(p.uid), now)
		if err != nil {
			return err
		}
		if outcome != models.UpsertUnchanged {
			p.result.Upserted++
		}
	}
	return nil
}

func (o *Orchestrator) diffCancellations(ctx context.Context, p *pass) error {
	p.state = StateDiffingCancellations
	stored, err := o.meetings.ListActiveInWindow(ctx, p.uid, p.provider, p.window.From, p.window.To)
	if err != nil {
		return err
	}
	var missing []string
	for _, m := range stored {
		if !p.seen[m.ExternalID] && !p.inPartialSeries(m.ExternalID) {
			missing = append(missing, m.ExternalID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	n, err := o.meetings.MarkCanceled(ctx, p.uid, p.provider, missing, o.now())
	if err != nil {
		return err
	}
	p.result.Canceled = n
	return nil
}

// inPartialSeries reports whether externalID is an instance ("uid/start") of
// a series the feed listed only in part.
func (p *pass) inPartialSeries(externalID string) bool {
	if len(p.partial) == 0 {
		return false
	}
	i := strings.LastIndex(externalID, "/")
	return i > 0 && p.partial[externalID[:i]]
}

func (o *Orchestrator) finish(ctx context.Context, p *pass) error {
	p.result.Duplicates = p.index.Duplicates()
	if err := o.registry.UpdateLastSync(ctx, p.uid, p.provider, o.now()); err != nil {
		return err
	}
	p.state = StateIdle

	if !p.creds.MirrorEnabled || o.mirror == nil {
		return nil
	}
	n, err := o.mirror.MirrorAccount(ctx, p.uid, p.provider, p.creds.CalendarID, p.window.From, p.window.To)
	p.result.Mirrored = n
	if err != nil {
		p.log.Warn("mirror failed", logger.Err(err))
	}
	return nil
}
