package main

import (
	"fmt"

	"github.com/vipul43/meetsync-worker/internal/config"
	"github.com/vipul43/meetsync-worker/internal/database"
	"github.com/vipul43/meetsync-worker/internal/geocode"
	"github.com/vipul43/meetsync-worker/internal/google"
	"github.com/vipul43/meetsync-worker/internal/httpapi"
	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/lock"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/merge"
	"github.com/vipul43/meetsync-worker/internal/metrics"
	"github.com/vipul43/meetsync-worker/internal/mtm"
	"github.com/vipul43/meetsync-worker/internal/normalize"
	"github.com/vipul43/meetsync-worker/internal/repository"
	"github.com/vipul43/meetsync-worker/internal/service"
	"github.com/vipul43/meetsync-worker/internal/vault"
	"github.com/vipul43/meetsync-worker/internal/watcher"
)

// app holds the wired components shared by the subcommands.
type app struct {
	db           *database.DB
	locker       lock.Locker
	orchestrator *service.Orchestrator
	watcher      *watcher.Watcher
	http         *httpapi.Server
	closers      []func() error
}

func newApp(cfg *config.Config) (*app, error) {
	if err := metrics.Register(nil); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, closers: []func() error{db.Close}}

	v, err := newVault(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	switch cfg.LockBackend {
	case "redis":
		rl, err := lock.NewRedisLockerFromURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.locker = rl
		a.closers = append(a.closers, rl.Close)
	default:
		a.locker = lock.NewMemoryLocker()
	}

	venues, err := merge.LoadVenues(cfg.VenuesFile)
	if err != nil {
		a.close()
		return nil, err
	}

	// Repositories
	calendarAccounts := repository.NewCalendarAccountRepository(db.Gorm)
	meetings := repository.NewExternalMeetingRepository(db.Gorm)
	googleAccounts := repository.NewAccountRepository(db.Gorm)

	// Upstream clients
	mtmClient := mtm.NewClient(mtm.Config{
		BaseURL:      cfg.MTMBaseURL,
		ClientID:     cfg.MTMClientID,
		ClientSecret: cfg.MTMClientSecret,
		RedirectURL:  cfg.MTMRedirectURL,
		PageSize:     cfg.MTMPageSize,
	})
	feeds := ics.NewFetcher(ics.FetcherConfig{})

	var geo normalize.Geocoder
	if gc := geocode.NewClient(geocode.Config{APIKey: cfg.GeocodingAPIKey}); gc.Enabled() {
		geo = gc
	}

	var (
		calendar       service.CalendarClient
		googleRefresh  service.GoogleRefresher
		googleAccStore service.GoogleAccountStore
	)
	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		gc := google.NewClient(google.Config{ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret})
		calendar, googleRefresh, googleAccStore = gc, gc, googleAccounts
	}

	// Services
	registry := service.NewAccountRegistry(calendarAccounts, v)
	tokens := service.NewTokenManager(registry, mtmClient, googleAccStore, googleRefresh)
	var mirror *service.MirrorWriter
	if calendar != nil {
		mirror = service.NewMirrorWriter(meetings, calendar, tokens)
	}
	a.orchestrator = service.NewOrchestrator(service.OrchestratorConfig{
		PassTimeout: cfg.SyncPassTimeout,
		PastDays:    cfg.WindowPastDays,
		FutureDays:  cfg.WindowFutureDays,
	}, service.Deps{
		Registry:   registry,
		Tokens:     tokens,
		Meetings:   meetings,
		API:        mtmClient,
		Feeds:      feeds,
		Calendar:   calendar,
		Normalizer: normalize.New(geo),
		Venues:     venues,
		Mirror:     mirror,
		Locker:     a.locker,
	})
	integrations := service.NewIntegrationService(registry, tokens, a.orchestrator, mirror, mtmClient, feeds)

	a.watcher = watcher.New(cfg, calendarAccounts, a.orchestrator)
	a.http = httpapi.New(integrations, db)

	logger.Named("main").Info("components wired")
	return a, nil
}

// newVault uses envelope encryption when a wrapped data key is configured,
// otherwise the master key encrypts directly.
func newVault(cfg *config.Config) (*vault.Vault, error) {
	if cfg.VaultWrappedKey == "" {
		keys, err := vault.NewStaticKeyProvider(cfg.VaultMasterKey)
		if err != nil {
			return nil, fmt.Errorf("invalid VAULT_MASTER_KEY: %w", err)
		}
		return vault.New(keys), nil
	}
	wrapper, err := vault.NewLocalKeyWrapper(cfg.VaultMasterKey)
	if err != nil {
		return nil, fmt.Errorf("invalid VAULT_MASTER_KEY: %w", err)
	}
	keys, err := vault.NewEnvelopeKeyProvider(wrapper, cfg.VaultWrappedKey, cfg.VaultKeyTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid VAULT_WRAPPED_DATA_KEY: %w", err)
	}
	return vault.New(keys), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Named("main").Warn("close failed", logger.Err(err))
		}
	}
}
