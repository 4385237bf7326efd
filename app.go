package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"chatsync/internal/archive"
	"chatsync/internal/cache"
	"chatsync/internal/chat"
	"chatsync/internal/chaterr"
	"chatsync/internal/config"
	"chatsync/internal/connection"
	"chatsync/internal/metrics"
	"chatsync/internal/mirror"
	"chatsync/internal/models"
	"chatsync/internal/reconcile"
	"chatsync/internal/redis"
	"chatsync/internal/store"
	"chatsync/internal/stream"
)

const mirrorDelay = 200 * time.Millisecond

// app holds every long-lived component of one chatsync process.
type app struct {
	cfg        *config.Config
	store      *store.Store
	engine     *reconcile.Engine
	manager    *connection.Manager
	orch       *chat.Orchestrator
	metrics    *metrics.Metrics
	resources  *cache.ResourceCache
	prefetcher *cache.Prefetcher
	db         *sql.DB
	archive    *archive.Archive
	rdb        *redis.Client
	mirror     *mirror.Mirror

	cancel context.CancelFunc
}

func newApp(parent context.Context, cfg *config.Config) (*app, error) {
	ctx, cancel := context.WithCancel(parent)
	a := &app{cfg: cfg, cancel: cancel, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.store = store.New()
	a.engine = reconcile.New(a.store)
	a.engine.SetObserver(a.metrics)

	a.resources = cache.NewResourceCache(cfg.Cache.Capacity)
	a.resources.SetObserver(a.metrics)
	a.resources.StartJanitor(ctx, cfg.Cache.JanitorInterval(), cfg.Cache.TTL())
	a.prefetcher = cache.NewPrefetcher(a.resources, &cache.HTTPFetcher{MaxBytes: cfg.Cache.MaxResourceBytes}, cache.PrefetchConfig{
		RatePerSecond: cfg.Cache.PrefetchRate,
		Burst:         cfg.Cache.PrefetchBurst,
	})

	transport, err := newTransport(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client := stream.NewClient(transport, stream.Options{
		OpenTimeout:    cfg.Backend.OpenTimeout(),
		IdleTimeout:    cfg.Backend.IdleTimeout(),
		RequestTimeout: cfg.Backend.RequestTimeout(),
	})

	opts := []chat.Option{
		chat.WithDefaults(chat.Defaults{
			Model:            cfg.Chat.Model,
			SystemPrompt:     cfg.Chat.SystemPrompt,
			Temperature:      cfg.Chat.Temperature,
			MaxTokens:        cfg.Chat.MaxTokens,
			DisableStreaming: cfg.Chat.DisableStreaming,
		}),
		chat.WithPrefetcher(a.prefetcher),
		chat.WithRecorder(a.metrics),
		chat.WithFailureHandler(func(conversationID string, err *chaterr.Error) {
			log.Printf("reply in conversation %s failed: %v", conversationID, err)
		}),
	}

	if driver := cfg.Archive.Driver; driver != "" {
		a.db, err = archive.Open(driver, cfg.Databases[driver])
		if err != nil {
			return nil, err
		}
		if err := archive.Migrate(a.db, driver); err != nil {
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		a.archive = archive.New(a.db, driver)
		opts = append(opts, chat.WithArchive(a.archive))
	}

	if cfg.Redis.Enabled {
		a.rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.mirror = mirror.New(a.rdb, a.store, cfg.Redis.SnapshotTTL(), mirrorDelay)
		a.mirror.Attach()
		opts = append(opts, chat.WithMirror(a.mirror))
	}

	// a direct provider has no push channel to gate on
	var gate chat.Gate = chat.AlwaysConnected
	if cfg.Backend.Provider == "" {
		a.manager = connection.NewManager(
			connection.NewHTTPProber(cfg.Backend.RootURL(), nil),
			connection.NewWSDialer(cfg.Backend.PushEndpoint(), cfg.Backend.APIKey),
			func(ev models.ChatEvent) { a.engine.Handle(ev) },
			connection.Options{
				ProbeTimeout:   cfg.Connection.ProbeTimeout(),
				DialTimeout:    cfg.Connection.DialTimeout(),
				ProbeInterval:  cfg.Connection.ProbeInterval(),
				InitialBackoff: cfg.Connection.InitialBackoff(),
				MaxBackoff:     cfg.Connection.MaxBackoff(),
				Jitter:         cfg.Connection.Jitter,
			},
		)
		a.manager.SetObserver(a.metrics)
		gate = a.manager
	}

	a.orch = chat.New(a.store, client, a.engine, gate, opts...)

	if a.mirror != nil {
		if err := a.mirror.Follow(ctx, a.orch.IsStreaming); err != nil {
			return nil, fmt.Errorf("follow mirror: %w", err)
		}
	}
	ok = true
	return a, nil
}

func newTransport(ctx context.Context, cfg *config.Config) (stream.Transport, error) {
	if p := cfg.Backend.Provider; p != "" {
		pc := cfg.Providers[p]
		return stream.NewEinoTransport(ctx, p, stream.ProviderConfig{
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			APIKey:    pc.APIKey,
			MaxTokens: pc.MaxTokens,
		})
	}
	return stream.NewOpenAITransport(stream.OpenAIConfig{
		BaseURL:      cfg.Backend.CompletionsBaseURL(),
		APIKey:       cfg.Backend.APIKey,
		IncludeUsage: true,
	}), nil
}

// Start begins maintaining the backend connection.
func (a *app) Start(ctx context.Context) {
	if a.manager != nil {
		a.manager.Start(ctx)
	}
}

// WaitConnected blocks until sends are accepted or ctx ends.
func (a *app) WaitConnected(ctx context.Context) error {
	if a.manager == nil {
		return nil
	}
	return a.manager.WaitConnected(ctx)
}

// Close releases components in reverse dependency order. Pending archive and
// mirror writes are flushed before their backends are closed.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.mirror != nil {
		a.mirror.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
	if a.prefetcher != nil {
		a.prefetcher.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Printf("close archive: %v", err)
		}
	}
	a.cancel()
}
