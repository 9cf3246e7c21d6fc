// Command toolgate runs the Tools Provider gateway: it ingests OpenAPI
// documents from registered upstream services, projects them into
// discoverable tools, and executes tool calls on behalf of authenticated
// agents with RFC 8693 token exchange.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/toolgate/core/pkg/breaker"
	"github.com/toolgate/core/pkg/cache"
	"github.com/toolgate/core/pkg/config"
	"github.com/toolgate/core/pkg/domain"
	"github.com/toolgate/core/pkg/exchange"
	"github.com/toolgate/core/pkg/identity"
	"github.com/toolgate/core/pkg/invoke"
	"github.com/toolgate/core/pkg/journal"
	"github.com/toolgate/core/pkg/observability"
	"github.com/toolgate/core/pkg/openapi"
	"github.com/toolgate/core/pkg/projection"
	"github.com/toolgate/core/pkg/readmodel"
	"github.com/toolgate/core/pkg/resolver"
	"github.com/toolgate/core/pkg/server"
	"github.com/toolgate/core/pkg/session"
	"github.com/toolgate/core/pkg/sse"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("toolgate exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Setup(ctx, cfg.OTLPEndpoint, version, log)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	cacheStore, err := cache.New(cfg.CacheURL)
	if err != nil {
		return err
	}
	defer func() { _ = cacheStore.Close() }()

	journalStore, journalClose, err := openJournal(ctx, cfg.JournalURL)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journalClose()

	readStore, readClose, err := openReadModel(ctx, cfg.ReadModelURL)
	if err != nil {
		return fmt.Errorf("open read model: %w", err)
	}
	defer readClose()

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.FailureThreshold,
		RollingWindow:    cfg.RollingWindow,
		RecoveryTimeout:  cfg.RecoveryTimeout,
	})
	breakers.OnTransition(domain.NewBreakerEmitter(journalStore, log))

	var exchanger *exchange.Exchanger
	if cfg.TETokenURL != "" {
		exchanger = exchange.New(exchange.Config{
			TokenURL:     cfg.TETokenURL,
			ClientID:     cfg.TEClientID,
			ClientSecret: cfg.TEClientSecret,
			TTLBuffer:    cfg.TECacheTTLBuffer,
			Timeout:      cfg.TETimeout,
		}, cacheStore, breakers.ForTokenExchange(), log)
	}

	verifier := identity.NewVerifier(identity.VerifierConfig{
		Issuer:     cfg.OIDCIssuer,
		Audience:   cfg.OIDCAudience,
		ClockSkew:  cfg.ClockSkew,
		MinRefresh: cfg.JWKSMinRefresh,
	})

	sessions := session.NewManager(session.Config{
		Issuer:       cfg.OIDCIssuer,
		ClientID:     cfg.OIDCClientID,
		ClientSecret: cfg.OIDCClientSecret,
		RedirectURL:  cfg.OIDCRedirectURL,
		CookieName:   cfg.SessionCookieName,
		Prefix:       cfg.SessionPrefix,
		TTL:          cfg.SessionTTL,
		IdleWarn:     cfg.SessionIdleWarn,
	}, cacheStore)

	commands := domain.NewHandler(journalStore, readStore, openapi.NewHTTPFetcher())
	res := resolver.New(readStore, cfg.ResolverCacheTTL, log)
	invoker := invoke.New(readStore, res, breakers, exchanger, log)

	projector := projection.New(journalStore, readStore, log)
	hub := sse.NewHub(journalStore, cfg.SSEMaxPending, log)

	srv := server.New(server.Deps{
		Commands:    commands,
		Read:        readStore,
		Resolver:    res,
		Invoker:     invoker,
		Breakers:    breakers,
		Hub:         hub,
		Sessions:    sessions,
		Verifier:    verifier,
		Projector:   projector,
		AdminRole:   cfg.AdminRole,
		Log:         log,
		CORSOrigins: cfg.CORSOrigins,
	})

	projErr := make(chan error, 1)
	go func() { projErr <- projector.Run(ctx) }()
	go func() {
		// The hub tails live appends only; clients re-fetch on reconnect.
		if err := hub.Run(ctx, tailCheckpoint(ctx, journalStore)); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("sse hub stopped", "error", err)
		}
	}()

	log.Info("toolgate listening", "port", cfg.Port, "version", version)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run(ctx, ":"+cfg.Port) }()

	var projFailure, serveFailure error
	select {
	case err := <-projErr:
		projErr = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			projFailure = fmt.Errorf("projection stalled: %w", err)
		}
	case err := <-serveErr:
		serveErr = nil
		if err != nil {
			serveFailure = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	stop()
	if serveErr != nil {
		if err := <-serveErr; err != nil {
			serveFailure = fmt.Errorf("http server: %w", err)
		}
	}
	if projErr != nil {
		if err := <-projErr; err != nil && !errors.Is(err, context.Canceled) {
			projFailure = fmt.Errorf("projection stalled: %w", err)
		}
	}
	if projFailure != nil {
		return projFailure
	}
	if serveFailure != nil {
		return serveFailure
	}
	log.Info("toolgate stopped")
	return nil
}

// tailCheckpoint finds the current journal head so the hub streams only
// events appended after startup.
func tailCheckpoint(ctx context.Context, j journal.Store) uint64 {
	var head uint64
	for {
		batch, err := j.ReadGlobal(ctx, head, 500)
		if err != nil || len(batch) == 0 {
			return head
		}
		head = batch[len(batch)-1].Checkpoint
	}
}

func openJournal(ctx context.Context, url string) (journal.Store, func(), error) {
	switch {
	case url == "" || strings.HasPrefix(url, "mem://"):
		return journal.NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(url, "sqlite://"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, nil, err
		}
		store := journal.NewSQLStore(db, "sqlite")
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case strings.HasPrefix(url, "postgres://"):
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, nil, err
		}
		store := journal.NewSQLStore(db, "postgres")
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported journal url %q", url)
}

func openReadModel(ctx context.Context, url string) (readmodel.Store, func(), error) {
	switch {
	case url == "" || strings.HasPrefix(url, "mem://"):
		return readmodel.NewMemoryStore(), func() {}, nil
	case strings.HasPrefix(url, "sqlite://"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(url, "sqlite://"))
		if err != nil {
			return nil, nil, err
		}
		store := readmodel.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case strings.HasPrefix(url, "postgres://"):
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, nil, err
		}
		store := readmodel.NewSQLStore(db)
		if err := store.Init(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported read model url %q", url)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
