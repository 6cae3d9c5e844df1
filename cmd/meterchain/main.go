package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"

	"github.com/gosuda/meterchain/internal/alert"
	"github.com/gosuda/meterchain/internal/api/ws"
	"github.com/gosuda/meterchain/internal/audit"
	"github.com/gosuda/meterchain/internal/auth"
	"github.com/gosuda/meterchain/internal/chain"
	"github.com/gosuda/meterchain/internal/config"
	"github.com/gosuda/meterchain/internal/domain"
	"github.com/gosuda/meterchain/internal/ledger"
	"github.com/gosuda/meterchain/internal/metering"
	"github.com/gosuda/meterchain/internal/remote"
	"github.com/gosuda/meterchain/internal/server"
	"github.com/gosuda/meterchain/internal/server/middleware"
	"github.com/gosuda/meterchain/internal/store/memory"
	"github.com/gosuda/meterchain/internal/store/postgres"
	redisstore "github.com/gosuda/meterchain/internal/store/redis"
	"github.com/gosuda/meterchain/internal/sweeper"
)

func main() {
	var err error
	if len(os.Args) > 1 && os.Args[1] == "token" {
		err = issueToken(os.Args[2:])
	} else {
		err = run()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("meterchain failed")
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// storeHandle is the selected persistence backend plus its lifecycle hooks.
type storeHandle struct {
	domain.Store
	pinger server.Pinger
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn().Msg("using in-memory store; data is lost on exit")
		return &storeHandle{Store: memory.New(), close: func() {}}, nil
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return nil, fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		log.Info().Msg("database schema applied")
	}
	return &storeHandle{Store: store, pinger: store, close: store.Close}, nil
}

func buildAlerter(cfg *config.Config) alert.Alerter {
	if !cfg.Slack.AlertsToSlack() {
		return alert.LogAlerter{}
	}
	log.Info().Str("channel", cfg.Slack.AlertChannel).Msg("integrity alerts go to Slack")
	return alert.Fanout{
		alert.LogAlerter{},
		alert.NewSlackAlerter(slacklib.New(cfg.Slack.BotToken), cfg.Slack.AlertChannel),
	}
}

func run() error {
	setupLogging(config.LogConfig{Level: os.Getenv("METERCHAIN_LOG_LEVEL"), Format: os.Getenv("METERCHAIN_LOG_FORMAT")})

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	hashAlg, err := chain.ParseAlgorithm(cfg.Chain.HashAlgorithm)
	if err != nil {
		return err
	}
	refundPolicy, err := metering.ParseRefundPolicy(cfg.Metering.RefundPolicy)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	// Redis is optional: without it nothing is published and the live feeds
	// answer 503.
	var (
		pubsub     *redisstore.PubSub
		subscriber ws.Subscriber
	)
	if cfg.Redis.Enabled {
		pubsub, err = redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer pubsub.Close()
		subscriber = pubsub
	}

	auditLog := audit.NewLog(store, publisherOrNil(pubsub), nil)
	l := ledger.New(store, auditLog, ledger.Options{MaxRetries: cfg.Metering.MaxRetries})
	evidence := chain.New(store, auditLog, buildAlerter(cfg), publisherOrNil(pubsub), chain.Options{
		Algorithm:        hashAlg,
		MaxAppendRetries: cfg.Chain.MaxAppendRetries,
	})

	registry := metering.NewRegistry()
	if err := registry.Register("seal", cfg.Metering.SealCost, chain.NewSealer(evidence)); err != nil {
		return err
	}
	if cfg.Remote.Endpoint != "" {
		client := remote.New(remote.Config{
			Endpoint: cfg.Remote.Endpoint,
			Token:    cfg.Remote.Token,
			Timeout:  cfg.Remote.Timeout,
			RPS:      cfg.Remote.RPS,
			Burst:    cfg.Remote.Burst,
		})
		if err := registry.Register("remote", cfg.Metering.RemoteCost, client); err != nil {
			return err
		}
	}
	for _, k := range registry.Kinds() {
		log.Info().Str("kind", k.Name).Int64("cost", k.Cost).Msg("work kind registered")
	}

	orchestrator := metering.New(store, l, auditLog, registry, publisherOrNil(pubsub), metering.Config{
		WorkTimeout:     cfg.Metering.WorkTimeout,
		RefundPolicy:    refundPolicy,
		FinalizeTimeout: cfg.Metering.FinalizeTimeout,
		FinalizeRetries: cfg.Metering.FinalizeRetries,
	})
	if settle := orchestrator.SettleWindow(); cfg.Metering.PendingDeadline <= settle {
		return fmt.Errorf("METERCHAIN_PENDING_DEADLINE (%s) must exceed the settle window %s", cfg.Metering.PendingDeadline, settle)
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sweep := sweeper.New(sweeper.Config{
		Reconciler:        orchestrator,
		Verifier:          evidence,
		PendingDeadline:   cfg.Metering.PendingDeadline,
		ReconcileInterval: cfg.Metering.ReconcileInterval,
		VerifyInterval:    cfg.Chain.VerifyInterval,
		Chains:            cfg.Chain.VerifyChains,
	})
	sweep.Start(ctx)
	defer sweep.Stop()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, server.Services{
		Accounts: l,
		Work:     orchestrator,
		Chains:   evidence,
		Audit:    auditLog,
		PubSub:   subscriber,
		Store:    store.pinger,
	})

	// Start server in background goroutine.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Block until shutdown signal or listener failure.
	select {
	case <-ctx.Done():
	case startErr := <-errCh:
		if startErr != nil {
			return startErr
		}
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

// publisherOrNil keeps a nil *PubSub from becoming a non-nil interface.
func publisherOrNil(ps *redisstore.PubSub) metering.PubSubPublisher {
	if ps == nil {
		return nil
	}
	return ps
}

// issueToken prints a signed bearer token. It is meant for operators and
// local development; production tokens come from the identity provider.
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	account := fs.String("account", "", "account id (uuid)")
	actor := fs.String("actor", "", "actor id (uuid); random when empty")
	role := fs.String("role", "member", "viewer, member or admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !middleware.HasRole(*role, middleware.RoleViewer) {
		return fmt.Errorf("-role: unknown role %q", *role)
	}

	secret := os.Getenv("METERCHAIN_JWT_SECRET")
	if secret == "" {
		return errors.New("METERCHAIN_JWT_SECRET is required")
	}

	accountID, err := uuid.Parse(*account)
	if err != nil {
		return fmt.Errorf("-account: %w", err)
	}
	actorID := uuid.New()
	if *actor != "" {
		if actorID, err = uuid.Parse(*actor); err != nil {
			return fmt.Errorf("-actor: %w", err)
		}
	}

	tok, err := auth.IssueToken(secret, auth.Identity{AccountID: accountID, ActorID: actorID, Role: *role}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
