package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"chatsync/internal/engine"
	"chatsync/internal/identity"
	"chatsync/internal/presence"
	"chatsync/internal/store"
	"chatsync/internal/store/mongostore"
)

func newRootCommand() *cobra.Command {
	var configPath string
	var useMemory bool

	cmd := &cobra.Command{
		Use:   "chatsyncd",
		Short: "Runs a conversation sync engine for one user against a message store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if useMemory {
				cfg.Store = "memory"
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")
	cmd.Flags().BoolVar(&useMemory, "memory", false, "use the in-memory store instead of Mongo")
	return cmd
}

func run(ctx context.Context, cfg Config) error {
	log := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(st, provider, engine.Options{
		SubmitTimeout: cfg.SubmitTimeout,
		PageSize:      cfg.PageSize,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	cancel, err := eng.Subscribe(func(s engine.Snapshot) {
		log.Debug("snapshot",
			"conversations", len(s.Conversations),
			"active", s.ActiveConversationID)
	})
	if err != nil {
		return err
	}
	defer cancel()

	tracker := presence.NewTracker()
	if cfg.PresenceURL != "" {
		feed := presence.NewFeed(cfg.PresenceURL, tracker, log)
		go func() {
			if err := feed.Run(ctx); err != nil {
				log.Error("presence feed stopped", "err", err)
			}
		}()
	}

	metricsSrv := serveMetrics(cfg.MetricsAddr, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	user, _ := provider.CurrentUser()
	log.Info("chatsyncd running", "user", user.ID, "store", cfg.Store)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Store == "memory" {
		return store.NewMemoryStore(), func() {}, nil
	}

	client, err := mongostore.New(ctx, cfg.MongoURI)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.CreateIndexes(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, nil, fmt.Errorf("create indexes: %w", err)
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Warn("mongo close failed", "err", err)
		}
	}
	return mongostore.NewStore(client, log), closeFn, nil
}

func buildProvider(cfg Config) (identity.Provider, error) {
	if cfg.JWT.Token != "" {
		keys, err := parseKeys(cfg.JWT.Keys)
		if err != nil {
			return nil, err
		}
		mgr := identity.NewJWTManagerFromKeys(keys, cfg.JWT.ActiveKid, 24*time.Hour)
		return identity.NewJWTProvider(mgr, cfg.JWT.Token), nil
	}
	return identity.Static{User: identity.User{
		ID:          cfg.User.ID,
		DisplayName: cfg.User.DisplayName,
		AvatarRef:   cfg.User.AvatarRef,
	}}, nil
}

func serveMetrics(addr string, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exit", "err", err)
		}
	}()
	return srv
}
