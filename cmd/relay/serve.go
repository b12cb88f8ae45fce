package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/bot"
	"github.com/tbourn/go-deeplink-relay/internal/config"
	httpapi "github.com/tbourn/go-deeplink-relay/internal/http"
	"github.com/tbourn/go-deeplink-relay/internal/http/handlers"
	"github.com/tbourn/go-deeplink-relay/internal/observability"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
	"github.com/tbourn/go-deeplink-relay/internal/services"
	"github.com/tbourn/go-deeplink-relay/internal/sysutil"
	"github.com/tbourn/go-deeplink-relay/internal/telegram"
	"github.com/tbourn/go-deeplink-relay/internal/token"
)

const (
	// failedRetention keeps exhausted deletions visible in /stats for a week.
	failedRetention = 7 * 24 * time.Hour
	shutdownTimeout = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the deletion scheduler and the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// app is the wired object graph of a running relay.
type app struct {
	router     *bot.Router
	links      services.LinkStore
	lifecycle  *services.LifecycleManager
	janitor    *services.Janitor
	stats      *services.StatsService
	dispatcher *telegram.Dispatcher
}

// wire builds the services around db and the Telegram messenger.
func wire(cfg config.Config, db *gorm.DB, msg services.Messenger, username string) *app {
	links := services.NewCachedLinkStore(&services.DBLinkStore{DB: db}, cfg.LinkCacheSize, cfg.LinkCacheTTL)
	staging := services.NewStagingBuffer(db)
	series := services.NewSeriesService(staging, links, token.New(), cfg.Bot.OperatorID)

	lifecycle := services.NewLifecycleManager(db, msg)
	lifecycle.MaxAttempts = cfg.Lifecycle.MaxAttempts
	lifecycle.BackoffInitial = cfg.Lifecycle.BackoffInitial
	lifecycle.BackoffMax = cfg.Lifecycle.BackoffMax
	lifecycle.Workers = cfg.Lifecycle.Workers
	lifecycle.PollInterval = cfg.Lifecycle.PollInterval
	lifecycle.Lease = cfg.Lifecycle.Lease
	lifecycle.CallTimeout = cfg.Delivery.OutboundTimeout

	delivery := services.NewDeliveryService(msg, lifecycle)
	delivery.Retention = cfg.Delivery.Retention
	delivery.Pacing = cfg.Delivery.Pacing
	delivery.Timeout = cfg.Delivery.OutboundTimeout

	stats := &services.StatsService{DB: db}

	trusted := make(map[int64]bool, len(cfg.Bot.TrustedChannels))
	for _, id := range cfg.Bot.TrustedChannels {
		trusted[id] = true
	}

	router := &bot.Router{
		Staging:         staging,
		Series:          series,
		Links:           links,
		Delivery:        delivery,
		Messenger:       msg,
		Stats:           stats,
		OperatorID:      cfg.Bot.OperatorID,
		TrustedChannels: trusted,
		BotUsername:     username,
		DeepLinkBase:    cfg.Bot.DeepLinkBase,
		SingleItemLinks: cfg.Bot.SingleItemLinks,
	}
	if cfg.DedupPosts {
		router.Dedup = &services.PostDeduper{DB: db, TTL: cfg.DedupTTL}
	}

	return &app{
		router:    router,
		links:     links,
		lifecycle: lifecycle,
		janitor: &services.Janitor{
			DB:         db,
			Staging:    staging,
			StagingTTL: cfg.StagingTTL,
			FailedTTL:  failedRetention,
		},
		stats:      stats,
		dispatcher: &telegram.Dispatcher{Handle: router.Handle, EventTimeout: cfg.Delivery.EventTimeout},
	}
}

// engine builds the HTTP surface. webhook is false in polling mode.
func (a *app) engine(cfg config.Config, webhook bool) *gin.Engine {
	deps := httpapi.Deps{
		Health: a.lifecycle,
		Admin: &handlers.AdminHandler{
			Links:    a.links,
			Stats:    a.stats,
			DeepLink: a.router.DeepLink,
		},
	}
	if webhook {
		deps.Webhook = handlers.NewWebhookHandler(cfg.Bot.WebhookSecret, telegram.DecodeUpdate, a.dispatcher)
	}
	r := gin.New()
	httpapi.RegisterRoutes(r, deps, cfg)
	return r
}

func serve(ctx context.Context, cfg config.Config) error {
	gin.SetMode(cfg.GinMode)

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(repo.Options{
		Driver:  cfg.DBDriver,
		Path:    cfg.DBPath,
		DSN:     cfg.DBDSN,
		Tracing: cfg.OTEL.Enabled,
	})
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	client, api, err := telegram.New(telegram.Options{
		Token:   cfg.Bot.Token,
		Timeout: cfg.Delivery.OutboundTimeout,
		RPS:     cfg.Delivery.OutboundRPS,
	})
	if err != nil {
		return err
	}
	username := sysutil.FirstNonEmpty(cfg.Bot.Username, client.Username())

	a := wire(cfg, db, client, username)
	client.OnLateForward = func(ctx context.Context, chatID int64, messageID int) {
		if err := a.lifecycle.Register(ctx, chatID, messageID, cfg.Delivery.Retention); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Int("message_id", messageID).Msg("late forward not scheduled for deletion")
		}
	}
	webhook := cfg.Bot.UpdateMode == config.UpdateModeWebhook

	sched, err := a.janitor.Start(cfg.JanitorSchedule)
	if err != nil {
		return err
	}
	defer func() { <-sched.Stop().Done() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Background loops report on bg; running counts those still alive.
	bg := make(chan error, 2)
	running := 1
	go func() { bg <- a.lifecycle.Run(ctx) }()

	if webhook {
		if cfg.Bot.WebhookURL != "" {
			if err := telegram.RegisterWebhook(api, cfg.Bot.WebhookURL); err != nil {
				return err
			}
			log.Info().Msg("telegram webhook registered")
		}
	} else {
		if err := telegram.ClearWebhook(api); err != nil {
			return err
		}
		p := &telegram.Poller{Source: api, Handle: a.router.Handle, EventTimeout: cfg.Delivery.EventTimeout}
		running++
		go func() { bg <- p.Run(ctx) }()
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           a.engine(cfg, webhook),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("bot", username).
			Str("update_mode", cfg.Bot.UpdateMode).
			Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-bg:
		running--
		if err != nil {
			runErr = err
		} else {
			runErr = errors.New("background loop exited unexpectedly")
		}
	}
	log.Info().Msg("shutting down")

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.dispatcher.Wait(sctx); err != nil {
		log.Warn().Err(err).Msg("in-flight updates abandoned")
	}
	if err := client.Wait(sctx); err != nil {
		log.Warn().Err(err).Msg("late forwards not settled")
	}
	cancel()
	for ; running > 0; running-- {
		select {
		case <-bg:
		case <-sctx.Done():
			log.Warn().Msg("background loops did not stop in time")
			return runErr
		}
	}
	return runErr
}
