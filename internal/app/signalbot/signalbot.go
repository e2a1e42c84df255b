package signalbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/streadway/amqp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/signal-bot/internal/bot"
	"github.com/magabrotheeeer/signal-bot/internal/cache"
	"github.com/magabrotheeeer/signal-bot/internal/config"
	"github.com/magabrotheeeer/signal-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/migrations"
	"github.com/magabrotheeeer/signal-bot/internal/services/broadcast"
	"github.com/magabrotheeeer/signal-bot/internal/services/notifier"
	"github.com/magabrotheeeer/signal-bot/internal/services/subscription"
	"github.com/magabrotheeeer/signal-bot/internal/services/sweeper"
	"github.com/magabrotheeeer/signal-bot/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var botCommands = []telegram.BotCommand{
	{Command: "start", Description: "Welcome"},
	{Command: "subscribe", Description: "Choose a plan"},
	{Command: "status", Description: "Your plan and days left"},
	{Command: "help", Description: "Help"},
}

type App struct {
	cfg        *config.Config
	server     *http.Server
	logger     *slog.Logger
	db         *storage.Storage
	cache      *cache.Cache
	tg         *telegram.Client
	dispatcher *bot.Dispatcher
	sweeper    *sweeper.SweeperService
	conn       *amqp.Connection
	ch         *amqp.Channel
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "signalbot.New"

	db, err := storage.New(cfg.StorageConnectionString, cfg.StorageTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tg, err := telegram.NewClient(cfg.Token, cfg.APIURL, cfg.SendTimeout)
	if err != nil {
		_ = cacheRedis.Close()
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		db:     db,
		cache:  cacheRedis,
		tg:     tg,
	}

	subscriptionService := subscription.New(db, cacheRedis, app.tg, logger, subscription.Options{
		OperatorID: cfg.OperatorID,
		Term:       cfg.Term,
		StatusTTL:  cfg.StatusTTL,
		Pricing: subscription.Pricing{
			ProviderToken: cfg.ProviderToken,
			Currency:      cfg.Currency,
			ProPrice:      cfg.ProPrice,
			PremiumPrice:  cfg.PremiumPrice,
			ProStars:      cfg.ProStars,
			PremiumStars:  cfg.PremiumStars,
		},
	})

	expiryNotifier, err := app.newNotifier()
	if err != nil {
		app.close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	app.sweeper = sweeper.NewSweeperService(db, subscriptionService, expiryNotifier, logger, cfg.SweepInterval)

	broadcaster := broadcast.NewManager(db, app.tg, logger, broadcast.Options{
		OperatorID:      cfg.OperatorID,
		SessionTTL:      cfg.SessionTTL,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Concurrency:     cfg.Concurrency,
		RatePerSecond:   cfg.RatePerSecond,
	})
	router := bot.NewRouter(subscriptionService, broadcaster, app.tg, logger)
	app.dispatcher = bot.NewDispatcher(router, cfg.QueueSize, logger)

	app.server = &http.Server{
		Addr: cfg.AddressHTTP,
		Handler: NewRouter(logger, Routes{
			Queue:         app.dispatcher,
			WebhookSecret: cfg.WebhookSecret,
			Status:        subscriptionService,
			Storage:       db,
			StatusLimiter: rate.NewLimiter(rate.Limit(cfg.StatusRateLimit), cfg.StatusRateBurst),
		}),
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return app, nil
}

// newNotifier выбирает доставку уведомлений: через RabbitMQ, если он настроен, иначе напрямую.
func (a *App) newNotifier() (sweeper.Notifier, error) {
	if !a.cfg.QueueEnabled() {
		return notifier.NewTelegramNotifier(a.tg, a.cfg.NotifyTimeout, a.logger), nil
	}
	conn, err := rabbitmq.Connect(a.cfg.RabbitMQURL, a.cfg.RabbitMQMaxRetries, a.cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, err
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	a.conn, a.ch = conn, ch
	a.logger.Info("expiry notifications go through RabbitMQ")
	return notifier.NewQueueNotifier(rabbitmq.NewPublisher(ch)), nil
}

func (a *App) Run(ctx context.Context) error {
	a.registerWebhook(ctx)

	go a.dispatcher.Run(ctx)
	go a.sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		runErr = a.server.Shutdown(timeoutCtx)

		a.wait(timeoutCtx, "dispatcher", a.dispatcher.Done())
		a.wait(timeoutCtx, "sweeper", a.sweeper.Done())
	}

	a.close()
	return runErr
}

// wait ждет остановки фонового компонента, но не дольше ctx.
func (a *App) wait(ctx context.Context, name string, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("component did not stop in time", slog.String("component", name))
	}
}

// registerWebhook регистрирует вебхук и меню команд. Ошибки не мешают запуску.
func (a *App) registerWebhook(ctx context.Context) {
	if a.cfg.WebhookURL != "" {
		if err := a.tg.SetWebhook(ctx, a.cfg.WebhookURL, a.cfg.WebhookSecret); err != nil {
			a.logger.Error("failed to set webhook", sl.Err(err))
		} else {
			a.logger.Info("webhook registered", slog.String("url", a.cfg.WebhookURL))
		}
	}
	if err := a.tg.SetCommands(ctx, botCommands); err != nil {
		a.logger.Warn("failed to set bot commands", sl.Err(err))
	}
}

func (a *App) close() {
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close cache", sl.Err(err))
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("failed to close storage", sl.Err(err))
	}
}
