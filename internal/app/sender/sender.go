// Package sender собирает отдельный процесс, который читает уведомления
// об окончании подписки из RabbitMQ и доставляет их в Telegram.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/signal-bot/internal/config"
	"github.com/magabrotheeeer/signal-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/services/notifier"
)

type App struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	notifier *notifier.TelegramNotifier
	logger   *slog.Logger
}

func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	const op = "sender.New"
	if !cfg.QueueEnabled() {
		return nil, fmt.Errorf("%s: rabbitmq url is not set", op)
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	tg, err := telegram.NewClient(cfg.Token, cfg.APIURL, cfg.SendTimeout)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &App{
		conn:     conn,
		ch:       ch,
		notifier: notifier.NewTelegramNotifier(tg, cfg.NotifyTimeout, logger),
		logger:   logger,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.ch, rabbitmq.ExpiredQueue, a.logger, a.notifier.HandleMessage)
	if err != nil {
		a.logger.Error("failed to start consumer", slog.String("queue", rabbitmq.ExpiredQueue), sl.Err(err))
		return err
	}

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", sl.Err(err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", sl.Err(err))
	}
	return nil
}
