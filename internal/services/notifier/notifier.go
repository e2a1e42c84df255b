// Package notifier доставляет уведомления об окончании подписки: напрямую
// через Telegram или через очередь RabbitMQ для отдельного процесса-отправителя.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/signal-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

// Sender отправляет текстовое сообщение пользователю.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
}

// Publisher публикует сообщение в обменник уведомлений.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// ExpiredText текст уведомления об окончании подписки.
func ExpiredText(notice models.ExpiryNotice) string {
	if notice.PreviousPlan == "" {
		return "Your subscription has expired. Use /subscribe to renew."
	}
	return fmt.Sprintf("Your %s subscription has expired. Use /subscribe to renew.", notice.PreviousPlan)
}

// TelegramNotifier отправляет уведомление сразу, ограничивая время отправки.
type TelegramNotifier struct {
	sender  Sender
	timeout time.Duration
	log     *slog.Logger
}

func NewTelegramNotifier(sender Sender, timeout time.Duration, log *slog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{sender: sender, timeout: timeout, log: log}
}

func (n *TelegramNotifier) NotifyExpired(ctx context.Context, notice models.ExpiryNotice) error {
	const op = "notifier.NotifyExpired"
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.sender.SendMessage(ctx, notice.UserID, ExpiredText(notice), nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n.log.Debug("expiry notification sent", sl.UserID(notice.UserID))
	return nil
}

// HandleMessage обрабатывает сообщение из очереди notifications.expired.
func (n *TelegramNotifier) HandleMessage(body []byte) error {
	const op = "notifier.HandleMessage"
	var notice models.ExpiryNotice
	if err := json.Unmarshal(body, &notice); err != nil {
		n.log.Error("failed to unmarshal message body", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}
	if notice.UserID == 0 {
		return fmt.Errorf("%s: empty user id", op)
	}
	return n.NotifyExpired(context.Background(), notice)
}

// QueueNotifier публикует уведомление в RabbitMQ, доставкой занимается notification-sender.
type QueueNotifier struct {
	pub Publisher
}

func NewQueueNotifier(pub Publisher) *QueueNotifier {
	return &QueueNotifier{pub: pub}
}

func (n *QueueNotifier) NotifyExpired(_ context.Context, notice models.ExpiryNotice) error {
	const op = "notifier.QueueNotifier.NotifyExpired"
	if err := n.pub.Publish(rabbitmq.ExpiredRoutingKey, notice); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
