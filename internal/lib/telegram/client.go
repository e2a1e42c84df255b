// Package telegram оборачивает клиент Bot API (github.com/go-telegram/bot)
// в методы, нужные боту: сообщения, ответы на callback, счета и регистрация вебхука.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
)

// ErrForbidden получатель заблокировал бота или удалил аккаунт.
var ErrForbidden = bot.ErrorForbidden

// IsBlocked сообщает, что сообщение не доставлено из-за блокировки бота.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// allowedUpdates виды обновлений, которые бот получает через вебхук.
var allowedUpdates = []string{"message", "callback_query", "pre_checkout_query"}

type Client struct {
	api *bot.Bot
}

// NewClient создает клиент. Пустой serverURL означает api.telegram.org.
// getMe при создании не вызывается.
func NewClient(token, serverURL string, timeout time.Duration) (*Client, error) {
	const op = "telegram.NewClient"
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(timeout, &http.Client{Timeout: timeout}),
	}
	if serverURL != "" {
		opts = append(opts, bot.WithServerURL(serverURL))
	}
	api, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Client{api: api}, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) error {
	const op = "telegram.SendMessage"
	params := &bot.SendMessageParams{ChatID: chatID, Text: text}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := c.api.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	const op = "telegram.AnswerCallbackQuery"
	_, err := c.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SendInvoice выставляет счет. Для Telegram Stars ProviderToken пустой.
func (c *Client) SendInvoice(ctx context.Context, invoice Invoice) error {
	const op = "telegram.SendInvoice"
	_, err := c.api.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:        invoice.ChatID,
		Title:         invoice.Title,
		Description:   invoice.Description,
		Payload:       invoice.Payload,
		ProviderToken: invoice.ProviderToken,
		Currency:      invoice.Currency,
		Prices:        invoice.Prices,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AnswerPreCheckoutQuery подтверждает или отклоняет оплату.
// errorMessage показывается пользователю при ok=false.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	const op = "telegram.AnswerPreCheckoutQuery"
	params := &bot.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: queryID, OK: ok}
	if !ok {
		params.ErrorMessage = errorMessage
	}
	if _, err := c.api.AnswerPreCheckoutQuery(ctx, params); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetWebhook регистрирует вебхук. secret Telegram возвращает
// в заголовке X-Telegram-Bot-Api-Secret-Token.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	const op = "telegram.SetWebhook"
	_, err := c.api.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:            webhookURL,
		AllowedUpdates: allowedUpdates,
		SecretToken:    secret,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetCommands задает меню команд бота.
func (c *Client) SetCommands(ctx context.Context, commands []BotCommand) error {
	const op = "telegram.SetCommands"
	if _, err := c.api.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: commands}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
