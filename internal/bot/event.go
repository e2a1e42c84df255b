package bot

import (
	"strings"

	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
)

// Kind вид входящего события.
type Kind int

const (
	KindIgnored Kind = iota
	KindPreCheckout
	KindPayment
	KindMiniApp
	KindCallback
	KindCommand
	KindBroadcastContent
)

var kindNames = map[Kind]string{
	KindIgnored:          "ignored",
	KindPreCheckout:      "pre_checkout",
	KindPayment:          "payment",
	KindMiniApp:          "mini_app",
	KindCallback:         "callback",
	KindCommand:          "command",
	KindBroadcastContent: "broadcast_content",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event разобранное обновление Telegram.
type Event struct {
	Kind   Kind
	UserID int64
	ChatID int64

	// Command и Args заполняются для KindCommand.
	Command string
	Args    []string

	// Text содержит текст сообщения, payload счета, данные кнопки или мини-приложения.
	Text string

	// QueryID идентификатор callback или pre-checkout запроса.
	QueryID string
}

// classify определяет вид события в фиксированном порядке приоритетов.
// hasSession сообщает, ждет ли оператор ввода текста рассылки.
func classify(u telegram.Update, isOperator, hasSession func(int64) bool) Event {
	if q := u.PreCheckoutQuery; q != nil {
		return Event{Kind: KindPreCheckout, UserID: q.From.ID, ChatID: q.From.ID, Text: q.InvoicePayload, QueryID: q.ID}
	}

	if cb := u.CallbackQuery; cb != nil {
		ev := Event{Kind: KindCallback, UserID: cb.From.ID, ChatID: cb.From.ID, Text: cb.Data, QueryID: cb.ID}
		if cb.Message != nil {
			ev.ChatID = cb.Message.Chat.ID
		}
		return ev
	}

	m := u.Message
	if m == nil || m.From == nil {
		return Event{Kind: KindIgnored}
	}
	ev := Event{UserID: m.From.ID, ChatID: m.Chat.ID}

	switch {
	case m.SuccessfulPayment != nil:
		ev.Kind = KindPayment
		ev.Text = m.SuccessfulPayment.InvoicePayload
	case m.WebAppData != nil:
		ev.Kind = KindMiniApp
		ev.Text = m.WebAppData.Data
	default:
		if name, args, ok := m.Command(); ok {
			ev.Kind = KindCommand
			ev.Command = name
			ev.Args = args
			return ev
		}
		if strings.TrimSpace(m.Text) != "" && isOperator(ev.UserID) && hasSession(ev.UserID) {
			ev.Kind = KindBroadcastContent
			ev.Text = m.Text
			return ev
		}
		ev.Kind = KindIgnored
	}
	return ev
}
