// Package bot разбирает входящие обновления Telegram и передает их
// сервису подписок или менеджеру рассылок. Обновления обрабатываются
// строго по одному в порядке поступления (см. Dispatcher).
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/metrics"
	"github.com/magabrotheeeer/signal-bot/internal/models"
	"github.com/magabrotheeeer/signal-bot/internal/services/broadcast"
	"github.com/magabrotheeeer/signal-bot/internal/services/subscription"
)

const (
	textWelcome      = "Welcome to MindEye Trading Bot! Use /subscribe to join."
	textChoosePlan   = "Choose your plan:"
	textChooseGroup  = "Choose group:"
	textEnterSignal  = "Enter the signal text:"
	textApology      = "Sorry, something went wrong. Please try again later."
	textBadPlan      = "Unknown plan. Use /subscribe to choose one."
	textHelp         = "/start - welcome\n/subscribe - choose a plan\n/status - your plan and days left\n/help - this message"
	textHelpAdmin    = "\n\nOperator:\n/send - broadcast a signal\n/cancel - abort the broadcast\n/upgrade <user_id> <plan> - set a plan"
	textUpgradeUsage = "Usage: /upgrade <user_id> <free|pro|premium>"
)

// Lifecycle операции жизненного цикла подписки.
type Lifecycle interface {
	SubscribeFree(ctx context.Context, userID, chatID int64) (*models.Subscriber, error)
	Quote(plan models.Plan) (subscription.Quote, error)
	InitiatePaid(ctx context.Context, chatID int64, plan models.Plan) error
	ValidatePayload(payload string) (models.Plan, error)
	ConfirmPayment(ctx context.Context, payerID, chatID int64, payload string) (*models.Subscriber, error)
	AdminOverride(ctx context.Context, operatorID, targetID int64, plan models.Plan) (*models.Subscriber, error)
	Status(ctx context.Context, userID int64) (models.Status, error)
}

// Broadcaster сессии рассылки оператора.
type Broadcaster interface {
	IsOperator(userID int64) bool
	SelectTarget(operatorID int64, target string) (bool, error)
	HasSession(operatorID int64) bool
	Cancel(operatorID int64) bool
	DeliverContent(ctx context.Context, operatorID int64, content string) (broadcast.Report, error)
}

// Messenger исходящие вызовы Bot API.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
}

// MiniAppRequest данные, присланные мини-приложением.
// Идентификатор пользователя берется из сообщения, а не из данных.
type MiniAppRequest struct {
	Action string `json:"action" validate:"required"`
	Plan   string `json:"plan" validate:"omitempty,oneof=free pro premium"`
}

const (
	actionSubscribe = "subscribe"
	actionBuyStars  = "buy_stars"
)

// UpgradeArgs аргументы команды /upgrade.
type UpgradeArgs struct {
	UserID string `validate:"required,numeric"`
	Plan   string `validate:"required,oneof=free pro premium"`
}

type Router struct {
	lifecycle Lifecycle
	broadcast Broadcaster
	messenger Messenger
	validate  *validator.Validate
	log       *slog.Logger
}

func NewRouter(lifecycle Lifecycle, broadcaster Broadcaster, messenger Messenger, log *slog.Logger) *Router {
	return &Router{
		lifecycle: lifecycle,
		broadcast: broadcaster,
		messenger: messenger,
		validate:  validator.New(),
		log:       log,
	}
}

// Handle обрабатывает одно обновление. Ошибки логируются, пользователю
// отправляется общее извинение.
func (r *Router) Handle(ctx context.Context, u telegram.Update) {
	const op = "bot.Router.Handle"
	ev := classify(u, r.broadcast.IsOperator, r.broadcast.HasSession)
	metrics.UpdatesTotal.WithLabelValues(ev.Kind.String()).Inc()

	log := r.log.With(
		sl.Op(op),
		slog.Int("update_id", u.UpdateID),
		slog.String("kind", ev.Kind.String()),
		sl.UserID(ev.UserID),
	)

	var err error
	switch ev.Kind {
	case KindPreCheckout:
		err = r.handlePreCheckout(ctx, log, ev)
	case KindPayment:
		err = r.handlePayment(ctx, ev)
	case KindMiniApp:
		err = r.handleMiniApp(ctx, log, ev)
	case KindCallback:
		err = r.handleCallback(ctx, log, ev)
	case KindCommand:
		err = r.handleCommand(ctx, log, ev)
	case KindBroadcastContent:
		err = r.handleContent(ctx, ev)
	default:
		log.Debug("update ignored")
		return
	}
	if err == nil {
		return
	}
	if errors.Is(err, subscription.ErrUnauthorized) {
		log.Debug("privileged action from non operator ignored")
		return
	}

	log.Error("failed to handle update", sl.Err(err))
	if ev.ChatID == 0 {
		return
	}
	text := textApology
	if r.broadcast.IsOperator(ev.UserID) {
		text = fmt.Sprintf("%s\n%s", textApology, err.Error())
	}
	r.reply(ctx, log, ev.ChatID, text, nil)
}

func (r *Router) handlePreCheckout(ctx context.Context, log *slog.Logger, ev Event) error {
	if _, err := r.lifecycle.ValidatePayload(ev.Text); err != nil {
		log.Warn("pre-checkout rejected", slog.String("payload", ev.Text))
		return r.messenger.AnswerPreCheckoutQuery(ctx, ev.QueryID, false, "Unknown plan, please start over with /subscribe.")
	}
	return r.messenger.AnswerPreCheckoutQuery(ctx, ev.QueryID, true, "")
}

func (r *Router) handlePayment(ctx context.Context, ev Event) error {
	_, err := r.lifecycle.ConfirmPayment(ctx, ev.UserID, ev.ChatID, ev.Text)
	return err
}

func (r *Router) handleMiniApp(ctx context.Context, log *slog.Logger, ev Event) error {
	const op = "bot.handleMiniApp"
	var req MiniAppRequest
	if err := json.Unmarshal([]byte(ev.Text), &req); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	if err := r.validate.Struct(req); err != nil {
		return fmt.Errorf("%s: validate: %w", op, err)
	}
	plan := models.Plan(req.Plan)

	switch req.Action {
	case actionSubscribe:
		return r.choosePlan(ctx, ev, plan)
	case actionBuyStars:
		if !plan.IsPaid() {
			return fmt.Errorf("%s: %w: %q", op, subscription.ErrUnknownPlan, req.Plan)
		}
		return r.lifecycle.InitiatePaid(ctx, ev.ChatID, plan)
	default:
		log.Info("unknown mini app action ignored", slog.String("action", req.Action))
		return nil
	}
}

// choosePlan подписывает на free или выставляет счет на платный тариф.
func (r *Router) choosePlan(ctx context.Context, ev Event, plan models.Plan) error {
	if plan == "" || plan == models.PlanFree {
		_, err := r.lifecycle.SubscribeFree(ctx, ev.UserID, ev.ChatID)
		return err
	}
	return r.lifecycle.InitiatePaid(ctx, ev.ChatID, plan)
}

func (r *Router) handleCallback(ctx context.Context, log *slog.Logger, ev Event) error {
	switch {
	case strings.HasPrefix(ev.Text, "sub_"):
		plan, err := models.ParsePlan(strings.TrimPrefix(ev.Text, "sub_"))
		if err != nil {
			r.answer(ctx, log, ev.QueryID, "")
			r.reply(ctx, log, ev.ChatID, textBadPlan, nil)
			return nil
		}
		if plan == models.PlanFree {
			r.answer(ctx, log, ev.QueryID, "Subscribed to Free plan!")
		} else {
			r.answer(ctx, log, ev.QueryID, "")
		}
		return r.choosePlan(ctx, ev, plan)

	case strings.HasPrefix(ev.Text, "send_"):
		target := strings.TrimPrefix(ev.Text, "send_")
		ok, err := r.broadcast.SelectTarget(ev.UserID, target)
		if err != nil {
			r.answer(ctx, log, ev.QueryID, "")
			return err
		}
		if !ok {
			r.answer(ctx, log, ev.QueryID, "")
			return nil
		}
		r.answer(ctx, log, ev.QueryID, fmt.Sprintf("Sending to %s users.", target))
		r.reply(ctx, log, ev.ChatID, textEnterSignal, nil)
		return nil

	default:
		r.answer(ctx, log, ev.QueryID, "")
		log.Debug("unknown callback ignored", slog.String("data", ev.Text))
		return nil
	}
}

func (r *Router) handleCommand(ctx context.Context, log *slog.Logger, ev Event) error {
	switch ev.Command {
	case "start":
		r.reply(ctx, log, ev.ChatID, textWelcome, nil)
	case "subscribe":
		markup, err := r.planKeyboard()
		if err != nil {
			return err
		}
		r.reply(ctx, log, ev.ChatID, textChoosePlan, markup)
	case "status":
		st, err := r.lifecycle.Status(ctx, ev.UserID)
		if err != nil {
			return err
		}
		r.reply(ctx, log, ev.ChatID, statusText(st), nil)
	case "help":
		text := textHelp
		if r.broadcast.IsOperator(ev.UserID) {
			text += textHelpAdmin
		}
		r.reply(ctx, log, ev.ChatID, text, nil)
	case "send":
		if !r.broadcast.IsOperator(ev.UserID) {
			return nil
		}
		r.reply(ctx, log, ev.ChatID, textChooseGroup, targetKeyboard())
	case "cancel":
		if !r.broadcast.IsOperator(ev.UserID) {
			return nil
		}
		if r.broadcast.Cancel(ev.UserID) {
			r.reply(ctx, log, ev.ChatID, "Broadcast cancelled.", nil)
		} else {
			r.reply(ctx, log, ev.ChatID, "Nothing to cancel.", nil)
		}
	case "upgrade":
		return r.handleUpgrade(ctx, log, ev)
	default:
		log.Debug("unknown command ignored", slog.String("command", ev.Command))
	}
	return nil
}

func (r *Router) handleUpgrade(ctx context.Context, log *slog.Logger, ev Event) error {
	if !r.broadcast.IsOperator(ev.UserID) {
		return nil
	}
	var args UpgradeArgs
	if len(ev.Args) == 2 {
		args = UpgradeArgs{UserID: ev.Args[0], Plan: strings.ToLower(ev.Args[1])}
	}
	if err := r.validate.Struct(args); err != nil {
		r.reply(ctx, log, ev.ChatID, textUpgradeUsage, nil)
		return nil
	}
	targetID, err := strconv.ParseInt(args.UserID, 10, 64)
	if err != nil {
		r.reply(ctx, log, ev.ChatID, textUpgradeUsage, nil)
		return nil
	}

	sub, err := r.lifecycle.AdminOverride(ctx, ev.UserID, targetID, models.Plan(args.Plan))
	if err != nil {
		return err
	}
	r.reply(ctx, log, ev.ChatID, fmt.Sprintf("User %d is now on %s until %s.",
		targetID, sub.Plan, sub.Expiry.Format("2006-01-02")), nil)
	return nil
}

func (r *Router) handleContent(ctx context.Context, ev Event) error {
	report, err := r.broadcast.DeliverContent(ctx, ev.UserID, ev.Text)
	if errors.Is(err, broadcast.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Sent to %d users!", report.Delivered)
	if report.Failed > 0 {
		text += fmt.Sprintf(" (%d failed)", report.Failed)
	}
	r.reply(ctx, r.log, ev.ChatID, text, nil)
	return nil
}

func (r *Router) planKeyboard() (*telegram.InlineKeyboardMarkup, error) {
	buttons := []telegram.InlineKeyboardButton{{Text: "Free", CallbackData: "sub_free"}}
	for _, plan := range []models.Plan{models.PlanPro, models.PlanPremium} {
		quote, err := r.lifecycle.Quote(plan)
		if err != nil {
			return nil, err
		}
		buttons = append(buttons, telegram.InlineKeyboardButton{Text: quote.Label(), CallbackData: "sub_" + plan.String()})
	}
	return telegram.Column(buttons...), nil
}

func targetKeyboard() *telegram.InlineKeyboardMarkup {
	buttons := make([]telegram.InlineKeyboardButton, 0, len(models.Targets))
	for _, t := range models.Targets {
		name := t.String()
		buttons = append(buttons, telegram.InlineKeyboardButton{
			Text:         strings.ToUpper(name[:1]) + name[1:],
			CallbackData: "send_" + name,
		})
	}
	return telegram.Column(buttons...)
}

func statusText(st models.Status) string {
	switch st.Plan {
	case models.PlanNone:
		return "You have no subscription yet. Use /subscribe to join."
	case models.PlanExpired:
		return "Your subscription has expired. Use /subscribe to renew."
	default:
		return fmt.Sprintf("Plan: %s\nDays left: %d", st.Plan, st.DaysLeft)
	}
}

// reply отправляет сообщение, ошибка отправки только логируется.
func (r *Router) reply(ctx context.Context, log *slog.Logger, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) {
	if err := r.messenger.SendMessage(ctx, chatID, text, markup); err != nil {
		log.Warn("failed to send reply", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func (r *Router) answer(ctx context.Context, log *slog.Logger, callbackID, text string) {
	if err := r.messenger.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		log.Warn("failed to answer callback", sl.Err(err))
	}
}
