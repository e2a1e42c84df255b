// Package subscription содержит бизнес-логику жизненного цикла подписки:
// бесплатная подписка, выставление счета, подтверждение оплаты,
// ручное изменение тарифа оператором и перевод в expired.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/magabrotheeeer/signal-bot/internal/cache"
	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/metrics"
	"github.com/magabrotheeeer/signal-bot/internal/models"
	"github.com/magabrotheeeer/signal-bot/internal/storage"
)

var (
	// ErrMalformedPayload полезная нагрузка платежа не соответствует формату plan_<name>.
	ErrMalformedPayload = errors.New("malformed payment payload")
	// ErrUnknownPlan тариф не существует или не может быть оплачен.
	ErrUnknownPlan = errors.New("unknown plan")
	// ErrUnauthorized привилегированная операция вызвана не оператором.
	ErrUnauthorized = errors.New("unauthorized")
)

const (
	payloadPrefix = "plan_"
	// StarsCurrency внутренняя валюта Telegram, используется без платежного провайдера.
	StarsCurrency = "XTR"
)

// Repository определяет методы хранилища подписчиков.
type Repository interface {
	GetSubscriber(ctx context.Context, userID int64) (*models.Subscriber, error)
	UpsertSubscriber(ctx context.Context, userID int64, plan models.Plan, expiry *time.Time) error
	MarkExpired(ctx context.Context, userID int64, now time.Time) (bool, error)
}

// Cache описывает методы для кэширования данных.
// Add записывает значение, только если ключа еще нет.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Add(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
	Invalidate(ctx context.Context, key string) error
}

// Messenger отправляет сообщения и счета пользователям.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
	SendInvoice(ctx context.Context, invoice telegram.Invoice) error
}

// Pricing таблица цен. Без ProviderToken счета выставляются в Telegram Stars.
type Pricing struct {
	ProviderToken string
	Currency      string
	ProPrice      int
	PremiumPrice  int
	ProStars      int
	PremiumStars  int
}

// Options параметры сервиса.
type Options struct {
	OperatorID int64
	Term       time.Duration
	StatusTTL  time.Duration
	Pricing    Pricing
}

// Quote цена тарифа в валюте счета.
type Quote struct {
	Plan          models.Plan
	Amount        int
	Currency      string
	ProviderToken string
}

// Label текст для кнопки выбора тарифа.
func (q Quote) Label() string {
	name := capitalize(q.Plan.String())
	if q.Currency == StarsCurrency {
		return fmt.Sprintf("%s (%d ⭐)", name, q.Amount)
	}
	return fmt.Sprintf("%s (%d.%02d %s)", name, q.Amount/100, q.Amount%100, q.Currency)
}

// Service реализует переходы состояний подписки.
type Service struct {
	repo      Repository
	cache     Cache
	messenger Messenger
	log       *slog.Logger
	opts      Options
	now       func() time.Time
}

// New создает новый экземпляр Service.
func New(repo Repository, cache Cache, messenger Messenger, log *slog.Logger, opts Options) *Service {
	if opts.Term <= 0 {
		opts.Term = 30 * 24 * time.Hour
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 5 * time.Minute
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		messenger: messenger,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

// SubscribeFree переводит пользователя на free со сроком now+term.
// Повторный вызов просто сдвигает срок.
func (s *Service) SubscribeFree(ctx context.Context, userID, chatID int64) (*models.Subscriber, error) {
	const op = "subscription.SubscribeFree"
	sub, err := s.apply(ctx, userID, models.PlanFree, "subscribe")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.notify(ctx, chatID, "You're now on the free plan. Signals will be sent here.")
	return sub, nil
}

// Quote возвращает цену платного тарифа.
func (s *Service) Quote(plan models.Plan) (Quote, error) {
	if !plan.IsPaid() {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	p := s.opts.Pricing
	if p.ProviderToken != "" {
		amount := p.ProPrice
		if plan == models.PlanPremium {
			amount = p.PremiumPrice
		}
		return Quote{Plan: plan, Amount: amount, Currency: p.Currency, ProviderToken: p.ProviderToken}, nil
	}
	amount := p.ProStars
	if plan == models.PlanPremium {
		amount = p.PremiumStars
	}
	return Quote{Plan: plan, Amount: amount, Currency: StarsCurrency}, nil
}

// InitiatePaid выставляет счет на платный тариф. Хранилище не изменяется.
func (s *Service) InitiatePaid(ctx context.Context, chatID int64, plan models.Plan) error {
	const op = "subscription.InitiatePaid"
	quote, err := s.Quote(plan)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	invoice := telegram.Invoice{
		ChatID:        chatID,
		Title:         capitalize(plan.String()) + " Plan",
		Description:   "Premium signals",
		Payload:       payloadPrefix + plan.String(),
		ProviderToken: quote.ProviderToken,
		Currency:      quote.Currency,
		Prices:        []telegram.LabeledPrice{{Label: "Plan", Amount: quote.Amount}},
	}
	if err := s.messenger.SendInvoice(ctx, invoice); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.log.Info("invoice sent",
		sl.Op(op),
		slog.Int64("chat_id", chatID),
		slog.String("plan", plan.String()),
		slog.Int("amount", quote.Amount),
		slog.String("currency", quote.Currency),
	)
	return nil
}

// ValidatePayload разбирает payload счета вида plan_<name>. Допустимы только платные тарифы.
func (s *Service) ValidatePayload(payload string) (models.Plan, error) {
	name, ok := strings.CutPrefix(payload, payloadPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	plan, err := models.ParsePlan(name)
	if err != nil || !plan.IsPaid() {
		return "", fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	return plan, nil
}

// ConfirmPayment применяет оплаченный тариф к плательщику.
func (s *Service) ConfirmPayment(ctx context.Context, payerID, chatID int64, payload string) (*models.Subscriber, error) {
	const op = "subscription.ConfirmPayment"
	plan, err := s.ValidatePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub, err := s.apply(ctx, payerID, plan, "payment")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.notify(ctx, chatID, fmt.Sprintf("Thanks! Now on %s. Signals here.", plan))
	return sub, nil
}

// AdminOverride меняет тариф пользователя без оплаты. Доступно только оператору.
func (s *Service) AdminOverride(ctx context.Context, operatorID, targetID int64, plan models.Plan) (*models.Subscriber, error) {
	const op = "subscription.AdminOverride"
	if operatorID != s.opts.OperatorID {
		return nil, ErrUnauthorized
	}
	if _, err := models.ParsePlan(plan.String()); err != nil {
		return nil, fmt.Errorf("%s: %w: %q", op, ErrUnknownPlan, plan)
	}
	sub, err := s.apply(ctx, targetID, plan, "override")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.notify(ctx, targetID, fmt.Sprintf("Your plan was changed to %s.", plan))
	return sub, nil
}

// Expire переводит подписчика в expired, если его срок истек к моменту now.
func (s *Service) Expire(ctx context.Context, userID int64, now time.Time) (bool, error) {
	const op = "subscription.Expire"
	ok, err := s.repo.MarkExpired(ctx, userID, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return false, nil
	}
	s.store(ctx, &models.Subscriber{UserID: userID, Plan: models.PlanExpired, UpdatedAt: now})
	metrics.TransitionsTotal.WithLabelValues(models.PlanExpired.String(), "sweep").Inc()
	return true, nil
}

// Status возвращает тариф и число оставшихся дней. Неизвестный пользователь получает none.
func (s *Service) Status(ctx context.Context, userID int64) (models.Status, error) {
	const op = "subscription.Status"
	log := s.log.With(sl.Op(op), sl.UserID(userID))

	sub, err := s.lookup(ctx, log, userID)
	if errors.Is(err, storage.ErrSubscriberNotFound) {
		return models.Status{Plan: models.PlanNone, DaysLeft: 0}, nil
	}
	if err != nil {
		return models.Status{}, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	plan := sub.Plan
	if sub.IsLapsed(now) {
		plan = models.PlanExpired
	}
	return models.Status{Plan: plan, DaysLeft: sub.DaysLeft(now)}, nil
}

func (s *Service) lookup(ctx context.Context, log *slog.Logger, userID int64) (*models.Subscriber, error) {
	key := cache.SubscriberKey(userID)
	var cached models.Subscriber
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		log.Warn("failed to read from cache", slog.String("key", key), sl.Err(err))
	}
	if found {
		return &cached, nil
	}

	sub, err := s.repo.GetSubscriber(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Строка могла измениться после чтения, поэтому свежая запись из store не перетирается.
	if _, err := s.cache.Add(ctx, key, sub, s.opts.StatusTTL); err != nil {
		log.Warn("failed to add to cache", slog.String("key", key), sl.Err(err))
	}
	return sub, nil
}

// apply записывает полную строку подписчика с новым сроком.
func (s *Service) apply(ctx context.Context, userID int64, plan models.Plan, trigger string) (*models.Subscriber, error) {
	now := s.now()
	expiry := now.Add(s.opts.Term)
	if err := s.repo.UpsertSubscriber(ctx, userID, plan, &expiry); err != nil {
		return nil, err
	}
	sub := &models.Subscriber{UserID: userID, Plan: plan, Expiry: &expiry, UpdatedAt: now}
	s.store(ctx, sub)
	metrics.TransitionsTotal.WithLabelValues(plan.String(), trigger).Inc()
	s.log.Info("subscriber updated",
		sl.UserID(userID),
		slog.String("plan", plan.String()),
		slog.Time("expiry", expiry),
		slog.String("trigger", trigger),
	)
	return sub, nil
}

// store кладет записанную строку в кеш. Если запись не удалась, ключ удаляется.
func (s *Service) store(ctx context.Context, sub *models.Subscriber) {
	key := cache.SubscriberKey(sub.UserID)
	err := s.cache.Set(ctx, key, sub, s.opts.StatusTTL)
	if err == nil {
		return
	}
	s.log.Warn("failed to update cache", slog.String("key", key), sl.Err(err))
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.log.Warn("failed to remove from cache", slog.String("key", key), sl.Err(err))
	}
}

// notify отправляет сообщение без влияния на результат операции.
func (s *Service) notify(ctx context.Context, chatID int64, text string) {
	if err := s.messenger.SendMessage(ctx, chatID, text, nil); err != nil {
		s.log.Warn("failed to notify user", slog.Int64("chat_id", chatID), sl.Err(err))
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
