// Package broadcast ведет сессии рассылки оператора: выбор аудитории,
// ожидание текста и отправка сигнала всем подходящим подписчикам.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/metrics"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

var (
	// ErrInvalidTarget неизвестная аудитория рассылки.
	ErrInvalidTarget = errors.New("invalid broadcast target")
	// ErrNoSession у оператора нет открытой сессии.
	ErrNoSession = errors.New("no broadcast session")
)

// SubscriberRepository выборка получателей.
type SubscriberRepository interface {
	ListSubscribers(ctx context.Context, target models.Target, now time.Time) ([]*models.Subscriber, error)
}

// Sender отправляет сообщение получателю.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) error
}

// Options параметры рассылки.
type Options struct {
	OperatorID      int64
	SessionTTL      time.Duration
	DeliveryTimeout time.Duration
	Concurrency     int
	// RatePerSecond ограничение частоты отправки; 0 отключает ограничение.
	RatePerSecond float64
}

// Report итог рассылки.
type Report struct {
	BroadcastID string
	Target      models.Target
	Recipients  int
	Delivered   int
	Failed      int
}

type session struct {
	target    models.Target
	createdAt time.Time
}

// Manager хранит не более одной сессии на оператора.
type Manager struct {
	repo    SubscriberRepository
	sender  Sender
	log     *slog.Logger
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	sessions map[int64]session
}

func NewManager(repo SubscriberRepository, sender Sender, log *slog.Logger, opts Options) *Manager {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), max(1, int(opts.RatePerSecond)))
	}
	return &Manager{
		repo:     repo,
		sender:   sender,
		log:      log,
		opts:     opts,
		limiter:  limiter,
		now:      time.Now,
		sessions: make(map[int64]session),
	}
}

// IsOperator сообщает, является ли пользователь оператором.
func (m *Manager) IsOperator(userID int64) bool {
	return userID == m.opts.OperatorID
}

// SelectTarget открывает сессию с выбранной аудиторией. Для не-оператора
// ничего не делает и возвращает false.
func (m *Manager) SelectTarget(operatorID int64, target string) (bool, error) {
	if !m.IsOperator(operatorID) {
		return false, nil
	}
	t, err := models.ParseTarget(target)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	m.mu.Lock()
	m.sessions[operatorID] = session{target: t, createdAt: m.now()}
	m.mu.Unlock()

	m.log.Info("broadcast target selected", sl.UserID(operatorID), slog.String("target", t.String()))
	return true, nil
}

// HasSession сообщает, ждет ли оператор ввода текста рассылки.
func (m *Manager) HasSession(operatorID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(operatorID)
	return ok
}

// Cancel закрывает сессию. Возвращает false, если сессии не было.
func (m *Manager) Cancel(operatorID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(operatorID)
	delete(m.sessions, operatorID)
	return ok
}

// live возвращает сессию, если она не устарела. Вызывается под m.mu.
func (m *Manager) live(operatorID int64) (session, bool) {
	s, ok := m.sessions[operatorID]
	if !ok {
		return session{}, false
	}
	if m.now().Sub(s.createdAt) > m.opts.SessionTTL {
		delete(m.sessions, operatorID)
		return session{}, false
	}
	return s, true
}

// take извлекает сессию. Сессия расходуется даже при неудачной рассылке.
func (m *Manager) take(operatorID int64) (session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live(operatorID)
	delete(m.sessions, operatorID)
	return s, ok
}

// DeliverContent отправляет текст всем подписчикам выбранной аудитории.
func (m *Manager) DeliverContent(ctx context.Context, operatorID int64, content string) (Report, error) {
	const op = "broadcast.DeliverContent"
	if !m.IsOperator(operatorID) {
		return Report{}, ErrNoSession
	}
	s, ok := m.take(operatorID)
	if !ok {
		return Report{}, ErrNoSession
	}

	report := Report{BroadcastID: uuid.NewString(), Target: s.target}
	log := m.log.With(sl.Op(op), slog.String("broadcast_id", report.BroadcastID), slog.String("target", s.target.String()))

	recipients, err := m.repo.ListSubscribers(ctx, s.target, m.now())
	if err != nil {
		return report, fmt.Errorf("%s: %w", op, err)
	}
	report.Recipients = len(recipients)

	var delivered, failed atomic.Int64
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.opts.Concurrency)

	for _, sub := range recipients {
		if err := m.limiter.Wait(ctx); err != nil {
			failed.Add(1)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(userID int64) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if err := m.deliver(ctx, userID, content); err != nil {
				failed.Add(1)
				metrics.DeliveriesTotal.WithLabelValues(metrics.ResultFailed).Inc()
				log.Warn("delivery failed", sl.UserID(userID), sl.Err(err))
				return
			}
			delivered.Add(1)
			metrics.DeliveriesTotal.WithLabelValues(metrics.ResultOK).Inc()
		}(sub.UserID)
	}
	wg.Wait()

	report.Delivered = int(delivered.Load())
	report.Failed = int(failed.Load())
	metrics.BroadcastsTotal.WithLabelValues(s.target.String()).Inc()
	log.Info("broadcast finished",
		slog.Int("recipients", report.Recipients),
		slog.Int("delivered", report.Delivered),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func (m *Manager) deliver(ctx context.Context, userID int64, content string) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.DeliveryTimeout)
	defer cancel()
	return m.sender.SendMessage(ctx, userID, content, nil)
}
