// Package sweeper периодически переводит просроченные подписки в expired
// и уведомляет пользователей об окончании подписки.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/metrics"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

// SubscriberRepository выборка просроченных подписчиков.
type SubscriberRepository interface {
	FindLapsed(ctx context.Context, now time.Time) ([]*models.Subscriber, error)
}

// Expirer выполняет переход в expired. false означает, что строку уже
// продлили или перевели раньше.
type Expirer interface {
	Expire(ctx context.Context, userID int64, now time.Time) (bool, error)
}

// Notifier доставляет уведомление об окончании подписки.
type Notifier interface {
	NotifyExpired(ctx context.Context, notice models.ExpiryNotice) error
}

// Result итог одного прохода.
type Result struct {
	Found        int
	Expired      int
	Notified     int
	NotifyFailed int
	ExpireFailed int
}

type SweeperService struct {
	repo     SubscriberRepository
	expirer  Expirer
	notifier Notifier
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewSweeperService создает новый экземпляр SweeperService.
func NewSweeperService(repo SubscriberRepository, expirer Expirer, notifier Notifier, log *slog.Logger, interval time.Duration) *SweeperService {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &SweeperService{
		repo:     repo,
		expirer:  expirer,
		notifier: notifier,
		log:      log,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Run выполняет проход сразу и далее по таймеру до отмены ctx.
// Вызывается один раз.
func (s *SweeperService) Run(ctx context.Context) {
	defer close(s.done)
	s.runSweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

// Done закрывается после выхода из Run.
func (s *SweeperService) Done() <-chan struct{} {
	return s.done
}

func (s *SweeperService) runSweep(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		s.log.Error("sweep failed", sl.Err(err))
		return
	}
	metrics.SweepRunsTotal.WithLabelValues(metrics.ResultOK).Inc()
	if res.Found == 0 {
		s.log.Info("no lapsed subscriptions found")
		return
	}
	s.log.Info("sweep finished",
		slog.Int("found", res.Found),
		slog.Int("expired", res.Expired),
		slog.Int("notified", res.Notified),
		slog.Int("notify_failed", res.NotifyFailed),
		slog.Int("expire_failed", res.ExpireFailed),
	)
}

// SweepOnce выполняет один проход. Ошибка выборки прерывает проход,
// ошибки отдельных строк и уведомлений только учитываются.
func (s *SweeperService) SweepOnce(ctx context.Context) (Result, error) {
	const op = "sweeper.SweepOnce"
	var res Result

	now := s.now()
	lapsed, err := s.repo.FindLapsed(ctx, now)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	res.Found = len(lapsed)

	for _, sub := range lapsed {
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		log := s.log.With(sl.Op(op), sl.UserID(sub.UserID))

		ok, err := s.expirer.Expire(ctx, sub.UserID, now)
		if err != nil {
			res.ExpireFailed++
			log.Error("failed to expire subscriber", sl.Err(err))
			continue
		}
		if !ok {
			log.Debug("subscriber renewed before expiration")
			continue
		}
		res.Expired++

		notice := models.ExpiryNotice{UserID: sub.UserID, PreviousPlan: sub.Plan}
		if err := s.notifier.NotifyExpired(ctx, notice); err != nil {
			res.NotifyFailed++
			metrics.ExpiryNotificationsTotal.WithLabelValues(metrics.ResultFailed).Inc()
			log.Warn("failed to notify expired subscriber", sl.Err(err))
			continue
		}
		res.Notified++
		metrics.ExpiryNotificationsTotal.WithLabelValues(metrics.ResultOK).Inc()
	}
	return res, nil
}
