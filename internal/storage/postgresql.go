// Package storage реализует хранилище подписчиков на основе PostgreSQL.
// Все записи выполняются одним атомарным SQL-выражением на строку,
// поэтому конкурентные обращения обработчика обновлений и фоновой
// проверки сериализуются самой базой.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/magabrotheeeer/signal-bot/internal/models"
)

// ErrSubscriberNotFound возвращается, если подписчика нет в базе.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// Storage инкапсулирует соединение с базой данных PostgreSQL.
type Storage struct {
	DB      *sql.DB
	timeout time.Duration
}

// New создаёт подключение к PostgreSQL. timeout ограничивает каждый запрос.
func New(storageConnectionString string, timeout time.Duration) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Storage{DB: db, timeout: timeout}
	if err = s.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s, nil
}

// Ping проверяет доступность базы.
func (s *Storage) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.DB.PingContext(ctx)
}

// Close закрывает пул соединений.
func (s *Storage) Close() error {
	return s.DB.Close()
}

// GetSubscriber возвращает подписчика по идентификатору Telegram.
func (s *Storage) GetSubscriber(ctx context.Context, userID int64) (*models.Subscriber, error) {
	const op = "storage.GetSubscriber"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT user_id, plan, expiry, updated_at
			  FROM subscribers
			  WHERE user_id = $1`
	var (
		sub    models.Subscriber
		plan   string
		expiry sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, query, userID).Scan(&sub.UserID, &plan, &expiry, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub.Plan = models.Plan(plan)
	if expiry.Valid {
		sub.Expiry = &expiry.Time
	}
	return &sub, nil
}

// UpsertSubscriber создаёт или полностью перезаписывает строку подписчика.
func (s *Storage) UpsertSubscriber(ctx context.Context, userID int64, plan models.Plan, expiry *time.Time) error {
	const op = "storage.UpsertSubscriber"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO subscribers (user_id, plan, expiry, updated_at)
			  VALUES ($1, $2, $3, NOW())
			  ON CONFLICT (user_id) DO UPDATE
			  SET plan = EXCLUDED.plan,
			      expiry = EXCLUDED.expiry,
			      updated_at = EXCLUDED.updated_at`
	if _, err := s.DB.ExecContext(ctx, query, userID, string(plan), nullTime(expiry)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListSubscribers возвращает получателей рассылки для цели target.
// Подписчики с тарифом expired и с уже прошедшим сроком не возвращаются никогда.
func (s *Storage) ListSubscribers(ctx context.Context, target models.Target, now time.Time) ([]*models.Subscriber, error) {
	const op = "storage.ListSubscribers"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT user_id, plan, expiry, updated_at
			  FROM subscribers
			  WHERE plan <> 'expired'
			    AND ($1::text = 'all' OR plan = $1::text)
			    AND (expiry IS NULL OR expiry >= $2)
			  ORDER BY user_id`
	rows, err := s.DB.QueryContext(ctx, query, string(target), now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result, err := scanSubscribers(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// FindLapsed возвращает подписчиков с истекшим сроком, еще не переведенных в expired.
func (s *Storage) FindLapsed(ctx context.Context, now time.Time) ([]*models.Subscriber, error) {
	const op = "storage.FindLapsed"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT user_id, plan, expiry, updated_at
			  FROM subscribers
			  WHERE plan <> 'expired'
			    AND expiry IS NOT NULL
			    AND expiry < $1
			  ORDER BY user_id`
	rows, err := s.DB.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	result, err := scanSubscribers(rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// MarkExpired переводит подписчика в expired, только если его срок по-прежнему истек.
// Возвращает false, если строка была продлена между выборкой и обновлением.
func (s *Storage) MarkExpired(ctx context.Context, userID int64, now time.Time) (bool, error) {
	const op = "storage.MarkExpired"
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `UPDATE subscribers
			  SET plan = 'expired', updated_at = NOW()
			  WHERE user_id = $1
			    AND plan <> 'expired'
			    AND expiry IS NOT NULL
			    AND expiry < $2`
	res, err := s.DB.ExecContext(ctx, query, userID, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return rowsAffected == 1, nil
}

func scanSubscribers(rows *sql.Rows) ([]*models.Subscriber, error) {
	var result []*models.Subscriber
	for rows.Next() {
		var (
			sub    models.Subscriber
			plan   string
			expiry sql.NullTime
		)
		if err := rows.Scan(&sub.UserID, &plan, &expiry, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		sub.Plan = models.Plan(plan)
		if expiry.Valid {
			sub.Expiry = &expiry.Time
		}
		result = append(result, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
