package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/magabrotheeeer/signal-bot/internal/migrations"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

// setupTestDB поднимает PostgreSQL в контейнере и применяет миграции.
func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storage, err := New(dsn, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	migrationsPath, err := filepath.Abs("../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, migrationsPath))

	return storage
}

func ptr(t time.Time) *time.Time { return &t }

func userIDs(subs []*models.Subscriber) []int64 {
	ids := make([]int64, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.UserID)
	}
	return ids
}

func TestStorage_Subscribers(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("unknown subscriber", func(t *testing.T) {
		_, err := s.GetSubscriber(ctx, 999)
		assert.ErrorIs(t, err, ErrSubscriberNotFound)
	})

	t.Run("upsert is last write wins", func(t *testing.T) {
		first := now.Add(24 * time.Hour)
		second := now.Add(30 * 24 * time.Hour)
		require.NoError(t, s.UpsertSubscriber(ctx, 10, models.PlanFree, ptr(first)))
		require.NoError(t, s.UpsertSubscriber(ctx, 10, models.PlanFree, ptr(second)))

		got, err := s.GetSubscriber(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, models.PlanFree, got.Plan)
		require.NotNil(t, got.Expiry)
		assert.WithinDuration(t, second, *got.Expiry, time.Millisecond)

		var count int
		require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM subscribers WHERE user_id = 10`).Scan(&count))
		assert.Equal(t, 1, count)
	})

	t.Run("null expiry round trip", func(t *testing.T) {
		require.NoError(t, s.UpsertSubscriber(ctx, 11, models.PlanFree, nil))
		got, err := s.GetSubscriber(ctx, 11)
		require.NoError(t, err)
		assert.Nil(t, got.Expiry)
	})
}

func TestStorage_ListSubscribers(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	future := ptr(now.Add(10 * 24 * time.Hour))

	require.NoError(t, s.UpsertSubscriber(ctx, 1, models.PlanPro, future))
	require.NoError(t, s.UpsertSubscriber(ctx, 2, models.PlanPremium, future))
	require.NoError(t, s.UpsertSubscriber(ctx, 3, models.PlanExpired, future))
	require.NoError(t, s.UpsertSubscriber(ctx, 4, models.PlanFree, nil))
	// срок истек, но фоновая проверка еще не отработала
	require.NoError(t, s.UpsertSubscriber(ctx, 5, models.PlanPro, ptr(now.Add(-time.Minute))))

	tests := []struct {
		target models.Target
		want   []int64
	}{
		{target: models.TargetPro, want: []int64{1}},
		{target: models.TargetPremium, want: []int64{2}},
		{target: models.TargetFree, want: []int64{4}},
		{target: models.TargetAll, want: []int64{1, 2, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.target.String(), func(t *testing.T) {
			got, err := s.ListSubscribers(ctx, tt.target, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, userIDs(got))
		})
	}
}

func TestStorage_Expiration(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertSubscriber(ctx, 1, models.PlanPro, ptr(now.Add(-time.Second))))
	require.NoError(t, s.UpsertSubscriber(ctx, 2, models.PlanPremium, ptr(now.Add(time.Hour))))
	require.NoError(t, s.UpsertSubscriber(ctx, 3, models.PlanFree, nil))

	lapsed, err := s.FindLapsed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, userIDs(lapsed))

	ok, err := s.MarkExpired(ctx, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkExpired(ctx, 1, now)
	require.NoError(t, err)
	assert.False(t, ok, "second transition must be a no-op")

	got, err := s.GetSubscriber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.PlanExpired, got.Plan)

	lapsed, err = s.FindLapsed(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, lapsed)
}

func TestStorage_MarkExpiredDoesNotOverwriteRenewal(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertSubscriber(ctx, 7, models.PlanPro, ptr(now.Add(-time.Second))))
	lapsed, err := s.FindLapsed(ctx, now)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)

	// продление приходит между выборкой и обновлением
	require.NoError(t, s.UpsertSubscriber(ctx, 7, models.PlanPremium, ptr(now.Add(30*24*time.Hour))))

	ok, err := s.MarkExpired(ctx, 7, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSubscriber(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPremium, got.Plan)
}

func TestStorage_ConcurrentUpserts(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	expiry := ptr(time.Now().Add(time.Hour))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			assert.NoError(t, s.UpsertSubscriber(ctx, id%5, models.PlanPro, expiry))
		}(int64(i))
	}
	wg.Wait()

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM subscribers`).Scan(&count))
	assert.Equal(t, 5, count)
}
