package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/signal-bot/internal/metrics"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) FindLapsed(ctx context.Context, now time.Time) ([]*models.Subscriber, error) {
	args := m.Called(ctx, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Subscriber), args.Error(1)
}

type MockExpirer struct {
	mock.Mock
}

func (m *MockExpirer) Expire(ctx context.Context, userID int64, now time.Time) (bool, error) {
	args := m.Called(ctx, userID, now)
	return args.Bool(0), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyExpired(ctx context.Context, notice models.ExpiryNotice) error {
	return m.Called(ctx, notice).Error(0)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

var now = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestSweeper(r *MockRepository, e *MockExpirer, n *MockNotifier) *SweeperService {
	s := NewSweeperService(r, e, n, newNoopLogger(), time.Hour)
	s.now = func() time.Time { return now }
	return s
}

func TestSweeperService_SweepOnce(t *testing.T) {
	lapsed := now.Add(-time.Second)
	proUser := &models.Subscriber{UserID: 1, Plan: models.PlanPro, Expiry: &lapsed}
	freeUser := &models.Subscriber{UserID: 2, Plan: models.PlanFree, Expiry: &lapsed}

	tests := []struct {
		name       string
		setupMocks func(r *MockRepository, e *MockExpirer, n *MockNotifier)
		want       Result
		wantErr    bool
	}{
		{
			name: "expires and notifies",
			setupMocks: func(r *MockRepository, e *MockExpirer, n *MockNotifier) {
				r.On("FindLapsed", mock.Anything, now).Return([]*models.Subscriber{proUser}, nil).Once()
				e.On("Expire", mock.Anything, int64(1), now).Return(true, nil).Once()
				n.On("NotifyExpired", mock.Anything, models.ExpiryNotice{UserID: 1, PreviousPlan: models.PlanPro}).Return(nil).Once()
			},
			want: Result{Found: 1, Expired: 1, Notified: 1},
		},
		{
			name: "notification failure keeps transition",
			setupMocks: func(r *MockRepository, e *MockExpirer, n *MockNotifier) {
				r.On("FindLapsed", mock.Anything, now).Return([]*models.Subscriber{proUser, freeUser}, nil).Once()
				e.On("Expire", mock.Anything, int64(1), now).Return(true, nil).Once()
				e.On("Expire", mock.Anything, int64(2), now).Return(true, nil).Once()
				n.On("NotifyExpired", mock.Anything, models.ExpiryNotice{UserID: 1, PreviousPlan: models.PlanPro}).
					Return(errors.New("bot was blocked")).Once()
				n.On("NotifyExpired", mock.Anything, models.ExpiryNotice{UserID: 2, PreviousPlan: models.PlanFree}).Return(nil).Once()
			},
			want: Result{Found: 2, Expired: 2, Notified: 1, NotifyFailed: 1},
		},
		{
			name: "renewed concurrently is skipped",
			setupMocks: func(r *MockRepository, e *MockExpirer, _ *MockNotifier) {
				r.On("FindLapsed", mock.Anything, now).Return([]*models.Subscriber{proUser}, nil).Once()
				e.On("Expire", mock.Anything, int64(1), now).Return(false, nil).Once()
			},
			want: Result{Found: 1},
		},
		{
			name: "row error does not abort sweep",
			setupMocks: func(r *MockRepository, e *MockExpirer, n *MockNotifier) {
				r.On("FindLapsed", mock.Anything, now).Return([]*models.Subscriber{proUser, freeUser}, nil).Once()
				e.On("Expire", mock.Anything, int64(1), now).Return(false, errors.New("db timeout")).Once()
				e.On("Expire", mock.Anything, int64(2), now).Return(true, nil).Once()
				n.On("NotifyExpired", mock.Anything, mock.Anything).Return(nil).Once()
			},
			want: Result{Found: 2, Expired: 1, Notified: 1, ExpireFailed: 1},
		},
		{
			name: "store error",
			setupMocks: func(r *MockRepository, _ *MockExpirer, _ *MockNotifier) {
				r.On("FindLapsed", mock.Anything, now).Return(nil, errors.New("db down")).Once()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, e, n := new(MockRepository), new(MockExpirer), new(MockNotifier)
			tt.setupMocks(r, e, n)
			s := newTestSweeper(r, e, n)

			got, err := s.SweepOnce(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				e.AssertNotCalled(t, "Expire", mock.Anything, mock.Anything, mock.Anything)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			r.AssertExpectations(t)
			e.AssertExpectations(t)
			n.AssertExpectations(t)
		})
	}
}

func TestSweeperService_SecondSweepIsNoop(t *testing.T) {
	lapsed := now.Add(-time.Second)
	r, e, n := new(MockRepository), new(MockExpirer), new(MockNotifier)
	r.On("FindLapsed", mock.Anything, now).
		Return([]*models.Subscriber{{UserID: 1, Plan: models.PlanPro, Expiry: &lapsed}}, nil).Once()
	r.On("FindLapsed", mock.Anything, now).Return([]*models.Subscriber{}, nil).Once()
	e.On("Expire", mock.Anything, int64(1), now).Return(true, nil).Once()
	n.On("NotifyExpired", mock.Anything, mock.Anything).Return(nil).Once()
	s := newTestSweeper(r, e, n)

	first, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Expired)

	second, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	e.AssertNumberOfCalls(t, "Expire", 1)
	n.AssertNumberOfCalls(t, "NotifyExpired", 1)
}

func TestSweeperService_RunStopsOnCancel(t *testing.T) {
	r, e, n := new(MockRepository), new(MockExpirer), new(MockNotifier)
	called := make(chan struct{}, 1)
	r.On("FindLapsed", mock.Anything, now).Run(func(mock.Arguments) {
		select {
		case called <- struct{}{}:
		default:
		}
	}).Return([]*models.Subscriber{}, nil)
	s := newTestSweeper(r, e, n)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run(ctx)
	}()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("initial sweep did not run")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done is not closed after Run returned")
	}
}

func TestSweeperService_RunSweepRecordsMetrics(t *testing.T) {
	okRuns := metrics.SweepRunsTotal.WithLabelValues(metrics.ResultOK)
	failedRuns := metrics.SweepRunsTotal.WithLabelValues(metrics.ResultFailed)
	okBefore := testutil.ToFloat64(okRuns)
	failedBefore := testutil.ToFloat64(failedRuns)

	r, e, n := new(MockRepository), new(MockExpirer), new(MockNotifier)
	r.On("FindLapsed", mock.Anything, now).Return([]*models.Subscriber{}, nil).Once()
	r.On("FindLapsed", mock.Anything, now).Return(nil, errors.New("db down")).Once()
	s := newTestSweeper(r, e, n)

	s.runSweep(context.Background())
	s.runSweep(context.Background())

	assert.Equal(t, okBefore+1, testutil.ToFloat64(okRuns))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failedRuns))
}
