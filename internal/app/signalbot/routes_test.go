package signalbot

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

type stubQueue struct{ updates []telegram.Update }

func (q *stubQueue) Enqueue(_ context.Context, u telegram.Update) error {
	q.updates = append(q.updates, u)
	return nil
}

type stubStatus struct{}

func (stubStatus) Status(_ context.Context, userID int64) (models.Status, error) {
	if userID == 42 {
		return models.Status{Plan: models.PlanPremium, DaysLeft: 3}, nil
	}
	return models.Status{Plan: models.PlanNone}, nil
}

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error { return nil }

func newTestRouter(queue *stubQueue, limiter *rate.Limiter) http.Handler {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	return NewRouter(log, Routes{
		Queue:         queue,
		Status:        stubStatus{},
		Storage:       stubPinger{},
		StatusLimiter: limiter,
	})
}

func TestRoutes(t *testing.T) {
	queue := &stubQueue{}
	router := newTestRouter(queue, rate.NewLimiter(rate.Inf, 1))

	tests := []struct {
		name           string
		method         string
		path           string
		contentType    string
		body           string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "webhook accepts json",
			method:         http.MethodPost,
			path:           "/webhook",
			contentType:    "application/json",
			body:           `{"update_id":1}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "webhook rejects form",
			method:         http.MethodPost,
			path:           "/webhook",
			contentType:    "application/x-www-form-urlencoded",
			body:           "a=b",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "status known user",
			method:         http.MethodGet,
			path:           "/status/42",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"plan":"premium","days_left":3}`,
		},
		{
			name:           "status unknown user",
			method:         http.MethodGet,
			path:           "/status/100",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"plan":"none","days_left":0}`,
		},
		{
			name:           "status bad id",
			method:         http.MethodGet,
			path:           "/status/abc",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "health",
			method:         http.MethodGet,
			path:           "/health",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics",
			method:         http.MethodGet,
			path:           "/metrics",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rr := httptest.NewRecorder()

			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedBody != "" {
				assert.JSONEq(t, tt.expectedBody, rr.Body.String())
			}
		})
	}
	assert.Len(t, queue.updates, 1)
}

func TestRoutes_StatusIsRateLimited(t *testing.T) {
	router := newTestRouter(&stubQueue{}, rate.NewLimiter(rate.Limit(0.001), 1))

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/status/42", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/status/42", nil))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	health := httptest.NewRecorder()
	router.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}
