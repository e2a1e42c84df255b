// Package signalbot собирает основное приложение бота: хранилище, кэш,
// клиент Telegram, сервисы, очередь обновлений, фоновую проверку и HTTP-сервер.
package signalbot

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/signal-bot/internal/http/handlers/health"
	"github.com/magabrotheeeer/signal-bot/internal/http/handlers/status"
	"github.com/magabrotheeeer/signal-bot/internal/http/handlers/webhook"
	"github.com/magabrotheeeer/signal-bot/internal/http/middlewarectx"
)

// Routes зависимости HTTP-маршрутов.
type Routes struct {
	Queue         webhook.Queue
	WebhookSecret string
	Status        status.Service
	Storage       health.Pinger
	StatusLimiter *rate.Limiter
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, deps Routes) {
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Post("/webhook", webhook.New(logger, deps.Queue, deps.WebhookSecret).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middlewarectx.RateLimitMiddleware(logger, deps.StatusLimiter))
		r.Get("/status/{user_id}", status.New(logger, deps.Status).ServeHTTP)
	})

	r.Get("/health", health.New(logger, deps.Storage).ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
}

// NewRouter создает chi-роутер с зарегистрированными маршрутами.
func NewRouter(logger *slog.Logger, deps Routes) http.Handler {
	router := chi.NewRouter()
	RegisterRoutes(router, logger, deps)
	return router
}
