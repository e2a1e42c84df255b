// Package status отдает мини-приложению тариф пользователя и число оставшихся дней.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/signal-bot/internal/http/response"
	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/models"
)

// Service описывает получение статуса подписки.
type Service interface {
	Status(ctx context.Context, userID int64) (models.Status, error)
}

type request struct {
	UserID string `validate:"required,numeric"`
}

// Handler обрабатывает GET /status/{user_id}.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP отвечает {"plan": ..., "days_left": n}. Неизвестный пользователь
// получает {"plan":"none","days_left":0}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.status"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	req := request{UserID: chi.URLParam(r, "user_id")}
	if err := h.validate.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		log.Warn("invalid user id", slog.String("user_id", req.UserID))
		render.Status(r, http.StatusBadRequest)
		if errors.As(err, &validationErrs) {
			render.JSON(w, r, response.ValidationError(validationErrs))
			return
		}
		render.JSON(w, r, response.Error("invalid user id"))
		return
	}
	userID, err := strconv.ParseInt(req.UserID, 10, 64)
	if err != nil {
		log.Warn("invalid user id", slog.String("user_id", req.UserID), sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid user id"))
		return
	}

	st, err := h.service.Status(r.Context(), userID)
	if err != nil {
		log.Error("failed to get status", sl.UserID(userID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not get status"))
		return
	}

	render.JSON(w, r, st)
}
