// Package webhook принимает обновления Telegram и ставит их в очередь обработки.
// Ответ 200 отдается сразу после постановки в очередь, независимо от результата обработки.
package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/signal-bot/internal/http/response"
	"github.com/magabrotheeeer/signal-bot/internal/lib/sl"
	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
)

// SecretHeader заголовок с секретом, заданным при регистрации вебхука.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBodySize = 1 << 20

// Queue принимает обновления на обработку.
type Queue interface {
	Enqueue(ctx context.Context, u telegram.Update) error
}

// Handler обрабатывает POST /webhook.
type Handler struct {
	log    *slog.Logger
	queue  Queue
	secret string
}

// New создает Handler. Пустой secret отключает проверку заголовка.
func New(log *slog.Logger, queue Queue, secret string) *Handler {
	return &Handler{
		log:    log,
		queue:  queue,
		secret: secret,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.webhook"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn("rejected non json request", slog.String("content_type", r.Header.Get("Content-Type")))
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("forbidden"))
		return
	}

	if h.secret != "" && !hmac.Equal([]byte(r.Header.Get(SecretHeader)), []byte(h.secret)) {
		log.Warn("rejected request with invalid secret token")
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, response.Error("forbidden"))
		return
	}

	var update telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&update); err != nil {
		log.Error("failed to decode update", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to decode request"))
		return
	}

	if err := h.queue.Enqueue(r.Context(), update); err != nil {
		log.Error("failed to enqueue update", slog.Int("update_id", update.UpdateID), sl.Err(err))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("busy"))
		return
	}

	log.Debug("update enqueued", slog.Int("update_id", update.UpdateID))
	render.JSON(w, r, response.OK())
}
