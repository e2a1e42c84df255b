package bot

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
	"github.com/magabrotheeeer/signal-bot/internal/metrics"
)

var (
	// ErrQueueFull очередь обновлений заполнена.
	ErrQueueFull = errors.New("update queue is full")
	// ErrStopped обработчик очереди уже остановлен.
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler обрабатывает одно обновление.
type Handler interface {
	Handle(ctx context.Context, u telegram.Update)
}

// Dispatcher передает обновления обработчику по одному в порядке поступления.
type Dispatcher struct {
	handler Handler
	queue   chan telegram.Update
	done    chan struct{}
	log     *slog.Logger

	// mu разделяет постановку в очередь и остановку: после stopped=true
	// в буфер ничего не попадает.
	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(handler Handler, size int, log *slog.Logger) *Dispatcher {
	if size <= 0 {
		size = 100
	}
	return &Dispatcher{
		handler: handler,
		queue:   make(chan telegram.Update, size),
		done:    make(chan struct{}),
		log:     log,
	}
}

// Enqueue ставит обновление в очередь без ожидания.
// Принятое обновление будет обработано даже при остановке.
func (d *Dispatcher) Enqueue(ctx context.Context, u telegram.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- u:
		metrics.QueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Run обрабатывает очередь до отмены ctx. Обработчики получают контекст,
// не отменяемый при остановке, чтобы принятые обновления не терялись.
// Уже принятые обновления дообрабатываются перед выходом.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case u := <-d.queue:
			d.handle(handleCtx, u)
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			d.mu.Unlock()
			d.drain(handleCtx)
			d.log.Info("dispatcher stopped")
			return
		}
	}
}

// Done закрывается после остановки Run.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case u := <-d.queue:
			d.handle(ctx, u)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, u telegram.Update) {
	metrics.QueueDepth.Dec()
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("panic while handling update", slog.Int("update_id", u.UpdateID), slog.Any("panic", rec))
		}
	}()
	d.handler.Handle(ctx, u)
}
