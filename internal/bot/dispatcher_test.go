package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/signal-bot/internal/lib/telegram"
)

type recordingHandler struct {
	mu      sync.Mutex
	ids     []int
	active  int
	maxSeen int
	panicOn int
}

func (h *recordingHandler) Handle(_ context.Context, u telegram.Update) {
	h.mu.Lock()
	h.active++
	h.maxSeen = max(h.maxSeen, h.active)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.active--
		h.ids = append(h.ids, u.UpdateID)
		h.mu.Unlock()
	}()
	if u.UpdateID == h.panicOn {
		panic("boom")
	}
	time.Sleep(time.Millisecond)
}

func (h *recordingHandler) snapshot() ([]int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.ids...), h.maxSeen
}

func TestDispatcher_ProcessesInOrderOneAtATime(t *testing.T) {
	h := &recordingHandler{panicOn: 3}
	d := NewDispatcher(h, 16, newNoopLogger())

	for i := 1; i <= 10; i++ {
		require.NoError(t, d.Enqueue(context.Background(), telegram.Update{UpdateID: i}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		ids, _ := h.snapshot()
		return len(ids) == 10
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	ids, maxSeen := h.snapshot()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, ids)
	assert.Equal(t, 1, maxSeen)
	assert.ErrorIs(t, d.Enqueue(context.Background(), telegram.Update{UpdateID: 11}), ErrStopped)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := NewDispatcher(&recordingHandler{}, 1, newNoopLogger())

	require.NoError(t, d.Enqueue(context.Background(), telegram.Update{UpdateID: 1}))
	assert.ErrorIs(t, d.Enqueue(context.Background(), telegram.Update{UpdateID: 2}), ErrQueueFull)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h, 8, newNoopLogger())
	for i := 1; i <= 3; i++ {
		require.NoError(t, d.Enqueue(context.Background(), telegram.Update{UpdateID: i}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)

	ids, _ := h.snapshot()
	assert.Len(t, ids, 3)
}

// ctxRecorder запоминает, сколько обновлений пришло с уже отмененным контекстом.
type ctxRecorder struct {
	mu       sync.Mutex
	handled  int
	canceled int
}

func (h *ctxRecorder) Handle(ctx context.Context, _ telegram.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled++
	if ctx.Err() != nil {
		h.canceled++
	}
}

func TestDispatcher_HandlersNeverSeeCanceledContext(t *testing.T) {
	for run := 0; run < 50; run++ {
		h := &ctxRecorder{}
		d := NewDispatcher(h, 32, newNoopLogger())
		for i := 1; i <= 20; i++ {
			require.NoError(t, d.Enqueue(context.Background(), telegram.Update{UpdateID: i}))
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		d.Run(ctx)

		assert.Equal(t, 20, h.handled)
		assert.Zero(t, h.canceled)
	}
}

func TestDispatcher_AcceptedUpdatesSurviveShutdown(t *testing.T) {
	h := &ctxRecorder{}
	d := NewDispatcher(h, 1024, newNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if d.Enqueue(context.Background(), telegram.Update{UpdateID: w*1000 + i}) == nil {
					accepted.Add(1)
				}
			}
		}(w)
	}
	time.Sleep(time.Millisecond)
	cancel()
	wg.Wait()

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, int(accepted.Load()), h.handled)
	assert.Zero(t, h.canceled)
}

func TestDispatcher_EnqueueWithCanceledContext(t *testing.T) {
	d := NewDispatcher(&recordingHandler{}, 4, newNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, d.Enqueue(ctx, telegram.Update{UpdateID: 1}), context.Canceled)
}
