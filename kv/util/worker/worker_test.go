package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countHandler struct {
	mu      sync.Mutex
	started bool
	tasks   []Task
}

func (h *countHandler) Start() {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
}

func (h *countHandler) Handle(t Task) {
	h.mu.Lock()
	h.tasks = append(h.tasks, t)
	h.mu.Unlock()
}

func (h *countHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func TestWorker(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("test", wg)
	h := new(countHandler)
	w.Start(h)

	require.True(t, w.Schedule("a"))
	w.Sender() <- "b"
	w.Stop()
	wg.Wait()

	assert.True(t, h.started)
	assert.Equal(t, []Task{"a", "b"}, h.tasks)
	// Stopped workers refuse new work and Stop is idempotent.
	assert.False(t, w.Schedule("c"))
	w.Stop()
}

func TestTick(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("ticker", wg)
	h := new(countHandler)
	w.Start(h)
	w.Tick(5*time.Millisecond, "tick")

	deadline := time.Now().Add(2 * time.Second)
	for h.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()
	wg.Wait()
	assert.True(t, h.count() >= 3)
}
