package lockwaiter

import (
	"context"
	"sync"
	"time"

	"github.com/ngaut/log"
)

// Manager keeps, for every running transaction, the queue of transactions that were denied
// because of it. A queue is released as a whole when its transaction ends.
type Manager struct {
	mu            sync.Mutex
	running       map[uint64]struct{}
	waitingQueues map[uint64]*queue
}

func NewManager() *Manager {
	return &Manager{
		running:       map[uint64]struct{}{},
		waitingQueues: map[uint64]*queue{},
	}
}

type queue struct {
	waiters []*Waiter
}

// removeWaiter removes the correspond waiter from pending array
// it should be used under map lock protection
func (q *queue) removeWaiter(w *Waiter) {
	for i, waiter := range q.waiters {
		if waiter == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
}

type Waiter struct {
	timeout  time.Duration
	ch       chan WaitResult
	StartTS  uint64
	LockTS   uint64
	ObjectID uint64
}

type Position int

type WaitResult struct {
	// Position is the wake-up order inside the queue, or one of WaitTimeout, WaitCanceled.
	Position Position
}

const (
	WaitTimeout  Position = -1
	WaitCanceled Position = -2
)

// Released reports whether the waiter was woken by the end of the blocking transaction.
func (r WaitResult) Released() bool {
	return r.Position >= 0
}

// Wait blocks until the blocking transaction ends, the timeout fires or ctx is done.
// A zero timeout waits without limit.
func (w *Waiter) Wait(ctx context.Context) WaitResult {
	var timeoutCh <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case result := <-w.ch:
		return result
	case <-timeoutCh:
		return WaitResult{Position: WaitTimeout}
	case <-ctx.Done():
		return WaitResult{Position: WaitCanceled}
	}
}

// Register marks txn as running so waiters can queue on it.
func (lw *Manager) Register(txn uint64) {
	lw.mu.Lock()
	lw.running[txn] = struct{}{}
	lw.mu.Unlock()
}

// NewWaiter queues startTS behind lockTS. If lockTS is not running any more the waiter is
// released immediately.
func (lw *Manager) NewWaiter(startTS, lockTS, objectID uint64, timeout time.Duration) *Waiter {
	// allocate memory before hold the lock.
	waiter := &Waiter{
		timeout:  timeout,
		ch:       make(chan WaitResult, 1),
		StartTS:  startTS,
		LockTS:   lockTS,
		ObjectID: objectID,
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, ok := lw.running[lockTS]; !ok {
		waiter.ch <- WaitResult{Position: 0}
		return waiter
	}
	q, ok := lw.waitingQueues[lockTS]
	if !ok {
		q = &queue{waiters: make([]*Waiter, 0, 8)}
		lw.waitingQueues[lockTS] = q
	}
	q.waiters = append(q.waiters, waiter)
	return waiter
}

// WakeUp marks txn as finished and wakes up every waiter queued on it.
func (lw *Manager) WakeUp(txn uint64) {
	lw.mu.Lock()
	delete(lw.running, txn)
	q := lw.waitingQueues[txn]
	delete(lw.waitingQueues, txn)
	lw.mu.Unlock()

	if q == nil || len(q.waiters) == 0 {
		return
	}
	for i, w := range q.waiters {
		w.ch <- WaitResult{Position: Position(i)}
	}
	log.Debugf("wakeup %d txns blocked by txn %d", len(q.waiters), txn)
}

// CleanUp removes a waiter from waitingQueues when wait timeout or is canceled.
func (lw *Manager) CleanUp(w *Waiter) {
	lw.mu.Lock()
	q := lw.waitingQueues[w.LockTS]
	if q != nil {
		q.removeWaiter(w)
		if len(q.waiters) == 0 {
			delete(lw.waitingQueues, w.LockTS)
		}
	}
	lw.mu.Unlock()
}

// Waiting returns the number of waiters queued on txn.
func (lw *Manager) Waiting(txn uint64) int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if q := lw.waitingQueues[txn]; q != nil {
		return len(q.waiters)
	}
	return 0
}
