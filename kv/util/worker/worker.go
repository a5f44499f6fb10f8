package worker

import (
	"sync"
	"time"

	"github.com/ngaut/log"
)

type TaskStop struct{}

type Task interface{}

// Worker runs tasks one at a time on its own goroutine.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	closeCh  chan struct{}
	stopOnce sync.Once
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				log.Debugf("worker %s stopped", w.name)
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Schedule queues t without blocking. It returns false when the queue is full or the worker
// is stopping.
func (w *Worker) Schedule(t Task) bool {
	select {
	case <-w.closeCh:
		return false
	default:
	}
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

// Tick schedules task every interval until the worker stops. A task that finds the queue
// full is dropped, the next tick will try again.
func (w *Worker) Tick(interval time.Duration, task Task) {
	if interval <= 0 {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !w.Schedule(task) {
					log.Debugf("worker %s busy, skip tick", w.name)
				}
			case <-w.closeCh:
				return
			}
		}
	}()
}

// Stop asks the worker to exit after the tasks already queued.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.closeCh)
		w.sender <- TaskStop{}
	})
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		closeCh:  make(chan struct{}),
		name:     name,
		wg:       wg,
	}
}
