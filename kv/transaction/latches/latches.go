package latches

import (
	"sync"

	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
)

// Latching makes one statement atomic with respect to the other statements on the same data
// object: the validation, the log entries and the buffer mutation of a write happen while the
// statement holds the latch of its object, so the DATA entries of an object appear in the log
// in validation order.
//
// This is not a transaction lock. A latch is held for the duration of a single statement and
// never across statements, and the timestamp-ordering protocol still decides which accesses
// are allowed.
//
// Latching is implemented with a single map from object to a WaitGroup guarded by a mutex.
// All the latches of a statement are taken at once.
type Latches struct {
	// latchMap maps each latched object to the WaitGroup its waiters block on.
	latchMap map[bto.ObjectID]*sync.WaitGroup
	// latchGuard guards latchMap.
	latchGuard sync.Mutex
}

func NewLatches() *Latches {
	l := new(Latches)
	l.latchMap = make(map[bto.ObjectID]*sync.WaitGroup)
	return l
}

// AcquireLatches tries to latch every object of objs. It returns nil on success, or the
// WaitGroup of a latch already held, in which case nothing is latched.
func (l *Latches) AcquireLatches(objs []bto.ObjectID) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, obj := range objs {
		if latchWg, ok := l.latchMap[obj]; ok {
			return latchWg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, obj := range objs {
		l.latchMap[obj] = wg
	}
	return nil
}

// ReleaseLatches releases the latches of objs, which must have been acquired together.
func (l *Latches) ReleaseLatches(objs []bto.ObjectID) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, obj := range objs {
		if first {
			if wg, ok := l.latchMap[obj]; ok {
				wg.Done()
			}
			first = false
		}
		delete(l.latchMap, obj)
	}
}

// WaitForLatches blocks until every object of objs is latched by the caller.
func (l *Latches) WaitForLatches(objs []bto.ObjectID) {
	for {
		wg := l.AcquireLatches(objs)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}
