package latches

import (
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydb/kv/transaction/bto"
	"github.com/stretchr/testify/assert"
)

func TestAcquireLatches(t *testing.T) {
	l := NewLatches()

	// Acquiring a new latch is ok.
	wg := l.AcquireLatches([]bto.ObjectID{0, 3, 42})
	assert.Nil(t, wg)

	// Can only acquire once.
	wg = l.AcquireLatches([]bto.ObjectID{0})
	assert.NotNil(t, wg)
	wg = l.AcquireLatches([]bto.ObjectID{42, 7})
	assert.NotNil(t, wg)

	// Release then acquire is ok.
	l.ReleaseLatches([]bto.ObjectID{3, 43})
	wg = l.AcquireLatches([]bto.ObjectID{3})
	assert.Nil(t, wg)
	wg = l.AcquireLatches([]bto.ObjectID{42})
	assert.NotNil(t, wg)
}

func TestWaitForLatches(t *testing.T) {
	l := NewLatches()
	objs := []bto.ObjectID{1, 2}
	l.WaitForLatches(objs)

	var (
		mu    sync.Mutex
		order []int
		done  = make(chan struct{})
	)
	go func() {
		l.WaitForLatches([]bto.ObjectID{2})
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		l.ReleaseLatches([]bto.ObjectID{2})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	l.ReleaseLatches(objs)
	<-done
	assert.Equal(t, []int{1, 2}, order)
}
