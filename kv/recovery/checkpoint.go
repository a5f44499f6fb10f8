package recovery

import (
	"os"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydb/kv/util"
	"github.com/pingcap/errors"
)

// Checkpoint pauses every log writer, flushes the registered Flusher, appends the buffered
// entries and a CHECKPOINT marker holding the active set to the durable log, and clears the
// buffer. On failure the buffer is kept so the next checkpoint retries it.
func (m *Manager) Checkpoint() error {
	start := time.Now()
	m.gate.Lock()
	defer m.gate.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkpointLocked(); err != nil {
		checkpointCounter.WithLabelValues("fail").Inc()
		return err
	}
	checkpointCounter.WithLabelValues("ok").Inc()
	checkpointDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (m *Manager) checkpointLocked() error {
	if m.flusher != nil {
		if err := m.flusher.Flush(); err != nil {
			return errors.Annotate(err, "flush storage")
		}
	}

	marker := &Entry{Event: EventCheckpoint, Timestamp: time.Now(), Active: m.activeLocked()}
	entries := make([]*Entry, 0, len(m.buffer)+1)
	entries = append(entries, m.buffer...)
	entries = append(entries, marker)

	f, err := os.OpenFile(m.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	if err = writeEntries(f, entries); err == nil {
		err = errors.WithStack(f.Sync())
	}
	if cerr := f.Close(); err == nil {
		err = errors.WithStack(cerr)
	}
	if err != nil {
		return err
	}

	log.Debugf("checkpoint flushed %d entries, active %v", len(m.buffer), marker.Active)
	m.buffer = nil
	if size, err := util.GetFileSize(m.path); err == nil {
		logSizeGauge.Set(float64(size))
	}
	return nil
}
