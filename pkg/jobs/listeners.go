package jobs

import (
	"sync"

	"github.com/albinc92/grok-bud/pkg/domain"
)

type listener struct {
	id uint64
	fn func(domain.VideoJob)
}

// OnUpdate registers fn for every terminal job transition. Listeners run
// synchronously in registration order; a panic in one is recovered and
// logged. The returned func deregisters fn and may be called any number of
// times from any goroutine.
func (m *Manager) OnUpdate(fn func(domain.VideoJob)) func() {
	m.listenerMu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenerMu.Lock()
			defer m.listenerMu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Manager) notify(job domain.VideoJob) {
	m.listenerMu.RLock()
	snapshot := append([]listener(nil), m.listeners...)
	m.listenerMu.RUnlock()
	for _, l := range snapshot {
		m.call(l, job)
	}
}

func (m *Manager) call(l listener, job domain.VideoJob) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("video job listener panicked", "job_id", job.ID, "listener", l.id, "panic", r)
		}
	}()
	l.fn(job)
}
