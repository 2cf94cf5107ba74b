package version

import (
	"context"
	"sync"

	"github.com/jmgilman/go/errors"
)

// Lease pins a generation for the duration of a request
type Lease struct {
	m    *Manager
	gen  uint64
	once sync.Once
}

// Acquire pins the active generation
func (m *Manager) Acquire() (*Lease, error) {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()

	if m.active == 0 {
		return nil, errors.New(errors.CodeUnavailable, "no active cache generation")
	}
	m.holders[m.active]++
	return &Lease{m: m, gen: m.active}, nil
}

// Generation pinned by the lease
func (l *Lease) Generation() uint64 {
	return l.gen
}

// Retain pins the same generation again for work outliving the request
func (l *Lease) Retain() *Lease {
	l.m.leaseMu.Lock()
	defer l.m.leaseMu.Unlock()
	l.m.holders[l.gen]++
	return &Lease{m: l.m, gen: l.gen}
}

// Release unpins the generation. Releasing the last lease of a superseded
// generation purges it before returning.
func (l *Lease) Release() {
	l.once.Do(func() {
		m := l.m
		m.leaseMu.Lock()
		m.holders[l.gen]--
		purge := m.holders[l.gen] <= 0 && m.retired[l.gen]
		if m.holders[l.gen] <= 0 {
			delete(m.holders, l.gen)
		}
		if purge {
			delete(m.retired, l.gen)
		}
		m.leaseMu.Unlock()

		if purge {
			ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
			defer cancel()
			m.purge(ctx, l.gen)
		}
	})
}

// Holders returns the number of leases on gen
func (m *Manager) Holders(gen uint64) int {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	return m.holders[gen]
}
