// Package lock provides short-lived per-key mutual exclusion used to keep two
// edits of the same generation from running at once.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the key.
var ErrLocked = errors.New("lock held")

// Locker acquires a key without waiting. The returned release func is safe to
// call more than once. ttl bounds how long a crashed holder can block others.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Memory is an in-process Locker. It only serializes callers within one
// process; use Redis when several replicas serve the same users.
type Memory struct {
	mu   sync.Mutex
	held map[string]memEntry
	seq  uint64
	now  func() time.Time
}

type memEntry struct {
	token   uint64
	expires time.Time
}

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memEntry), now: time.Now}
}

// TryLock implements Locker.
func (m *Memory) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, ErrLocked
	}
	m.seq++
	e := memEntry{token: m.seq}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	m.held[key] = e

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// An expired lock may have been taken over; only drop our own.
			if cur, ok := m.held[key]; ok && cur.token == e.token {
				delete(m.held, key)
			}
		})
	}, nil
}
