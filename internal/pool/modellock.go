package pool

import (
	"sync"
	"time"
)

// defaultModelLockTTL is how long a (connection, model) pair stays excluded
// after a per-model 429 on a multi-bucket provider.
const defaultModelLockTTL = 5 * time.Minute

// modelLocks is a process-local TTL map keyed connectionID+":"+model.
// Entries are written under the machine mutex, read lock-free and cleaned
// lazily on read. Locks are intentionally lost on restart.
type modelLocks struct {
	m sync.Map // string → time.Time expiry
}

func (l *modelLocks) lock(connID, model string, until time.Time) {
	l.m.Store(connID+":"+model, until)
}

func (l *modelLocks) locked(connID, model string, now time.Time) bool {
	key := connID + ":" + model
	v, ok := l.m.Load(key)
	if !ok {
		return false
	}
	if now.After(v.(time.Time)) {
		l.m.Delete(key)
		return false
	}
	return true
}
