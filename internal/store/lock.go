package store

import (
	"time"

	"github.com/tierkv/tierkv/internal/value"
)

// Lock records live in the shard as ordinary map values so they flow through
// the same tiering, expiry, and persistence machinery as user data.
const (
	lockOwnerField    = "owner"
	lockAcquiredField = "acquired_at"
)

// LockValue builds the map value stored for a held lock.
func LockValue(owner string, acquiredAt time.Time) value.Value {
	return value.NewMap(map[string]value.Value{
		lockOwnerField:    value.NewString(owner),
		lockAcquiredField: value.NewInt(acquiredAt.UnixNano()),
	})
}

// lockOwner extracts the owner token from a stored lock record.
func lockOwner(v value.Value) (string, bool) {
	if v.Type != value.TypeMap {
		return "", false
	}
	owner, ok := v.Map[lockOwnerField]
	if !ok || owner.Type != value.TypeString {
		return "", false
	}
	return owner.Str, true
}

// AcquireLock takes the lock named by key for owner iff no live holder
// exists. A ttl of zero means the lock never expires on its own.
func (s *Shard) AcquireLock(key, owner string, ttl time.Duration, now time.Time) (bool, error) {
	return s.SetNX(key, LockValue(owner, now), ttl, now)
}

// ReleaseLock deletes the lock iff owner still holds it. The ownership check
// and the delete happen under one write lock acquisition.
func (s *Shard) ReleaseLock(key, owner string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntryLocked(key, now)
	if e == nil {
		return false
	}
	if holder, ok := lockOwner(e.Value); !ok || holder != owner {
		return false
	}
	return s.deleteLocked(key, now)
}

// ExtendLock pushes the lock's deadline to now+ttl iff owner still holds it.
// Returns the new absolute deadline in unix nanoseconds on success.
func (s *Shard) ExtendLock(key, owner string, ttl time.Duration, now time.Time) (bool, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveEntryLocked(key, now)
	if e == nil {
		return false, 0
	}
	if holder, ok := lockOwner(e.Value); !ok || holder != owner {
		return false, 0
	}
	if ttl > 0 {
		e.ExpireAt = now.Add(ttl)
		e.HasExpire = true
	} else {
		e.HasExpire = false
		e.ExpireAt = time.Time{}
	}
	e.Version++
	return true, deadlineNanos(e)
}
