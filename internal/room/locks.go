package room

import (
	"context"
	"encoding/json"
	"time"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
)

func durationSeconds(s int64) time.Duration { return time.Duration(s) * time.Second }

// DefaultLockTTLSeconds is used when a Lock caller doesn't specify a TTL.
const DefaultLockTTLSeconds = 300

// Lock acquires an at-most-one-holder lock on resource (spec §4.1.4),
// normalized against basePath first so no caller can lock a path outside
// the room's project tree.
func (e *Engine) Lock(ctx context.Context, owner, resource string, ttlSeconds int64) (*Lock, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultLockTTLSeconds
	}
	normalized, err := normalizeResource(e.basePath, resource)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	acquired, err := e.backend.AcquireLock(ctx, lockKeyForBackend(normalized), ttlSeconds, owner)
	if err != nil {
		return nil, masceerr.NewIoError("acquire lock", err)
	}
	if !acquired {
		existing, err := e.getLockRecord(ctx, normalized)
		holder := "someone else"
		if err == nil {
			holder = existing.Owner
		}
		return nil, &masceerr.FileLockedError{File: normalized, By: holder}
	}

	now := e.clock.Now()
	l := &Lock{
		Resource:   normalized,
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(durationSeconds(ttlSeconds)),
	}
	if err := e.putLockRecord(ctx, l); err != nil {
		return nil, err
	}
	e.auditf("FileLocked", normalized+" by="+owner)
	e.notify(event.TaskUpdate, owner, map[string]string{"kind": "locked", "resource": normalized})
	return l, nil
}

// Unlock releases resource, failing if owner doesn't currently hold it.
func (e *Engine) Unlock(ctx context.Context, owner, resource string) error {
	normalized, err := normalizeResource(e.basePath, resource)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	released, err := e.backend.ReleaseLock(ctx, lockKeyForBackend(normalized), owner)
	if err != nil {
		return masceerr.NewIoError("release lock", err)
	}
	if !released {
		return &masceerr.FileNotLockedError{File: normalized}
	}
	if _, err := e.backend.Delete(ctx, lockKey(normalized)); err != nil {
		return masceerr.NewIoError("delete lock record", err)
	}
	e.auditf("FileUnlocked", normalized+" by="+owner)
	e.notify(event.TaskUpdate, owner, map[string]string{"kind": "unlocked", "resource": normalized})
	return nil
}

func (e *Engine) getLockRecord(ctx context.Context, resource string) (*Lock, error) {
	data, ok, err := e.backend.Get(ctx, lockKey(resource))
	if err != nil {
		return nil, masceerr.NewIoError("read lock record", err)
	}
	if !ok {
		return nil, &masceerr.FileNotLockedError{File: resource}
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, masceerr.NewBackendError("corrupt lock record", err)
	}
	return &l, nil
}

func (e *Engine) putLockRecord(ctx context.Context, l *Lock) error {
	data, err := json.Marshal(l)
	if err != nil {
		return masceerr.NewInternalError("marshal lock record", err)
	}
	if err := e.backend.Put(ctx, lockKey(l.Resource), data); err != nil {
		return masceerr.NewIoError("write lock record", err)
	}
	return nil
}

// SweepExpiredLocks deletes every persisted Lock record whose ExpiresAt has
// passed and releases the matching backend CAS entry, emitting a
// FileUnlocked audit event per eviction (spec §4.3's lock TTL sweeper).
// Reads already enforce "expired = free" independently, so a late sweep
// never causes a correctness problem, only delayed cleanup.
func (e *Engine) SweepExpiredLocks(ctx context.Context) (evicted int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys, err := e.backend.List(ctx, "locks/")
	if err != nil {
		return 0, masceerr.NewIoError("list lock keys", err)
	}

	now := e.clock.Now()
	for _, k := range keys {
		data, ok, err := e.backend.Get(ctx, k)
		if err != nil {
			return evicted, masceerr.NewIoError("read lock record during sweep", err)
		}
		if !ok {
			continue
		}
		var l Lock
		if json.Unmarshal(data, &l) != nil {
			continue
		}
		if now.Before(l.ExpiresAt) {
			continue
		}
		if _, err := e.backend.Delete(ctx, k); err != nil {
			return evicted, masceerr.NewIoError("delete expired lock record", err)
		}
		e.backend.ReleaseLock(ctx, lockKeyForBackend(l.Resource), l.Owner)
		e.auditf("FileUnlocked", l.Resource+" reason=expired")
		evicted++
	}
	return evicted, nil
}

// GetLocks lists every currently recorded lock (spec §4.1.5). Expired
// entries are pruned lazily by the supervisor, not here, so a read never
// pays for a write.
func (e *Engine) GetLocks(ctx context.Context) ([]Lock, error) {
	keys, err := e.backend.List(ctx, "locks/")
	if err != nil {
		return nil, masceerr.NewIoError("list lock keys", err)
	}
	locks := make([]Lock, 0, len(keys))
	for _, k := range keys {
		data, ok, err := e.backend.Get(ctx, k)
		if err != nil {
			return nil, masceerr.NewIoError("read lock record", err)
		}
		if !ok {
			continue
		}
		var l Lock
		if err := json.Unmarshal(data, &l); err != nil {
			continue
		}
		locks = append(locks, l)
	}
	return locks, nil
}
