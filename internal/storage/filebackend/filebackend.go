// Package filebackend implements storage.Backend by encoding each record as
// one file under a base directory, crash-safe via write-temp+fsync+rename,
// the pattern teranos-QNTX/db uses for its sqlite file setup generalized to
// arbitrary per-key blobs (spec §4.1.1, §6).
package filebackend

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maschq/masc/internal/clock"
	masceerr "github.com/maschq/masc/internal/errors"
)

// Backend is a storage.Backend backed by one JSON/blob file per key under
// baseDir. Directories are created 0700 in secure mode, 0755 otherwise.
type Backend struct {
	baseDir string
	secure  bool
	clock   clock.Clock

	// countersMu serializes AtomicInc. Counters are not cached in memory:
	// each one lives only on disk and is re-read and rewritten on every
	// increment, so a restart resumes from the last durable value.
	countersMu sync.Mutex

	// locks is the in-process CAS primitive backing AcquireLock/ReleaseLock.
	// It is intentionally in-memory only: lock TTLs are short-lived and the
	// Room State Engine's own Lock entity (persisted via Put under
	// locks/<resource>.json) is the durable, user-visible record.
	locksMu sync.Mutex
	locks   map[string]lockRecord
}

type lockRecord struct {
	owner     string
	expiresAt time.Time
}

// New creates a file backend rooted at baseDir, creating it if necessary.
// secure controls directory permissions (0700 vs 0755, spec §6). clk drives
// every TTL decision this backend makes, the same injected clock the Room
// State Engine and its sweepers use, so a fake-clock-advanced test sees
// consistent "expired = free" results from both layers.
func New(baseDir string, secure bool, clk clock.Clock) (*Backend, error) {
	perm := os.FileMode(0o755)
	if secure {
		perm = 0o700
	}
	if err := os.MkdirAll(baseDir, perm); err != nil {
		return nil, masceerr.NewIoError("create storage directory "+baseDir, err)
	}
	return &Backend{
		baseDir: baseDir,
		secure:  secure,
		clock:   clk,
		locks:   make(map[string]lockRecord),
	}, nil
}

func (b *Backend) pathFor(key string) string {
	clean := filepath.Clean(key)
	return filepath.Join(b.baseDir, clean+".json")
}

func (b *Backend) dirPerm() os.FileMode {
	if b.secure {
		return 0o700
	}
	return 0o755
}

// Get implements storage.Backend.
func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(b.pathFor(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, masceerr.NewIoError("read "+key, err)
	}
	return data, true, nil
}

// Put implements storage.Backend with write-temp+fsync+rename.
func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	path := b.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), b.dirPerm()); err != nil {
		return masceerr.NewIoError("create directory for "+key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return masceerr.NewIoError("create temp file for "+key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return masceerr.NewIoError("write "+key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return masceerr.NewIoError("sync "+key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return masceerr.NewIoError("close temp file for "+key, err)
	}
	filePerm := os.FileMode(0o644)
	if b.secure {
		filePerm = 0o600
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return masceerr.NewIoError("chmod "+key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return masceerr.NewIoError("rename into place "+key, err)
	}
	return nil
}

// Delete implements storage.Backend. Idempotent.
func (b *Backend) Delete(_ context.Context, key string) (bool, error) {
	err := os.Remove(b.pathFor(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, masceerr.NewIoError("delete "+key, err)
	}
	return true, nil
}

// List implements storage.Backend, returning keys under prefix in
// lexicographic order.
func (b *Backend) List(_ context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(b.baseDir, filepath.Clean(prefix))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, masceerr.NewIoError("list "+prefix, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		keys = append(keys, filepath.Join(prefix, name))
	}
	sort.Strings(keys)
	return keys, nil
}

// AtomicInc implements storage.Backend's linearizable counter. The counter
// itself is just a file holding a decimal integer, rewritten atomically on
// every increment; the process-wide countersMu serializes concurrent
// increments to the same backend instance (the in-process equivalent of the
// SQL backend's counter transaction).
func (b *Backend) AtomicInc(ctx context.Context, key string, delta int64) (int64, error) {
	b.countersMu.Lock()
	defer b.countersMu.Unlock()

	data, ok, err := b.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var cur int64
	if ok {
		cur, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, masceerr.NewBackendError("corrupt counter: "+key, err)
		}
	}
	next := cur + delta
	if err := b.Put(ctx, key, []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// AcquireLock implements storage.Backend's at-most-one-holder CAS primitive.
func (b *Backend) AcquireLock(_ context.Context, key string, ttlSeconds int64, owner string) (bool, error) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()

	now := b.clock.Now()
	if rec, ok := b.locks[key]; ok && rec.expiresAt.After(now) {
		return false, nil
	}
	b.locks[key] = lockRecord{owner: owner, expiresAt: now.Add(time.Duration(ttlSeconds) * time.Second)}
	return true, nil
}

// ReleaseLock implements storage.Backend. Fails if owner mismatches.
func (b *Backend) ReleaseLock(_ context.Context, key string, owner string) (bool, error) {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()

	rec, ok := b.locks[key]
	if !ok || rec.expiresAt.Before(b.clock.Now()) {
		return false, nil
	}
	if rec.owner != owner {
		return false, nil
	}
	delete(b.locks, key)
	return true, nil
}

// Close implements storage.Backend; the file backend holds no long-lived
// handles to release.
func (b *Backend) Close() error { return nil }
