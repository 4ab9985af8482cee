// Package audit writes the append-only audit.jsonl trail (spec §4.1.1's
// secure-mode companion log, §7's incident-review requirement): one JSON
// object per line, file opened O_APPEND so concurrent writers never
// interleave partial records, grounded on the same write-don't-rewrite
// discipline as the file storage backend.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/logger"
)

// Event is one audit record.
type Event struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Log is an append-only writer over a single file, safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the audit log at path with 0600
// permissions, matching the file backend's secure-mode file perms.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, masceerr.NewIoError("open audit log "+path, err)
	}
	return &Log{file: f}, nil
}

// Append writes one record, logging (but not returning) a write failure:
// a lost audit line must never block the mutation it describes.
func (l *Log) Append(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Logger.Errorw("audit marshal failed", "err", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		logger.Logger.Errorw("audit write failed", "err", err)
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}
