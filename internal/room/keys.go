package room

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	masceerr "github.com/maschq/masc/internal/errors"
)

const (
	keyRoomState  = "state"
	keyMessageSeq = "room.message_seq"
	keyTaskSeq    = "room.task_seq"
)

func agentKey(name string) string { return "agents/" + name }
func taskKey(id string) string    { return "tasks/" + id }
func lockKey(resource string) string {
	return "locks/" + escapeResource(resource)
}
func voteKey(id string) string   { return "votes/" + id }
func portalKey(owner string) string { return "portals/" + owner }

// messageKey zero-pads seq to 20 digits so lexicographic (string) ordering
// from storage.Backend.List matches numeric seq ordering.
func messageKey(seq uint64) string {
	return fmt.Sprintf("messages/%020d", seq)
}

// escapeResource makes a resource path safe to use as a single path segment
// (spec §6: locks/<escaped_resource>.json).
func escapeResource(resource string) string {
	return url.PathEscape(resource)
}

// validateAgentName enforces spec §3: 1-64 chars, [A-Za-z0-9_-], no path
// separators.
func validateAgentName(name string) error {
	if len(name) < 1 || len(name) > 64 {
		return &masceerr.SchemaError{Detail: "agent name must be 1-64 characters"}
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return &masceerr.SchemaError{Detail: fmt.Sprintf("agent name contains invalid character %q", r)}
		}
	}
	return nil
}

// normalizeResource rejects any path escaping basePath and returns the
// cleaned, basePath-relative resource string (spec §4.1.4).
func normalizeResource(basePath, resource string) (string, error) {
	if resource == "" {
		return "", &masceerr.InvalidPathError{Path: resource}
	}
	cleaned := filepath.Clean(resource)
	if filepath.IsAbs(cleaned) {
		// Absolute paths must live under basePath.
		absBase, err := filepath.Abs(basePath)
		if err != nil {
			return "", &masceerr.InvalidPathError{Path: resource}
		}
		rel, err := filepath.Rel(absBase, cleaned)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", &masceerr.InvalidPathError{Path: resource}
		}
		return rel, nil
	}
	if strings.HasPrefix(cleaned, "..") {
		return "", &masceerr.InvalidPathError{Path: resource}
	}
	return cleaned, nil
}
