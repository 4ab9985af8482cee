// Package session implements the Session & Auth Gate (spec §4.2): the single
// write path between adapters and the Room State Engine. It resolves caller
// identity, enforces authorization and rate limits, and de-duplicates
// entity-creating commands via an idempotency cache.
package session

import (
	"crypto/rand"
	"math/big"
	"os"
	"time"

	masceerr "github.com/maschq/masc/internal/errors"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// GenerateID returns a fresh session identifier: `mcp_` followed by base62
// encodings of the wall-clock Unix nanosecond timestamp and the process id,
// then eight crypto-random base62 characters (spec §4.2 format).
// The result is visible ASCII 0x21-0x7E, as the session header requires.
func GenerateID() (string, error) {
	now := time.Now().UnixNano()
	randPart, err := randomBase62(8)
	if err != nil {
		return "", masceerr.NewInternalError("session id entropy", err)
	}
	return "mcp_" + base62(uint64(now)) + base62(uint64(os.Getpid())) + randPart, nil
}

func base62(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append(buf, base62Alphabet[n%62])
		n /= 62
	}
	reverse(buf)
	return string(buf)
}

func randomBase62(n int) (string, error) {
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(62))
		if err != nil {
			return "", err
		}
		buf[i] = base62Alphabet[idx.Int64()]
	}
	return string(buf), nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// ValidHeaderValue reports whether s is a legal session header value: one or
// more bytes in the visible ASCII range 0x21-0x7E.
func ValidHeaderValue(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
