// Package persistence contains helpers shared by repository implementations.
package persistence

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brettdup/trainstate/internal/domain"
)

// Cursor tokens are opaque to clients: 8 bytes of big-endian unix nanos for
// the page boundary's start time followed by its workout ID, base64url
// encoded. Binary keeps the token free of separator characters the ID could
// collide with.

const cursorTimeLen = 8

// ErrBadCursor is returned when a pagination token cannot be decoded.
var ErrBadCursor = errors.New("malformed cursor")

// EncodeCursor serialises the cursor to a string token.
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	buf := make([]byte, cursorTimeLen+len(c.ID))
	binary.BigEndian.PutUint64(buf, uint64(c.StartedAt.UTC().UnixNano()))
	copy(buf[cursorTimeLen:], c.ID)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeCursor parses the encoded cursor token. An empty token decodes to a
// nil cursor, meaning the first page.
func DecodeCursor(token string) (*domain.Cursor, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if len(raw) <= cursorTimeLen {
		return nil, fmt.Errorf("%w: missing workout id", ErrBadCursor)
	}

	nanos := int64(binary.BigEndian.Uint64(raw[:cursorTimeLen]))
	return &domain.Cursor{
		StartedAt: time.Unix(0, nanos).UTC(),
		ID:        string(raw[cursorTimeLen:]),
	}, nil
}
