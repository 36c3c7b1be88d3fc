// Package pagination pages through the unblock log and risk history with
// opaque cursors.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Limits for a page request.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidCursor is returned for a cursor that does not decode.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the position of the last item a page returned.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor for the item at (at, id).
func Encode(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses a cursor. It returns nil for the empty string.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, n).UTC(), ID: id}, nil
}

// ClampLimit maps a requested limit onto [1, MaxLimit], defaulting zero
// and negative values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// Page returns up to limit items following the cursor in an already
// ordered slice, plus the cursor for the next page ("" on the last page).
// A cursor naming an item no longer in the slice is ErrInvalidCursor.
func Page[T any](items []T, cursor string, limit int, key func(T) (time.Time, string)) ([]T, string, error) {
	limit = ClampLimit(limit)
	c, err := Decode(cursor)
	if err != nil {
		return nil, "", err
	}

	start := 0
	if c != nil {
		start = -1
		for i, it := range items {
			at, id := key(it)
			if id == c.ID && at.Equal(c.At) {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil, "", ErrInvalidCursor
		}
	}

	rest := items[start:]
	if len(rest) <= limit {
		return rest, "", nil
	}
	page := rest[:limit]
	at, id := key(page[len(page)-1])
	return page, Encode(at, id), nil
}
