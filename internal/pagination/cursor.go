// Package pagination implements keyset pagination over (created_at, id).
// Cursors are opaque to clients: a page response carries the cursor that
// resumes after its last item, and stores translate it back into a WHERE
// clause instead of an OFFSET.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cursor is the decoded resume position.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode builds the opaque cursor for the row at (createdAt, id).
func Encode(createdAt time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString(
		[]byte(strconv.FormatInt(createdAt.UnixNano(), 10) + ":" + id))
}

// Decode parses a cursor produced by Encode. An empty string decodes to
// nil, meaning start from the beginning.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}

	nanosStr, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return nil, fmt.Errorf("malformed cursor")
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed cursor")
	}

	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// ComputePage trims a limit+1 fetch down to one page. When the extra row
// is present the page is full and a cursor pointing at its last item is
// returned along with hasMore=true.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}

	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
