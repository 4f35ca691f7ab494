package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadCursor marks a cursor the server did not issue. Callers map it to
// a client error rather than an empty first page.
var ErrBadCursor = errors.New("malformed cursor")

// cursor is the keyset position of delta pagination, ordered by
// (updated_at, id). Clients treat the encoded form as opaque.
type cursor struct {
	UpdatedAt string `json:"u"`
	ID        string `json:"i"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	if c.UpdatedAt == "" || c.ID == "" {
		return c, fmt.Errorf("%w: missing position", ErrBadCursor)
	}
	return c, nil
}
