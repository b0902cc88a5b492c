package models

import (
	"encoding/base64"
	"errors"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor turns a timestamp boundary into an opaque page token. The
// next page holds items created strictly before it.
func EncodeCursor(t time.Time) string {
	return base64.RawURLEncoding.EncodeToString([]byte(t.UTC().Format(time.RFC3339Nano)))
}

func DecodeCursor(cursor string) (*time.Time, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &t, nil
}
