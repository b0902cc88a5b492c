package services

import (
	"fmt"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
)

const (
	DefaultPageLimit = 30
	MaxPageLimit     = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	if limit > MaxPageLimit {
		return MaxPageLimit
	}
	return limit
}

func decodeCursor(cursor string) (*time.Time, error) {
	before, err := models.DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return before, nil
}

// paginate trims a result fetched with limit+1 rows. The next cursor is the
// creation time of the last returned item, so the following page starts
// strictly before it.
func paginate[T any](items []T, limit int, createdAt func(T) time.Time) ([]T, *string) {
	if len(items) <= limit {
		return items, nil
	}
	items = items[:limit]
	cursor := models.EncodeCursor(createdAt(items[len(items)-1]))
	return items, &cursor
}
