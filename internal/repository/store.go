package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ChatListFilter struct {
	UserID          string
	Before          *time.Time
	Limit           int
	IncludeArchived bool
	Query           string
	Now             time.Time
}

type SearchFilter struct {
	UserID          string
	Query           string
	Before          *time.Time
	Limit           int
	IncludeArchived bool
}

type ChatUpdate struct {
	Title          *string
	WritePolicy    *models.WritePolicy
	TemporaryUntil *time.Time
	ClearTemporary bool
	Archived       *bool
}

type ParticipantUpdate struct {
	CanWrite  *bool
	Pinned    *bool
	MuteUntil *time.Time
	ClearMute bool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// likePattern escapes LIKE metacharacters so user input only matches literally.
func likePattern(query string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(query)) + "%"
}
