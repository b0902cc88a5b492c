package repository

import (
	"context"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
)

type MediaRepository struct {
	db DBTX
}

func NewMediaRepository(db DBTX) *MediaRepository {
	return &MediaRepository{db: db}
}

func (r *MediaRepository) Create(ctx context.Context, media *models.MediaUpload) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO media_uploads (id, owner_id, chat_id, kind, filename, mime_type, size, object_path, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`,
		media.ID,
		media.OwnerID,
		media.ChatID,
		media.Kind,
		media.Filename,
		media.MimeType,
		media.Size,
		media.ObjectPath,
		media.Status,
		media.CreatedAt,
	)
	return err
}

func (r *MediaRepository) GetByID(ctx context.Context, mediaID string) (*models.MediaUpload, error) {
	var media models.MediaUpload
	err := r.db.QueryRow(ctx, `
		SELECT id, owner_id, chat_id, kind, filename, mime_type, size, object_path, url, status, created_at, updated_at
		FROM media_uploads
		WHERE id = $1
	`, mediaID).Scan(
		&media.ID,
		&media.OwnerID,
		&media.ChatID,
		&media.Kind,
		&media.Filename,
		&media.MimeType,
		&media.Size,
		&media.ObjectPath,
		&media.URL,
		&media.Status,
		&media.CreatedAt,
		&media.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &media, nil
}

func (r *MediaRepository) Complete(ctx context.Context, mediaID, url string, completedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE media_uploads
		SET url = $2, status = $3, updated_at = $4
		WHERE id = $1
	`, mediaID, url, models.MediaStatusCompleted, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Bind attaches unbound media to a chat. Media already bound to another
// chat yields ErrConflict.
func (r *MediaRepository) Bind(ctx context.Context, mediaID, chatID string, boundAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE media_uploads
		SET chat_id = $2, updated_at = $3
		WHERE id = $1 AND chat_id IS NULL
	`, mediaID, chatID, boundAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	media, err := r.GetByID(ctx, mediaID)
	if err != nil {
		return err
	}
	if media.ChatID == nil || *media.ChatID != chatID {
		return ErrConflict
	}
	return nil
}
