package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/jackc/pgx/v5"
)

const messageColumns = `
	m.id, m.client_id, m.chat_id, m.sender_id, m.sender_name, m.type, m.body,
	m.context_label, m.attachment, m.clip, m.status, m.created_at, m.updated_at
`

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts the message unless the sender already stored one with the
// same client id in this chat, in which case the stored row is returned and
// created is false.
func (r *MessageRepository) Create(ctx context.Context, message *models.Message) (*models.Message, bool, error) {
	attachment, clip, err := encodePayloads(message)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO messages (
			id, client_id, chat_id, sender_id, sender_name, type, body, preview,
			context_label, attachment, clip, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (chat_id, sender_id, client_id) DO NOTHING
	`,
		message.ID,
		message.ClientID,
		message.ChatID,
		message.SenderID,
		message.SenderName,
		message.Type,
		message.Body,
		message.Preview(),
		message.ContextLabel,
		attachment,
		clip,
		message.Status,
		message.CreatedAt,
	)
	if err != nil {
		return nil, false, err
	}

	if tag.RowsAffected() == 1 {
		stored := *message
		stored.UpdatedAt = message.CreatedAt
		stored.ReadReceipts = make([]models.ReadReceipt, 0)
		return &stored, true, nil
	}

	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1 AND m.sender_id = $2 AND m.client_id = $3
	`, message.ChatID, message.SenderID, message.ClientID)
	existing, err := scanMessage(row)
	if err != nil {
		return nil, false, notFound(err)
	}
	if err := r.attachReceipts(ctx, []*models.Message{existing}); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1 AND m.id = $2
	`, chatID, messageID)
	message, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return message, r.attachReceipts(ctx, []*models.Message{message})
}

func (r *MessageRepository) Latest(ctx context.Context, chatID string) (*models.Message, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`, chatID)
	message, err := scanMessage(row)
	if err != nil {
		return nil, notFound(err)
	}
	return message, r.attachReceipts(ctx, []*models.Message{message})
}

func (r *MessageRepository) ListByChat(ctx context.Context, chatID string, before *time.Time, limit int) ([]models.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.chat_id = $1
		  AND ($2::timestamptz IS NULL OR m.created_at < $2)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $3
	`, chatID, before, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, rows)
}

func (r *MessageRepository) Search(ctx context.Context, filter SearchFilter) ([]models.Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		JOIN chat_participants me ON me.chat_id = m.chat_id AND me.user_id = $1
		WHERE m.body ILIKE $2
		  AND ($3 OR NOT c.archived)
		  AND ($4::timestamptz IS NULL OR m.created_at < $4)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $5
	`, filter.UserID, likePattern(filter.Query), filter.IncludeArchived, filter.Before, filter.Limit)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, rows)
}

func (r *MessageRepository) Delete(ctx context.Context, chatID, messageID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM messages WHERE chat_id = $1 AND id = $2`, chatID, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddReceipt appends a read receipt once per user. The first receipt moves
// the message to the read status.
func (r *MessageRepository) AddReceipt(ctx context.Context, messageID string, receipt models.ReadReceipt) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO message_read_receipts (message_id, user_id, display_name, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, receipt.UserID, receipt.DisplayName, receipt.ReadAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = r.db.Exec(ctx, `
		UPDATE messages
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status <> $2
	`, messageID, models.StatusRead, receipt.ReadAt)
	return true, err
}

func (r *MessageRepository) ListReceipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error) {
	message := &models.Message{ID: messageID}
	if err := r.attachReceipts(ctx, []*models.Message{message}); err != nil {
		return nil, err
	}
	return message.ReadReceipts, nil
}

func (r *MessageRepository) collect(ctx context.Context, rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if err := r.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}

	result := make([]models.Message, 0, len(messages))
	for _, message := range messages {
		result = append(result, *message)
	}
	return result, nil
}

func (r *MessageRepository) attachReceipts(ctx context.Context, messages []*models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	byID := make(map[string]*models.Message, len(messages))
	messageIDs := make([]string, 0, len(messages))
	for _, message := range messages {
		message.ReadReceipts = make([]models.ReadReceipt, 0)
		byID[message.ID] = message
		messageIDs = append(messageIDs, message.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT message_id, user_id, display_name, read_at
		FROM message_read_receipts
		WHERE message_id = ANY($1)
		ORDER BY read_at ASC, user_id ASC
	`, messageIDs)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var messageID string
		var receipt models.ReadReceipt
		if err := rows.Scan(&messageID, &receipt.UserID, &receipt.DisplayName, &receipt.ReadAt); err != nil {
			return err
		}
		if message, ok := byID[messageID]; ok {
			message.ReadReceipts = append(message.ReadReceipts, receipt)
		}
	}
	return rows.Err()
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var message models.Message
	var clientID *string
	var attachment, clip []byte
	if err := row.Scan(
		&message.ID,
		&clientID,
		&message.ChatID,
		&message.SenderID,
		&message.SenderName,
		&message.Type,
		&message.Body,
		&message.ContextLabel,
		&attachment,
		&clip,
		&message.Status,
		&message.CreatedAt,
		&message.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if clientID != nil {
		message.ClientID = *clientID
	}
	if len(attachment) > 0 {
		message.Attachment = &models.Attachment{}
		if err := json.Unmarshal(attachment, message.Attachment); err != nil {
			return nil, fmt.Errorf("decode attachment of message %s: %w", message.ID, err)
		}
	}
	if len(clip) > 0 {
		message.Clip = &models.ClipReference{}
		if err := json.Unmarshal(clip, message.Clip); err != nil {
			return nil, fmt.Errorf("decode clip of message %s: %w", message.ID, err)
		}
	}
	return &message, nil
}

func encodePayloads(message *models.Message) ([]byte, []byte, error) {
	var attachment, clip []byte
	var err error
	if message.Attachment != nil {
		if attachment, err = json.Marshal(message.Attachment); err != nil {
			return nil, nil, fmt.Errorf("encode attachment: %w", err)
		}
	}
	if message.Clip != nil {
		if clip, err = json.Marshal(message.Clip); err != nil {
			return nil, nil, fmt.Errorf("encode clip: %w", err)
		}
	}
	return attachment, clip, nil
}
