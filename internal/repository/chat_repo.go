package repository

import (
	"context"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/jackc/pgx/v5"
)

const chatColumns = `
	c.id, c.title, c.kind, c.write_policy, c.archived, c.temporary_until,
	c.last_message_preview, c.last_message_at, c.created_by, c.created_at, c.updated_at
`

type ChatRepository struct {
	db DBTX
}

func NewChatRepository(db DBTX) *ChatRepository {
	return &ChatRepository{db: db}
}

// Insert stores the chat row. For direct chats a conflicting direct_key
// leaves the existing row untouched and inserted is false.
func (r *ChatRepository) Insert(ctx context.Context, chat *models.Chat, directKey *string) (bool, error) {
	query := `
		INSERT INTO chats (id, title, kind, write_policy, direct_key, archived, temporary_until, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8, $8)
		ON CONFLICT (direct_key) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query,
		chat.ID,
		chat.Title,
		chat.Kind,
		chat.WritePolicy,
		directKey,
		chat.TemporaryUntil,
		chat.CreatedBy,
		chat.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ChatRepository) GetByDirectKey(ctx context.Context, directKey string) (*models.Chat, error) {
	row := r.db.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.direct_key = $1`, directKey)
	chat, err := scanChat(row)
	if err != nil {
		return nil, notFound(err)
	}
	return chat, r.attachParticipants(ctx, []*models.Chat{chat})
}

func (r *ChatRepository) GetByID(ctx context.Context, chatID string) (*models.Chat, error) {
	row := r.db.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats c WHERE c.id = $1`, chatID)
	chat, err := scanChat(row)
	if err != nil {
		return nil, notFound(err)
	}
	return chat, r.attachParticipants(ctx, []*models.Chat{chat})
}

func (r *ChatRepository) ListForParticipant(ctx context.Context, filter ChatListFilter) ([]models.Chat, error) {
	query := `
		SELECT ` + chatColumns + `
		FROM chats c
		JOIN chat_participants me ON me.chat_id = c.id AND me.user_id = $1
		WHERE ($2::timestamptz IS NULL OR c.created_at < $2)
		  AND ($3 OR (NOT c.archived AND (c.temporary_until IS NULL OR c.temporary_until > $4)))
		  AND (
			$5 = ''
			OR c.title ILIKE $6
			OR EXISTS (SELECT 1 FROM messages m WHERE m.chat_id = c.id AND m.body ILIKE $6)
		  )
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $7
	`

	rows, err := r.db.Query(ctx, query,
		filter.UserID,
		filter.Before,
		filter.IncludeArchived,
		filter.Now,
		filter.Query,
		likePattern(filter.Query),
		filter.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := make([]*models.Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.attachParticipants(ctx, chats); err != nil {
		return nil, err
	}

	result := make([]models.Chat, 0, len(chats))
	for _, chat := range chats {
		result = append(result, *chat)
	}
	return result, nil
}

func (r *ChatRepository) Update(ctx context.Context, chatID string, update ChatUpdate) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE chats
		SET title = COALESCE($2, title),
			write_policy = COALESCE($3, write_policy),
			temporary_until = CASE WHEN $5 THEN NULL ELSE COALESCE($4, temporary_until) END,
			archived = COALESCE($6, archived),
			updated_at = NOW()
		WHERE id = $1
	`, chatID, update.Title, update.WritePolicy, update.TemporaryUntil, update.ClearTemporary, update.Archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastMessage refreshes the denormalized preview from the newest
// remaining message of the chat.
func (r *ChatRepository) SetLastMessage(ctx context.Context, chatID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE chats c
		SET last_message_preview = lm.preview,
			last_message_at = lm.created_at,
			updated_at = NOW()
		FROM (
			SELECT
				(SELECT preview FROM messages WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1) AS preview,
				(SELECT created_at FROM messages WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1) AS created_at
		) lm
		WHERE c.id = $1
	`, chatID)
	return err
}

func (r *ChatRepository) InsertParticipants(ctx context.Context, chatID string, participants []models.Participant) error {
	for _, participant := range participants {
		_, err := r.db.Exec(ctx, `
			INSERT INTO chat_participants (chat_id, user_id, display_name, role, player_id, can_write, pinned, mute_until, joined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (chat_id, user_id) DO NOTHING
		`,
			chatID,
			participant.UserID,
			participant.DisplayName,
			participant.Role,
			participant.PlayerID,
			participant.CanWrite,
			participant.Pinned,
			participant.MuteUntil,
			participant.JoinedAt,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *ChatRepository) DeleteParticipants(ctx context.Context, chatID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		DELETE FROM chat_participants
		WHERE chat_id = $1 AND user_id = ANY($2)
	`, chatID, userIDs)
	return err
}

func (r *ChatRepository) UpdateParticipant(ctx context.Context, chatID, userID string, update ParticipantUpdate) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE chat_participants
		SET can_write = COALESCE($3, can_write),
			pinned = COALESCE($4, pinned),
			mute_until = CASE WHEN $6 THEN NULL ELSE COALESCE($5, mute_until) END
		WHERE chat_id = $1 AND user_id = $2
	`, chatID, userID, update.CanWrite, update.Pinned, update.MuteUntil, update.ClearMute)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ChatRepository) attachParticipants(ctx context.Context, chats []*models.Chat) error {
	if len(chats) == 0 {
		return nil
	}

	byID := make(map[string]*models.Chat, len(chats))
	chatIDs := make([]string, 0, len(chats))
	for _, chat := range chats {
		chat.Participants = make([]models.Participant, 0)
		byID[chat.ID] = chat
		chatIDs = append(chatIDs, chat.ID)
	}

	rows, err := r.db.Query(ctx, `
		SELECT chat_id, user_id, display_name, role, player_id, can_write, pinned, mute_until, joined_at
		FROM chat_participants
		WHERE chat_id = ANY($1)
		ORDER BY joined_at ASC, user_id ASC
	`, chatIDs)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var chatID string
		var participant models.Participant
		if err := rows.Scan(
			&chatID,
			&participant.UserID,
			&participant.DisplayName,
			&participant.Role,
			&participant.PlayerID,
			&participant.CanWrite,
			&participant.Pinned,
			&participant.MuteUntil,
			&participant.JoinedAt,
		); err != nil {
			return err
		}
		if chat, ok := byID[chatID]; ok {
			chat.Participants = append(chat.Participants, participant)
		}
	}
	return rows.Err()
}

func scanChat(row pgx.Row) (*models.Chat, error) {
	var chat models.Chat
	var temporaryUntil, lastMessageAt *time.Time
	if err := row.Scan(
		&chat.ID,
		&chat.Title,
		&chat.Kind,
		&chat.WritePolicy,
		&chat.Archived,
		&temporaryUntil,
		&chat.LastMessagePreview,
		&lastMessageAt,
		&chat.CreatedBy,
		&chat.CreatedAt,
		&chat.UpdatedAt,
	); err != nil {
		return nil, err
	}
	chat.TemporaryUntil = temporaryUntil
	chat.LastMessageAt = lastMessageAt
	return &chat, nil
}
