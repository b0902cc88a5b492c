package repository

import (
	"context"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs the chat registry with Postgres. Writes that touch
// more than one table run in a single transaction.
type PostgresStore struct {
	db       *pgxpool.Pool
	chats    *ChatRepository
	messages *MessageRepository
	media    *MediaRepository
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		db:       db,
		chats:    NewChatRepository(db),
		messages: NewMessageRepository(db),
		media:    NewMediaRepository(db),
	}
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(chats *ChatRepository, messages *MessageRepository) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(NewChatRepository(tx), NewMessageRepository(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateChat stores the chat and its participants. When directKey collides
// with an existing direct chat, that chat is returned and created is false.
func (s *PostgresStore) CreateChat(ctx context.Context, chat *models.Chat, directKey *string) (*models.Chat, bool, error) {
	var stored *models.Chat
	created := false
	err := s.withTx(ctx, func(chats *ChatRepository, _ *MessageRepository) error {
		inserted, err := chats.Insert(ctx, chat, directKey)
		if err != nil {
			return err
		}
		if !inserted {
			if directKey == nil {
				return ErrNotFound
			}
			stored, err = chats.GetByDirectKey(ctx, *directKey)
			return err
		}
		if err := chats.InsertParticipants(ctx, chat.ID, chat.Participants); err != nil {
			return err
		}
		created = true
		stored, err = chats.GetByID(ctx, chat.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	return s.chats.GetByID(ctx, chatID)
}

func (s *PostgresStore) ListChats(ctx context.Context, filter ChatListFilter) ([]models.Chat, error) {
	return s.chats.ListForParticipant(ctx, filter)
}

func (s *PostgresStore) UpdateChat(
	ctx context.Context,
	chatID string,
	update ChatUpdate,
	add []models.Participant,
	remove []string,
) error {
	return s.withTx(ctx, func(chats *ChatRepository, _ *MessageRepository) error {
		if err := chats.Update(ctx, chatID, update); err != nil {
			return err
		}
		if err := chats.DeleteParticipants(ctx, chatID, remove); err != nil {
			return err
		}
		return chats.InsertParticipants(ctx, chatID, add)
	})
}

func (s *PostgresStore) UpdateParticipant(ctx context.Context, chatID, userID string, update ParticipantUpdate) error {
	return s.chats.UpdateParticipant(ctx, chatID, userID, update)
}

func (s *PostgresStore) CreateMessage(ctx context.Context, message *models.Message) (*models.Message, bool, error) {
	var stored *models.Message
	var created bool
	err := s.withTx(ctx, func(chats *ChatRepository, messages *MessageRepository) error {
		var err error
		stored, created, err = messages.Create(ctx, message)
		if err != nil {
			return err
		}
		if !created {
			return nil
		}
		return chats.SetLastMessage(ctx, message.ChatID)
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	return s.messages.GetByID(ctx, chatID, messageID)
}

func (s *PostgresStore) LatestMessage(ctx context.Context, chatID string) (*models.Message, error) {
	return s.messages.Latest(ctx, chatID)
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, before *time.Time, limit int) ([]models.Message, error) {
	return s.messages.ListByChat(ctx, chatID, before, limit)
}

func (s *PostgresStore) SearchMessages(ctx context.Context, filter SearchFilter) ([]models.Message, error) {
	return s.messages.Search(ctx, filter)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return s.withTx(ctx, func(chats *ChatRepository, messages *MessageRepository) error {
		if err := messages.Delete(ctx, chatID, messageID); err != nil {
			return err
		}
		return chats.SetLastMessage(ctx, chatID)
	})
}

func (s *PostgresStore) AddReadReceipt(ctx context.Context, messageID string, receipt models.ReadReceipt) (bool, error) {
	var added bool
	err := s.withTx(ctx, func(_ *ChatRepository, messages *MessageRepository) error {
		var err error
		added, err = messages.AddReceipt(ctx, messageID, receipt)
		return err
	})
	return added, err
}

func (s *PostgresStore) ListReadReceipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error) {
	return s.messages.ListReceipts(ctx, messageID)
}

func (s *PostgresStore) CreateMedia(ctx context.Context, media *models.MediaUpload) error {
	return s.media.Create(ctx, media)
}

func (s *PostgresStore) GetMedia(ctx context.Context, mediaID string) (*models.MediaUpload, error) {
	return s.media.GetByID(ctx, mediaID)
}

func (s *PostgresStore) CompleteMedia(ctx context.Context, mediaID, url string, completedAt time.Time) error {
	return s.media.Complete(ctx, mediaID, url, completedAt)
}

func (s *PostgresStore) BindMedia(ctx context.Context, mediaID, chatID string, boundAt time.Time) error {
	return s.media.Bind(ctx, mediaID, chatID, boundAt)
}
