package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/repository"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrWriteDenied        = errors.New("write denied")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMissingTitle       = fmt.Errorf("%w: title is required", ErrInvalidInput)
	ErrInvalidParticipant = fmt.Errorf("%w: invalid participant", ErrInvalidInput)
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ChatStore is the persistence the chat registry needs. It is implemented
// by repository.PostgresStore and repository.MemoryStore.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *models.Chat, directKey *string) (*models.Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	ListChats(ctx context.Context, filter repository.ChatListFilter) ([]models.Chat, error)
	UpdateChat(ctx context.Context, chatID string, update repository.ChatUpdate, add []models.Participant, remove []string) error
	UpdateParticipant(ctx context.Context, chatID, userID string, update repository.ParticipantUpdate) error

	CreateMessage(ctx context.Context, message *models.Message) (*models.Message, bool, error)
	GetMessage(ctx context.Context, chatID, messageID string) (*models.Message, error)
	LatestMessage(ctx context.Context, chatID string) (*models.Message, error)
	ListMessages(ctx context.Context, chatID string, before *time.Time, limit int) ([]models.Message, error)
	SearchMessages(ctx context.Context, filter repository.SearchFilter) ([]models.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	AddReadReceipt(ctx context.Context, messageID string, receipt models.ReadReceipt) (bool, error)
	ListReadReceipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error)

	CreateMedia(ctx context.Context, media *models.MediaUpload) error
	GetMedia(ctx context.Context, mediaID string) (*models.MediaUpload, error)
	CompleteMedia(ctx context.Context, mediaID, url string, completedAt time.Time) error
	BindMedia(ctx context.Context, mediaID, chatID string, boundAt time.Time) error
}

type userReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// EventPublisher receives every committed message change. Implementations
// must return without waiting for delivery.
type EventPublisher interface {
	PublishChatEvent(chatID string, event models.RealtimeEvent)
}

type ChatService struct {
	store  ChatStore
	users  userReader
	events EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

func NewChatService(store ChatStore, users userReader, events EventPublisher, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		store:  store,
		users:  users,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

type ListChatsInput struct {
	Cursor          string
	Limit           int
	IncludeArchived bool
	Query           string
}

type CreateGroupChatInput struct {
	Title          string
	ParticipantIDs []string
	WritePolicy    models.WritePolicy
	TemporaryUntil *time.Time
	WriterIDs      []string
}

type UpdateChatInput struct {
	Title                *string
	WritePolicy          *models.WritePolicy
	TemporaryUntil       *time.Time
	ClearTemporary       bool
	AddParticipantIDs    []string
	RemoveParticipantIDs []string
}

type PreferencesInput struct {
	Pinned    *bool
	MuteUntil *time.Time
	ClearMute bool
}

type SearchInput struct {
	Query           string
	Cursor          string
	Limit           int
	IncludeArchived bool
}

func (s *ChatService) ListChats(ctx context.Context, actorID string, input ListChatsInput) (*models.ChatPage, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	before, err := decodeCursor(input.Cursor)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(input.Limit)
	now := s.now()

	chats, err := s.store.ListChats(ctx, repository.ChatListFilter{
		UserID:          actorID,
		Before:          before,
		Limit:           limit + 1,
		IncludeArchived: input.IncludeArchived,
		Query:           strings.TrimSpace(input.Query),
		Now:             now,
	})
	if err != nil {
		return nil, err
	}

	chats, next := paginate(chats, limit, func(chat models.Chat) time.Time { return chat.CreatedAt })
	for i := range chats {
		chats[i].ForViewer(actorID, now)
	}
	return &models.ChatPage{Chats: chats, NextCursor: next}, nil
}

// CreateDirectChat returns the direct chat between the two users, creating
// it on first use.
func (s *ChatService) CreateDirectChat(ctx context.Context, actorID, participantID string) (*models.Chat, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	participantID = strings.TrimSpace(participantID)
	if participantID == "" || participantID == actorID {
		return nil, ErrInvalidParticipant
	}

	users, err := s.resolveUsers(ctx, []string{actorID, participantID})
	if err != nil {
		return nil, err
	}

	now := models.Timestamp(s.now())
	chat := &models.Chat{
		ID:          uuid.NewString(),
		Kind:        models.ChatKindDirect,
		WritePolicy: models.WritePolicyAllMembers,
		CreatedBy:   actorID,
		CreatedAt:   now,
	}
	for _, user := range users {
		chat.Participants = append(chat.Participants, newParticipant(user, true, now))
	}

	key := models.DirectKey(actorID, participantID)
	stored, created, err := s.store.CreateChat(ctx, chat, &key)
	if err != nil {
		return nil, err
	}
	if stored.Participant(actorID) == nil || stored.Participant(participantID) == nil {
		s.logger.Error("direct key matched a chat of another pair",
			zap.String("chat_id", stored.ID),
			zap.String("actor_id", actorID),
		)
		return nil, ErrForbidden
	}
	if created {
		s.logger.Info("direct chat created", zap.String("chat_id", stored.ID), zap.String("created_by", actorID))
	}
	stored.ForViewer(actorID, s.now())
	return stored, nil
}

func (s *ChatService) CreateGroupChat(ctx context.Context, actorID string, input CreateGroupChatInput) (*models.Chat, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, ErrMissingTitle
	}
	policy, err := models.ParseWritePolicy(string(input.WritePolicy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	now := models.Timestamp(s.now())
	if input.TemporaryUntil != nil && !input.TemporaryUntil.After(now) {
		return nil, fmt.Errorf("%w: temporary_until must be in the future", ErrInvalidInput)
	}

	memberIDs, err := uniqueIDs(append([]string{actorID}, input.ParticipantIDs...))
	if err != nil {
		return nil, err
	}
	users, err := s.resolveUsers(ctx, memberIDs)
	if err != nil {
		return nil, err
	}
	writers := make(map[string]bool, len(input.WriterIDs))
	for _, writerID := range input.WriterIDs {
		writers[strings.TrimSpace(writerID)] = true
	}

	chat := &models.Chat{
		ID:          uuid.NewString(),
		Title:       &title,
		Kind:        models.ChatKindGroup,
		WritePolicy: policy,
		CreatedBy:   actorID,
		CreatedAt:   now,
	}
	if input.TemporaryUntil != nil {
		until := models.Timestamp(*input.TemporaryUntil)
		chat.TemporaryUntil = &until
	}
	for _, user := range users {
		participant := newParticipant(user, false, now)
		participant.CanWrite = models.GrantsWrite(policy, participant, actorID, writers)
		chat.Participants = append(chat.Participants, participant)
	}

	stored, _, err := s.store.CreateChat(ctx, chat, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info("group chat created",
		zap.String("chat_id", stored.ID),
		zap.String("created_by", actorID),
		zap.Int("participants", len(stored.Participants)),
	)
	stored.ForViewer(actorID, s.now())
	return stored, nil
}

// UpdateChat changes chat metadata and membership. New participants get
// their write flag from the resulting policy; existing flags stay as they are.
func (s *ChatService) UpdateChat(ctx context.Context, actorID, chatID string, input UpdateChatInput) (*models.Chat, error) {
	chat, _, err := s.authorize(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}

	update := repository.ChatUpdate{
		TemporaryUntil: input.TemporaryUntil,
		ClearTemporary: input.ClearTemporary,
	}
	if input.Title != nil {
		if chat.Kind == models.ChatKindDirect {
			return nil, fmt.Errorf("%w: direct chats have no title", ErrInvalidInput)
		}
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, ErrMissingTitle
		}
		update.Title = &title
	}
	policy := chat.WritePolicy
	if input.WritePolicy != nil {
		parsed, err := models.ParseWritePolicy(string(*input.WritePolicy))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		policy = parsed
		update.WritePolicy = &parsed
	}
	if input.TemporaryUntil != nil {
		until := models.Timestamp(*input.TemporaryUntil)
		update.TemporaryUntil = &until
	}

	var add []models.Participant
	var remove []string
	if len(input.AddParticipantIDs) > 0 || len(input.RemoveParticipantIDs) > 0 {
		if chat.Kind == models.ChatKindDirect {
			return nil, fmt.Errorf("%w: direct chat membership is fixed", ErrInvalidParticipant)
		}
		add, remove, err = s.membershipChanges(ctx, chat, policy, input)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateChat(ctx, chatID, update, add, remove); err != nil {
		return nil, s.storeError(err)
	}
	return s.viewChat(ctx, actorID, chatID)
}

func (s *ChatService) membershipChanges(
	ctx context.Context,
	chat *models.Chat,
	policy models.WritePolicy,
	input UpdateChatInput,
) ([]models.Participant, []string, error) {
	remove := make([]string, 0, len(input.RemoveParticipantIDs))
	removed := make(map[string]bool, len(input.RemoveParticipantIDs))
	for _, userID := range input.RemoveParticipantIDs {
		userID = strings.TrimSpace(userID)
		if userID == chat.CreatedBy {
			return nil, nil, fmt.Errorf("%w: the chat creator cannot be removed", ErrInvalidParticipant)
		}
		if chat.HasParticipant(userID) && !removed[userID] {
			removed[userID] = true
			remove = append(remove, userID)
		}
	}

	newIDs := make([]string, 0, len(input.AddParticipantIDs))
	for _, userID := range input.AddParticipantIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return nil, nil, ErrInvalidParticipant
		}
		if !chat.HasParticipant(userID) || removed[userID] {
			newIDs = append(newIDs, userID)
		}
	}
	newIDs, err := uniqueIDs(newIDs)
	if err != nil {
		return nil, nil, err
	}
	users, err := s.resolveUsers(ctx, newIDs)
	if err != nil {
		return nil, nil, err
	}

	now := models.Timestamp(s.now())
	add := make([]models.Participant, 0, len(users))
	for _, user := range users {
		participant := newParticipant(user, false, now)
		participant.CanWrite = models.GrantsWrite(policy, participant, chat.CreatedBy, nil)
		add = append(add, participant)
	}
	return add, remove, nil
}

func (s *ChatService) ArchiveChat(ctx context.Context, actorID, chatID string) (*models.Chat, error) {
	return s.setArchived(ctx, actorID, chatID, true)
}

func (s *ChatService) UnarchiveChat(ctx context.Context, actorID, chatID string) (*models.Chat, error) {
	return s.setArchived(ctx, actorID, chatID, false)
}

func (s *ChatService) setArchived(ctx context.Context, actorID, chatID string, archived bool) (*models.Chat, error) {
	if _, _, err := s.authorize(ctx, actorID, chatID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateChat(ctx, chatID, repository.ChatUpdate{Archived: &archived}, nil, nil); err != nil {
		return nil, s.storeError(err)
	}
	return s.viewChat(ctx, actorID, chatID)
}

// SetParticipantWrite flips the enforced write capability of one
// participant. Only the chat creator may do this.
func (s *ChatService) SetParticipantWrite(ctx context.Context, actorID, chatID, userID string, canWrite bool) (*models.Chat, error) {
	chat, _, err := s.authorize(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.CreatedBy != actorID {
		return nil, ErrForbidden
	}
	if !chat.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: %s is not a participant", ErrNotFound, userID)
	}

	if err := s.store.UpdateParticipant(ctx, chatID, userID, repository.ParticipantUpdate{CanWrite: &canWrite}); err != nil {
		return nil, s.storeError(err)
	}
	s.logger.Info("participant write capability changed",
		zap.String("chat_id", chatID),
		zap.String("user_id", userID),
		zap.Bool("can_write", canWrite),
	)
	return s.viewChat(ctx, actorID, chatID)
}

func (s *ChatService) UpdatePreferences(ctx context.Context, actorID, chatID string, input PreferencesInput) (*models.Chat, error) {
	if _, _, err := s.authorize(ctx, actorID, chatID); err != nil {
		return nil, err
	}
	update := repository.ParticipantUpdate{Pinned: input.Pinned, ClearMute: input.ClearMute}
	if input.MuteUntil != nil {
		until := models.Timestamp(*input.MuteUntil)
		update.MuteUntil = &until
	}
	if err := s.store.UpdateParticipant(ctx, chatID, actorID, update); err != nil {
		return nil, s.storeError(err)
	}
	return s.viewChat(ctx, actorID, chatID)
}

func (s *ChatService) ListMessages(ctx context.Context, actorID, chatID, cursor string, limit int) (*models.MessagePage, error) {
	if _, _, err := s.authorize(ctx, actorID, chatID); err != nil {
		return nil, err
	}
	before, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	messages, err := s.store.ListMessages(ctx, chatID, before, limit+1)
	if err != nil {
		return nil, err
	}
	messages, next := paginate(messages, limit, func(message models.Message) time.Time { return message.CreatedAt })
	return &models.MessagePage{Messages: messages, NextCursor: next}, nil
}

// SendMessage stores a message from a participant holding write capability.
// A retried draft with the same client id returns the stored message and
// publishes nothing new.
func (s *ChatService) SendMessage(ctx context.Context, actorID, chatID string, draft models.MessageDraft) (*models.Message, error) {
	chat, participant, err := s.authorize(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}
	if !participant.CanWrite {
		return nil, ErrWriteDenied
	}
	now := models.Timestamp(s.now())
	if chat.IsExpired(now) {
		return nil, fmt.Errorf("%w: chat expired", ErrWriteDenied)
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if draft.Attachment != nil {
		if err := s.checkAttachment(ctx, actorID, chatID, *draft.Attachment, now); err != nil {
			return nil, err
		}
	}

	clientID := strings.TrimSpace(draft.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	createdAt := now
	if chat.LastMessageAt != nil && !createdAt.After(*chat.LastMessageAt) {
		createdAt = chat.LastMessageAt.Add(time.Microsecond)
	}

	message := &models.Message{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		ChatID:       chatID,
		SenderID:     actorID,
		SenderName:   participant.DisplayName,
		Type:         draft.Type,
		Body:         strings.TrimSpace(draft.Body),
		ContextLabel: draft.ContextLabel,
		Attachment:   draft.Attachment,
		Clip:         draft.Clip,
		Status:       models.StatusSent,
		CreatedAt:    createdAt,
	}

	stored, created, err := s.store.CreateMessage(ctx, message)
	if err != nil {
		return nil, s.storeError(err)
	}
	if !created {
		s.logger.Debug("duplicate send resolved by client id",
			zap.String("chat_id", chatID),
			zap.String("client_id", clientID),
			zap.String("message_id", stored.ID),
		)
		return stored, nil
	}

	s.publish(chatID, models.NewMessageCreatedEvent(*stored))
	return stored, nil
}

// checkAttachment accepts completed uploads of the sender that are unbound
// or bound to this chat. Unbound media is bound here so the chat's
// participants may download it.
func (s *ChatService) checkAttachment(ctx context.Context, actorID, chatID string, attachment models.Attachment, now time.Time) error {
	media, err := s.store.GetMedia(ctx, attachment.MediaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: unknown media %s", ErrInvalidInput, attachment.MediaID)
		}
		return err
	}
	switch {
	case media.OwnerID != actorID:
		return fmt.Errorf("%w: media %s belongs to another user", ErrInvalidInput, media.ID)
	case media.Status != models.MediaStatusCompleted:
		return fmt.Errorf("%w: media %s upload is not complete", ErrInvalidInput, media.ID)
	case media.Kind != attachment.Kind:
		return fmt.Errorf("%w: media %s is %s, not %s", ErrInvalidInput, media.ID, media.Kind, attachment.Kind)
	case media.ChatID != nil && *media.ChatID != chatID:
		return fmt.Errorf("%w: media %s belongs to another chat", ErrInvalidInput, media.ID)
	case media.ChatID != nil:
		return nil
	}

	if err := s.store.BindMedia(ctx, media.ID, chatID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("%w: media %s belongs to another chat", ErrInvalidInput, media.ID)
		}
		return s.storeError(err)
	}
	return nil
}

// DeleteMessage removes a message authored by the caller and broadcasts
// the deletion.
func (s *ChatService) DeleteMessage(ctx context.Context, actorID, chatID, messageID string) error {
	if _, _, err := s.authorize(ctx, actorID, chatID); err != nil {
		return err
	}
	message, err := s.store.GetMessage(ctx, chatID, messageID)
	if err != nil {
		return s.storeError(err)
	}
	if message.SenderID != actorID {
		return ErrForbidden
	}
	if err := s.store.DeleteMessage(ctx, chatID, messageID); err != nil {
		return s.storeError(err)
	}

	s.publish(chatID, models.NewMessageDeletedEvent(chatID, messageID))
	return nil
}

// MarkRead records a receipt for the caller on the given message, or on the
// newest message when lastReadMessageID is nil. It returns nil when the chat
// has no messages yet.
func (s *ChatService) MarkRead(ctx context.Context, actorID, chatID string, lastReadMessageID *string) (*models.Message, error) {
	_, participant, err := s.authorize(ctx, actorID, chatID)
	if err != nil {
		return nil, err
	}

	var message *models.Message
	if lastReadMessageID == nil || strings.TrimSpace(*lastReadMessageID) == "" {
		message, err = s.store.LatestMessage(ctx, chatID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
	} else {
		message, err = s.store.GetMessage(ctx, chatID, strings.TrimSpace(*lastReadMessageID))
	}
	if err != nil {
		return nil, s.storeError(err)
	}

	if message.SenderID == actorID || message.HasReceipt(actorID) {
		return message, nil
	}

	added, err := s.store.AddReadReceipt(ctx, message.ID, models.ReadReceipt{
		UserID:      actorID,
		DisplayName: participant.DisplayName,
		ReadAt:      models.Timestamp(s.now()),
	})
	if err != nil {
		return nil, s.storeError(err)
	}
	if !added {
		return message, nil
	}
	return s.store.GetMessage(ctx, chatID, message.ID)
}

func (s *ChatService) ListReadReceipts(ctx context.Context, actorID, chatID, messageID string) ([]models.ReadReceipt, error) {
	if _, _, err := s.authorize(ctx, actorID, chatID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetMessage(ctx, chatID, messageID); err != nil {
		return nil, s.storeError(err)
	}
	return s.store.ListReadReceipts(ctx, messageID)
}

// Search matches message bodies across every chat the caller participates in.
func (s *ChatService) Search(ctx context.Context, actorID string, input SearchInput) (*models.MessagePage, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	before, err := decodeCursor(input.Cursor)
	if err != nil {
		return nil, err
	}
	limit := normalizeLimit(input.Limit)

	messages, err := s.store.SearchMessages(ctx, repository.SearchFilter{
		UserID:          actorID,
		Query:           query,
		Before:          before,
		Limit:           limit + 1,
		IncludeArchived: input.IncludeArchived,
	})
	if err != nil {
		return nil, err
	}
	messages, next := paginate(messages, limit, func(message models.Message) time.Time { return message.CreatedAt })
	return &models.MessagePage{Messages: messages, NextCursor: next}, nil
}

// authorize loads the chat and the caller's participant record. A missing
// chat and a chat the caller is not part of are reported the same way.
func (s *ChatService) authorize(ctx context.Context, actorID, chatID string) (*models.Chat, *models.Participant, error) {
	if actorID == "" {
		return nil, nil, ErrUnauthorized
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, nil, ErrForbidden
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrForbidden
		}
		return nil, nil, err
	}
	participant := chat.Participant(actorID)
	if participant == nil {
		return nil, nil, ErrForbidden
	}
	return chat, participant, nil
}

func (s *ChatService) viewChat(ctx context.Context, actorID, chatID string) (*models.Chat, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, s.storeError(err)
	}
	chat.ForViewer(actorID, s.now())
	return chat, nil
}

func (s *ChatService) resolveUsers(ctx context.Context, userIDs []string) ([]*models.User, error) {
	users := make([]*models.User, 0, len(userIDs))
	for _, userID := range userIDs {
		user, err := s.users.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
			}
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *ChatService) publish(chatID string, event models.RealtimeEvent) {
	if s.events == nil {
		return
	}
	s.events.PublishChatEvent(chatID, event)
}

func (s *ChatService) storeError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func newParticipant(user *models.User, canWrite bool, joinedAt time.Time) models.Participant {
	return models.Participant{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		PlayerID:    user.PlayerID,
		CanWrite:    canWrite,
		JoinedAt:    joinedAt,
	}
}

func uniqueIDs(ids []string) ([]string, error) {
	seen := make(map[string]bool, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, ErrInvalidParticipant
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}
	return unique, nil
}
