package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
)

// MemoryStore keeps the chat registry in process memory. It mirrors the
// Postgres semantics and is used for local development without DB_URL and
// in tests.
type MemoryStore struct {
	mu         sync.RWMutex
	chats      map[string]*models.Chat
	directKeys map[string]string
	messages   map[string]*models.Message
	clientIDs  map[string]string
	media      map[string]*models.MediaUpload
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:      make(map[string]*models.Chat),
		directKeys: make(map[string]string),
		messages:   make(map[string]*models.Message),
		clientIDs:  make(map[string]string),
		media:      make(map[string]*models.MediaUpload),
	}
}

func (s *MemoryStore) CreateChat(_ context.Context, chat *models.Chat, directKey *string) (*models.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if directKey != nil {
		if existingID, ok := s.directKeys[*directKey]; ok {
			return copyChat(s.chats[existingID]), false, nil
		}
	}

	stored := copyChat(chat)
	stored.UpdatedAt = stored.CreatedAt
	stored.Archived = false
	s.chats[stored.ID] = stored
	if directKey != nil {
		s.directKeys[*directKey] = stored.ID
	}
	return copyChat(stored), true, nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyChat(chat), nil
}

func (s *MemoryStore) ListChats(_ context.Context, filter ChatListFilter) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	matches := make([]models.Chat, 0)
	for _, chat := range s.chats {
		if !chat.HasParticipant(filter.UserID) {
			continue
		}
		if filter.Before != nil && !chat.CreatedAt.Before(*filter.Before) {
			continue
		}
		if !filter.IncludeArchived && (chat.Archived || chat.IsExpired(filter.Now)) {
			continue
		}
		if query != "" && !s.chatMatches(chat, query) {
			continue
		}
		matches = append(matches, *copyChat(chat))
	}

	sort.Slice(matches, func(i, j int) bool {
		return newerFirst(matches[i].CreatedAt, matches[i].ID, matches[j].CreatedAt, matches[j].ID)
	})
	return truncate(matches, filter.Limit), nil
}

func (s *MemoryStore) chatMatches(chat *models.Chat, query string) bool {
	if chat.Title != nil && strings.Contains(strings.ToLower(*chat.Title), query) {
		return true
	}
	for _, message := range s.messages {
		if message.ChatID == chat.ID && strings.Contains(strings.ToLower(message.Body), query) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UpdateChat(
	_ context.Context,
	chatID string,
	update ChatUpdate,
	add []models.Participant,
	remove []string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}

	if update.Title != nil {
		chat.Title = update.Title
	}
	if update.WritePolicy != nil {
		chat.WritePolicy = *update.WritePolicy
	}
	if update.ClearTemporary {
		chat.TemporaryUntil = nil
	} else if update.TemporaryUntil != nil {
		chat.TemporaryUntil = update.TemporaryUntil
	}
	if update.Archived != nil {
		chat.Archived = *update.Archived
	}
	chat.UpdatedAt = models.Timestamp(time.Now())

	if len(remove) > 0 {
		removed := make(map[string]bool, len(remove))
		for _, userID := range remove {
			removed[userID] = true
		}
		kept := chat.Participants[:0]
		for _, participant := range chat.Participants {
			if !removed[participant.UserID] {
				kept = append(kept, participant)
			}
		}
		chat.Participants = kept
	}
	for _, participant := range add {
		if !chat.HasParticipant(participant.UserID) {
			chat.Participants = append(chat.Participants, participant)
		}
	}
	return nil
}

func (s *MemoryStore) UpdateParticipant(_ context.Context, chatID, userID string, update ParticipantUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	participant := chat.Participant(userID)
	if participant == nil {
		return ErrNotFound
	}

	if update.CanWrite != nil {
		participant.CanWrite = *update.CanWrite
	}
	if update.Pinned != nil {
		participant.Pinned = *update.Pinned
	}
	if update.ClearMute {
		participant.MuteUntil = nil
	} else if update.MuteUntil != nil {
		participant.MuteUntil = update.MuteUntil
	}
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, message *models.Message) (*models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[message.ChatID]
	if !ok {
		return nil, false, ErrNotFound
	}

	key := message.ChatID + "|" + message.SenderID + "|" + message.ClientID
	if message.ClientID != "" {
		if existingID, ok := s.clientIDs[key]; ok {
			return copyMessage(s.messages[existingID]), false, nil
		}
	}

	stored := copyMessage(message)
	stored.UpdatedAt = stored.CreatedAt
	stored.ReadReceipts = make([]models.ReadReceipt, 0)
	s.messages[stored.ID] = stored
	if message.ClientID != "" {
		s.clientIDs[key] = stored.ID
	}
	s.refreshLastMessage(chat)
	return copyMessage(stored), true, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, chatID, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[messageID]
	if !ok || message.ChatID != chatID {
		return nil, ErrNotFound
	}
	return copyMessage(message), nil
}

func (s *MemoryStore) LatestMessage(_ context.Context, chatID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latest(chatID)
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyMessage(latest), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, chatID string, before *time.Time, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectMessages(limit, func(message *models.Message) bool {
		return message.ChatID == chatID && (before == nil || message.CreatedAt.Before(*before))
	}), nil
}

func (s *MemoryStore) SearchMessages(_ context.Context, filter SearchFilter) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.ToLower(strings.TrimSpace(filter.Query))
	return s.collectMessages(filter.Limit, func(message *models.Message) bool {
		chat, ok := s.chats[message.ChatID]
		if !ok || !chat.HasParticipant(filter.UserID) {
			return false
		}
		if chat.Archived && !filter.IncludeArchived {
			return false
		}
		if filter.Before != nil && !message.CreatedAt.Before(*filter.Before) {
			return false
		}
		return strings.Contains(strings.ToLower(message.Body), query)
	}), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, chatID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageID]
	if !ok || message.ChatID != chatID {
		return ErrNotFound
	}
	delete(s.messages, messageID)
	if message.ClientID != "" {
		delete(s.clientIDs, message.ChatID+"|"+message.SenderID+"|"+message.ClientID)
	}
	if chat, ok := s.chats[chatID]; ok {
		s.refreshLastMessage(chat)
	}
	return nil
}

func (s *MemoryStore) AddReadReceipt(_ context.Context, messageID string, receipt models.ReadReceipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	if message.HasReceipt(receipt.UserID) {
		return false, nil
	}
	message.ReadReceipts = append(message.ReadReceipts, receipt)
	if message.Status != models.StatusRead {
		message.Status = models.StatusRead
		message.UpdatedAt = receipt.ReadAt
	}
	return true, nil
}

func (s *MemoryStore) ListReadReceipts(_ context.Context, messageID string) ([]models.ReadReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[messageID]
	if !ok {
		return make([]models.ReadReceipt, 0), nil
	}
	return append(make([]models.ReadReceipt, 0, len(message.ReadReceipts)), message.ReadReceipts...), nil
}

func (s *MemoryStore) CreateMedia(_ context.Context, media *models.MediaUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *media
	stored.UpdatedAt = stored.CreatedAt
	s.media[stored.ID] = &stored
	return nil
}

func (s *MemoryStore) GetMedia(_ context.Context, mediaID string) (*models.MediaUpload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	media, ok := s.media[mediaID]
	if !ok {
		return nil, ErrNotFound
	}
	stored := *media
	return &stored, nil
}

func (s *MemoryStore) CompleteMedia(_ context.Context, mediaID, url string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	media, ok := s.media[mediaID]
	if !ok {
		return ErrNotFound
	}
	media.URL = &url
	media.Status = models.MediaStatusCompleted
	media.UpdatedAt = completedAt
	return nil
}

func (s *MemoryStore) BindMedia(_ context.Context, mediaID, chatID string, boundAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	media, ok := s.media[mediaID]
	if !ok {
		return ErrNotFound
	}
	if media.ChatID != nil {
		if *media.ChatID != chatID {
			return ErrConflict
		}
		return nil
	}
	bound := chatID
	media.ChatID = &bound
	media.UpdatedAt = boundAt
	return nil
}

func (s *MemoryStore) latest(chatID string) *models.Message {
	var latest *models.Message
	for _, message := range s.messages {
		if message.ChatID != chatID {
			continue
		}
		if latest == nil || newerFirst(message.CreatedAt, message.ID, latest.CreatedAt, latest.ID) {
			latest = message
		}
	}
	return latest
}

func (s *MemoryStore) refreshLastMessage(chat *models.Chat) {
	latest := s.latest(chat.ID)
	if latest == nil {
		chat.LastMessagePreview = nil
		chat.LastMessageAt = nil
		return
	}
	preview := latest.Preview()
	createdAt := latest.CreatedAt
	chat.LastMessagePreview = &preview
	chat.LastMessageAt = &createdAt
}

func (s *MemoryStore) collectMessages(limit int, keep func(*models.Message) bool) []models.Message {
	matches := make([]models.Message, 0)
	for _, message := range s.messages {
		if keep(message) {
			matches = append(matches, *copyMessage(message))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return newerFirst(matches[i].CreatedAt, matches[i].ID, matches[j].CreatedAt, matches[j].ID)
	})
	return truncate(matches, limit)
}

// MemoryUsers is an in-memory user directory.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]models.User
}

func NewMemoryUsers(users ...models.User) *MemoryUsers {
	directory := &MemoryUsers{users: make(map[string]models.User, len(users))}
	for _, user := range users {
		directory.users[user.ID] = user
	}
	return directory
}

func (u *MemoryUsers) Put(user models.User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[user.ID] = user
}

func (u *MemoryUsers) CreateUser(_ context.Context, user *models.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, exists := u.users[user.ID]; exists {
		return ErrConflict
	}
	for _, existing := range u.users {
		if existing.Email == user.Email {
			return ErrConflict
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = models.Timestamp(time.Now())
	}
	u.users[user.ID] = *user
	return nil
}

func (u *MemoryUsers) GetByID(_ context.Context, id string) (*models.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	user, ok := u.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func newerFirst(aTime time.Time, aID string, bTime time.Time, bID string) bool {
	if !aTime.Equal(bTime) {
		return aTime.After(bTime)
	}
	return aID > bID
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func copyChat(chat *models.Chat) *models.Chat {
	copied := *chat
	copied.Participants = append(make([]models.Participant, 0, len(chat.Participants)), chat.Participants...)
	return &copied
}

func copyMessage(message *models.Message) *models.Message {
	copied := *message
	copied.ReadReceipts = append(make([]models.ReadReceipt, 0, len(message.ReadReceipts)), message.ReadReceipts...)
	return &copied
}
