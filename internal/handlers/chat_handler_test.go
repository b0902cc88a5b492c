package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/services"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/gofiber/fiber/v2"
)

type stubChatService struct {
	err error

	chatPage    *models.ChatPage
	chat        *models.Chat
	messagePage *models.MessagePage
	message     *models.Message
	receipts    []models.ReadReceipt

	lastActorID   string
	lastChatID    string
	lastMessageID string
	lastListInput services.ListChatsInput
	lastGroup     services.CreateGroupChatInput
	lastUpdate    services.UpdateChatInput
	lastPrefs     services.PreferencesInput
	lastDraft     models.MessageDraft
	lastCursor    string
	lastLimit     int
	lastReadID    *string
	lastCanWrite  bool
	lastSearch    services.SearchInput
}

func (s *stubChatService) ListChats(_ context.Context, actorID string, input services.ListChatsInput) (*models.ChatPage, error) {
	s.lastActorID, s.lastListInput = actorID, input
	return s.chatPage, s.err
}

func (s *stubChatService) CreateDirectChat(_ context.Context, actorID, participantID string) (*models.Chat, error) {
	s.lastActorID, s.lastChatID = actorID, participantID
	return s.chat, s.err
}

func (s *stubChatService) CreateGroupChat(_ context.Context, actorID string, input services.CreateGroupChatInput) (*models.Chat, error) {
	s.lastActorID, s.lastGroup = actorID, input
	return s.chat, s.err
}

func (s *stubChatService) UpdateChat(_ context.Context, actorID, chatID string, input services.UpdateChatInput) (*models.Chat, error) {
	s.lastActorID, s.lastChatID, s.lastUpdate = actorID, chatID, input
	return s.chat, s.err
}

func (s *stubChatService) ArchiveChat(_ context.Context, actorID, chatID string) (*models.Chat, error) {
	s.lastActorID, s.lastChatID = actorID, chatID
	return s.chat, s.err
}

func (s *stubChatService) UnarchiveChat(_ context.Context, actorID, chatID string) (*models.Chat, error) {
	s.lastActorID, s.lastChatID = actorID, chatID
	return s.chat, s.err
}

func (s *stubChatService) SetParticipantWrite(_ context.Context, actorID, chatID, userID string, canWrite bool) (*models.Chat, error) {
	s.lastActorID, s.lastChatID, s.lastMessageID, s.lastCanWrite = actorID, chatID, userID, canWrite
	return s.chat, s.err
}

func (s *stubChatService) UpdatePreferences(_ context.Context, actorID, chatID string, input services.PreferencesInput) (*models.Chat, error) {
	s.lastActorID, s.lastChatID, s.lastPrefs = actorID, chatID, input
	return s.chat, s.err
}

func (s *stubChatService) ListMessages(_ context.Context, actorID, chatID, cursor string, limit int) (*models.MessagePage, error) {
	s.lastActorID, s.lastChatID, s.lastCursor, s.lastLimit = actorID, chatID, cursor, limit
	return s.messagePage, s.err
}

func (s *stubChatService) SendMessage(_ context.Context, actorID, chatID string, draft models.MessageDraft) (*models.Message, error) {
	s.lastActorID, s.lastChatID, s.lastDraft = actorID, chatID, draft
	return s.message, s.err
}

func (s *stubChatService) DeleteMessage(_ context.Context, actorID, chatID, messageID string) error {
	s.lastActorID, s.lastChatID, s.lastMessageID = actorID, chatID, messageID
	return s.err
}

func (s *stubChatService) MarkRead(_ context.Context, actorID, chatID string, lastReadMessageID *string) (*models.Message, error) {
	s.lastActorID, s.lastChatID, s.lastReadID = actorID, chatID, lastReadMessageID
	return s.message, s.err
}

func (s *stubChatService) ListReadReceipts(_ context.Context, actorID, chatID, messageID string) ([]models.ReadReceipt, error) {
	s.lastActorID, s.lastChatID, s.lastMessageID = actorID, chatID, messageID
	return s.receipts, s.err
}

func (s *stubChatService) Search(_ context.Context, actorID string, input services.SearchInput) (*models.MessagePage, error) {
	s.lastActorID, s.lastSearch = actorID, input
	return s.messagePage, s.err
}

// newChatApp mounts the chat routes behind a fake auth layer that trusts
// the X-Test-User header.
func newChatApp(service *stubChatService) *fiber.App {
	handler := NewChatHandler(service, nil)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID := c.Get("X-Test-User"); userID != "" {
			c.Locals("user_id", userID)
		}
		return c.Next()
	})
	app.Get("/api/v1/chats", handler.ListChats)
	app.Post("/api/v1/chats/direct", handler.CreateDirectChat)
	app.Post("/api/v1/chats/group", handler.CreateGroupChat)
	app.Patch("/api/v1/chats/:id", handler.UpdateChat)
	app.Post("/api/v1/chats/:id/archive", handler.ArchiveChat)
	app.Post("/api/v1/chats/:id/unarchive", handler.UnarchiveChat)
	app.Put("/api/v1/chats/:id/participants/:userId/write", handler.SetParticipantWrite)
	app.Patch("/api/v1/chats/:id/preferences", handler.UpdatePreferences)
	app.Get("/api/v1/chats/:id/messages", handler.ListMessages)
	app.Post("/api/v1/chats/:id/messages", handler.SendMessage)
	app.Delete("/api/v1/chats/:id/messages/:messageId", handler.DeleteMessage)
	app.Post("/api/v1/chats/:id/read", handler.MarkRead)
	app.Get("/api/v1/chats/:id/messages/:messageId/receipts", handler.ListReadReceipts)
	app.Get("/api/v1/search", handler.Search)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target, userID, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("expected %d, got %d", status, resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decodeBody(t, resp, &body)
	if body.Code != code || body.Error == "" {
		t.Fatalf("expected code %q with message, got %+v", code, body)
	}
}

func TestListChatsPassesPagingAndFilters(t *testing.T) {
	cursor := "next-page"
	service := &stubChatService{chatPage: &models.ChatPage{
		Chats:      []models.Chat{{ID: "chat-1", Kind: models.ChatKindGroup}},
		NextCursor: &cursor,
	}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodGet, "/api/v1/chats?cursor=abc&limit=15&include_archived=true&q=u17", "anna", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	want := services.ListChatsInput{Cursor: "abc", Limit: 15, IncludeArchived: true, Query: "u17"}
	if service.lastActorID != "anna" || service.lastListInput != want {
		t.Fatalf("unexpected call: %q %+v", service.lastActorID, service.lastListInput)
	}

	var body models.ChatPage
	decodeBody(t, resp, &body)
	if len(body.Chats) != 1 || body.NextCursor == nil || *body.NextCursor != cursor {
		t.Fatalf("unexpected page %+v", body)
	}
}

func TestListChatsIgnoresInvalidLimit(t *testing.T) {
	service := &stubChatService{chatPage: &models.ChatPage{Chats: []models.Chat{}}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodGet, "/api/v1/chats?limit=-3", "anna", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastListInput.Limit != 0 {
		t.Fatalf("expected default limit, got %d", service.lastListInput.Limit)
	}
}

func TestChatRoutesRequireActor(t *testing.T) {
	app := newChatApp(&stubChatService{})
	resp := doRequest(t, app, http.MethodGet, "/api/v1/chats", "", "")
	expectError(t, resp, http.StatusUnauthorized, CodeUnauthorized)
}

func TestCreateGroupChatDefaultsToAllMembers(t *testing.T) {
	service := &stubChatService{chat: &models.Chat{ID: "chat-1", Kind: models.ChatKindGroup}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/chats/group", "coach",
		`{"title":"U17","participant_ids":["anna","ben"],"temporary_until":"2026-06-01T18:00:00Z"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastGroup.WritePolicy != models.WritePolicyAllMembers {
		t.Fatalf("expected all_members default, got %q", service.lastGroup.WritePolicy)
	}
	if len(service.lastGroup.ParticipantIDs) != 2 || service.lastGroup.TemporaryUntil == nil {
		t.Fatalf("unexpected input %+v", service.lastGroup)
	}
	if !service.lastGroup.TemporaryUntil.Equal(time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected expiry %v", service.lastGroup.TemporaryUntil)
	}
}

func TestUpdateChatMapsClearFlags(t *testing.T) {
	service := &stubChatService{chat: &models.Chat{ID: "chat-1"}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPatch, "/api/v1/chats/chat-1", "coach",
		`{"clear_temporary_until":true,"remove_participant_ids":["ben"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !service.lastUpdate.ClearTemporary || service.lastChatID != "chat-1" || len(service.lastUpdate.RemoveParticipantIDs) != 1 {
		t.Fatalf("unexpected update %+v", service.lastUpdate)
	}
}

func TestSendMessageReturnsCreatedMessage(t *testing.T) {
	service := &stubChatService{message: &models.Message{ID: "message-1", ChatID: "chat-1", Status: models.StatusSent}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/chats/chat-1/messages", "anna",
		`{"client_id":"c-1","type":"text","body":"see you at training"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastDraft.ClientID != "c-1" || service.lastDraft.Type != models.MessageTypeText || service.lastChatID != "chat-1" {
		t.Fatalf("unexpected draft %+v", service.lastDraft)
	}

	var body struct {
		Message models.Message `json:"message"`
	}
	decodeBody(t, resp, &body)
	if body.Message.ID != "message-1" {
		t.Fatalf("unexpected response %+v", body)
	}
}

func TestSendMessageRejectsUnknownAttachmentFields(t *testing.T) {
	service := &stubChatService{}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/chats/chat-1/messages", "anna",
		`{"type":"image","attachment":{"media_id":"m","kind":"image","filename":"a.png","mime_type":"image/png","size":10,"exif":{}}}`)
	expectError(t, resp, http.StatusBadRequest, CodeInvalidInput)
	if service.lastChatID != "" {
		t.Fatalf("service must not be called for malformed drafts")
	}
}

func TestChatErrorsMapToPublicCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{err: services.ErrUnauthorized, status: http.StatusUnauthorized, code: CodeUnauthorized},
		{err: services.ErrForbidden, status: http.StatusForbidden, code: CodeForbidden},
		{err: fmt.Errorf("%w: chat expired", services.ErrWriteDenied), status: http.StatusForbidden, code: CodeWriteDenied},
		{err: services.ErrNotFound, status: http.StatusNotFound, code: CodeNotFound},
		{err: services.ErrMissingTitle, status: http.StatusBadRequest, code: CodeInvalidInput},
		{err: services.ErrStorageUnavailable, status: http.StatusServiceUnavailable, code: CodeStorageUnavailable},
		{err: errors.New("connection reset"), status: http.StatusInternalServerError, code: CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			app := newChatApp(&stubChatService{err: tc.err})
			resp := doRequest(t, app, http.MethodPost, "/api/v1/chats/chat-1/messages", "anna", `{"type":"text","body":"hi"}`)
			expectError(t, resp, tc.status, tc.code)
		})
	}
}

func TestMarkReadAcceptsEmptyBody(t *testing.T) {
	service := &stubChatService{message: &models.Message{ID: "message-9"}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/chats/chat-1/read", "anna", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastReadID != nil {
		t.Fatalf("expected latest-message marker, got %q", *service.lastReadID)
	}

	resp = doRequest(t, app, http.MethodPost, "/api/v1/chats/chat-1/read", "anna", `{"last_read_message_id":"message-4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastReadID == nil || *service.lastReadID != "message-4" {
		t.Fatalf("expected explicit message id, got %v", service.lastReadID)
	}
}

func TestSetParticipantWriteRequiresFlag(t *testing.T) {
	service := &stubChatService{chat: &models.Chat{ID: "chat-1"}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPut, "/api/v1/chats/chat-1/participants/ben/write", "coach", `{}`)
	expectError(t, resp, http.StatusBadRequest, CodeInvalidInput)

	resp = doRequest(t, app, http.MethodPut, "/api/v1/chats/chat-1/participants/ben/write", "coach", `{"can_write":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastMessageID != "ben" || !service.lastCanWrite {
		t.Fatalf("unexpected call %q %v", service.lastMessageID, service.lastCanWrite)
	}
}

func TestDeleteMessageReturnsNoContent(t *testing.T) {
	service := &stubChatService{}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodDelete, "/api/v1/chats/chat-1/messages/message-2", "coach", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if service.lastChatID != "chat-1" || service.lastMessageID != "message-2" {
		t.Fatalf("unexpected call %q %q", service.lastChatID, service.lastMessageID)
	}
}

func TestPreferencesAndArchiveRoutes(t *testing.T) {
	service := &stubChatService{chat: &models.Chat{ID: "chat-1", Pinned: true}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPatch, "/api/v1/chats/chat-1/preferences", "anna", `{"pinned":true,"clear_mute":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastPrefs.Pinned == nil || !*service.lastPrefs.Pinned || !service.lastPrefs.ClearMute {
		t.Fatalf("unexpected preferences %+v", service.lastPrefs)
	}

	for _, action := range []string{"archive", "unarchive"} {
		resp = doRequest(t, app, http.MethodPost, "/api/v1/chats/chat-1/"+action, "anna", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", action, resp.StatusCode)
		}
	}
}

func TestReceiptsAndSearch(t *testing.T) {
	service := &stubChatService{
		receipts:    []models.ReadReceipt{{UserID: "anna", DisplayName: "Anna"}},
		messagePage: &models.MessagePage{Messages: []models.Message{{ID: "message-1"}}},
	}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodGet, "/api/v1/chats/chat-1/messages/message-1/receipts", "coach", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var receipts struct {
		ReadReceipts []models.ReadReceipt `json:"read_receipts"`
	}
	decodeBody(t, resp, &receipts)
	if len(receipts.ReadReceipts) != 1 {
		t.Fatalf("unexpected receipts %+v", receipts)
	}

	resp = doRequest(t, app, http.MethodGet, "/api/v1/search?q=tactics&limit=5", "coach", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastSearch.Query != "tactics" || service.lastSearch.Limit != 5 {
		t.Fatalf("unexpected search %+v", service.lastSearch)
	}
}

func TestPathParamsAreUnescaped(t *testing.T) {
	service := &stubChatService{chat: &models.Chat{ID: "team/1"}}
	app := newChatApp(service)

	resp := doRequest(t, app, http.MethodPut, "/api/v1/chats/team%2F1/participants/ben%3Ab/write", "coach", `{"can_write":true}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastChatID != "team/1" || service.lastMessageID != "ben:b" {
		t.Fatalf("unexpected ids %q %q", service.lastChatID, service.lastMessageID)
	}
}
