package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{BaseURL: server.URL, Token: StaticToken("access-token")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client
}

func TestListChatsSendsAuthAndPagingQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/chats" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
			t.Fatalf("expected bearer header, got %q", got)
		}
		query := r.URL.Query()
		if query.Get("cursor") != "abc" || query.Get("limit") != "10" || query.Get("include_archived") != "true" || query.Get("q") != "training" {
			t.Fatalf("unexpected query %q", r.URL.RawQuery)
		}
		next := "next-cursor"
		_ = json.NewEncoder(w).Encode(models.ChatPage{
			Chats:      []models.Chat{{ID: "chat-1", Kind: models.ChatKindGroup}},
			NextCursor: &next,
		})
	})

	page, err := client.ListChats(context.Background(), ListChatsParams{
		Cursor:          "abc",
		Limit:           10,
		IncludeArchived: true,
		Query:           "training",
	})
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(page.Chats) != 1 || page.Chats[0].ID != "chat-1" {
		t.Fatalf("unexpected chats %+v", page.Chats)
	}
	if page.NextCursor == nil || *page.NextCursor != "next-cursor" {
		t.Fatalf("unexpected next cursor %v", page.NextCursor)
	}
}

func TestSendMessagePostsDraft(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/chats/chat-1/messages" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Fatalf("expected json content type, got %q", got)
		}
		var draft models.MessageDraft
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
			t.Fatalf("decode draft: %v", err)
		}
		if draft.ClientID != "client-1" || draft.Body != "hello" {
			t.Fatalf("unexpected draft %+v", draft)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": models.Message{
			ID:       "message-1",
			ClientID: draft.ClientID,
			ChatID:   "chat-1",
			Type:     models.MessageTypeText,
			Body:     draft.Body,
			Status:   models.StatusSent,
		}})
	})

	message, err := client.SendMessage(context.Background(), "chat-1", models.MessageDraft{
		ClientID: "client-1",
		Type:     models.MessageTypeText,
		Body:     "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if message.ID != "message-1" || message.Status != models.StatusSent {
		t.Fatalf("unexpected message %+v", message)
	}
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	cases := map[string]struct {
		status int
		code   string
		want   error
	}{
		"unauthorized": {http.StatusUnauthorized, "unauthorized", ErrUnauthorized},
		"forbidden":    {http.StatusForbidden, "forbidden", ErrForbidden},
		"write denied": {http.StatusForbidden, "write_denied", ErrWriteDenied},
		"not found":    {http.StatusNotFound, "not_found", ErrNotFound},
		"invalid":      {http.StatusBadRequest, "invalid_input", ErrInvalidInput},
		"storage":      {http.StatusServiceUnavailable, "storage_unavailable", ErrStorageUnavailable},
		"internal":     {http.StatusInternalServerError, "internal", ErrServer},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope", "code": tc.code})
			})

			_, err := client.SendMessage(context.Background(), "chat-1", models.MessageDraft{
				Type: models.MessageTypeText,
				Body: "hi",
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if IsTransient(err) {
				t.Fatalf("API error %v must not be transient", err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tc.status {
				t.Fatalf("expected APIError with status %d, got %v", tc.status, err)
			}
		})
	}
}

func TestWriteDeniedIsDistinctFromForbidden(t *testing.T) {
	err := &APIError{Status: http.StatusForbidden, Code: "write_denied"}
	if errors.Is(err, ErrForbidden) {
		t.Fatalf("write_denied should not match ErrForbidden")
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client, err := New(Config{
		BaseURL:    baseURL,
		Token:      StaticToken("t"),
		HTTPClient: &http.Client{Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.SendMessage(context.Background(), "chat-1", models.MessageDraft{Type: models.MessageTypeText, Body: "hi"})
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("expected transport failure to be transient")
	}
}

func TestGatewayErrorWithoutCodeIsTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	})

	_, err := client.ListMessages(context.Background(), "chat-1", "", 0)
	if !IsTransient(err) {
		t.Fatalf("expected bare 502 to be transient, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad gateway") {
		t.Fatalf("expected raw body in message, got %v", err)
	}
}

func TestCanceledRequestIsNotTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.ListChats(ctx, ListChatsParams{})
	if err == nil {
		t.Fatalf("expected error for canceled context")
	}
	if IsTransient(err) {
		t.Fatalf("canceled request must not be retried: %v", err)
	}
}

func TestMarkReadWithoutMessageSendsNull(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chats/chat-1/read" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"last_read_message_id":null}` {
			t.Fatalf("unexpected body %s", body)
		}
		_, _ = io.WriteString(w, `{"message":null}`)
	})

	message, err := client.MarkRead(context.Background(), "chat-1", nil)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if message != nil {
		t.Fatalf("expected nil message for empty chat, got %+v", message)
	}
}

func TestDeleteMessageAcceptsNoContent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/chats/chat-1/messages/message-1" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := client.DeleteMessage(context.Background(), "chat-1", "message-1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
}

func TestPathSegmentsAreEscaped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		want := "/api/v1/chats/team%2F1/participants/ben%20b%3F/write"
		if got := r.URL.EscapedPath(); got != want {
			t.Fatalf("expected path %s, got %s", want, got)
		}
		_ = json.NewEncoder(w).Encode(map[string]models.Chat{"chat": {ID: "team/1"}})
	})

	chat, err := client.SetParticipantWrite(context.Background(), "team/1", "ben b?", true)
	if err != nil {
		t.Fatalf("SetParticipantWrite: %v", err)
	}
	if chat.ID != "team/1" {
		t.Fatalf("unexpected chat %+v", chat)
	}
}

func TestRealtimeEndpointUpgradesScheme(t *testing.T) {
	secure, err := New(Config{BaseURL: "https://chat.pitchos.test/", Token: StaticToken("t")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := secure.RealtimeEndpoint(); got != "wss://chat.pitchos.test/api/v1/ws" {
		t.Fatalf("unexpected endpoint %q", got)
	}

	plain, err := New(Config{BaseURL: "http://localhost:8080", Token: StaticToken("t")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := plain.RealtimeEndpoint(); got != "ws://localhost:8080/api/v1/ws" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{BaseURL: "not a url", Token: StaticToken("t")}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
	if _, err := New(Config{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected missing token error")
	}
}
