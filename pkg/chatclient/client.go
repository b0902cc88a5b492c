// Package chatclient is the typed device-side client for the chat REST API.
// It performs exactly one HTTP request per call and never retries; callers
// that need durable sends go through the outbox dispatcher.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"go.uber.org/zap"
)

const defaultTimeout = 15 * time.Second

// TokenSource returns the bearer access token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type Config struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	baseURL *url.URL
	token   TokenSource
	http    *http.Client
	logger  *zap.Logger
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("chatclient: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("chatclient: token source is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: base, token: cfg.Token, http: httpClient, logger: logger}, nil
}

// BaseURL is the server root the client talks to.
func (c *Client) BaseURL() *url.URL {
	copied := *c.baseURL
	return &copied
}

type ListChatsParams struct {
	Cursor          string
	Limit           int
	IncludeArchived bool
	Query           string
}

type CreateGroupChatParams struct {
	Title          string             `json:"title"`
	ParticipantIDs []string           `json:"participant_ids"`
	WritePolicy    models.WritePolicy `json:"write_policy,omitempty"`
	TemporaryUntil *time.Time         `json:"temporary_until,omitempty"`
	WriterIDs      []string           `json:"writer_ids,omitempty"`
}

type UpdateChatParams struct {
	Title                *string             `json:"title,omitempty"`
	WritePolicy          *models.WritePolicy `json:"write_policy,omitempty"`
	TemporaryUntil       *time.Time          `json:"temporary_until,omitempty"`
	ClearTemporaryUntil  bool                `json:"clear_temporary_until,omitempty"`
	AddParticipantIDs    []string            `json:"add_participant_ids,omitempty"`
	RemoveParticipantIDs []string            `json:"remove_participant_ids,omitempty"`
}

type PreferencesParams struct {
	Pinned    *bool      `json:"pinned,omitempty"`
	MuteUntil *time.Time `json:"mute_until,omitempty"`
	ClearMute bool       `json:"clear_mute,omitempty"`
}

type SearchParams struct {
	Query           string
	Cursor          string
	Limit           int
	IncludeArchived bool
}

type RegisterMediaParams struct {
	ChatID   *string               `json:"chat_id,omitempty"`
	Kind     models.AttachmentKind `json:"kind"`
	Filename string                `json:"filename"`
	MimeType string                `json:"mime_type"`
	Size     int64                 `json:"size"`
}

type chatEnvelope struct {
	Chat *models.Chat `json:"chat"`
}

type messageEnvelope struct {
	Message *models.Message `json:"message"`
}

func (c *Client) ListChats(ctx context.Context, params ListChatsParams) (*models.ChatPage, error) {
	query := pageValues(params.Cursor, params.Limit, params.IncludeArchived, params.Query)
	var page models.ChatPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/chats", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) CreateDirectChat(ctx context.Context, participantID string) (*models.Chat, error) {
	var out chatEnvelope
	body := map[string]string{"participant_id": participantID}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats/direct", nil, body, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) CreateGroupChat(ctx context.Context, params CreateGroupChatParams) (*models.Chat, error) {
	var out chatEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats/group", nil, params, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) UpdateChat(ctx context.Context, chatID string, params UpdateChatParams) (*models.Chat, error) {
	var out chatEnvelope
	if err := c.do(ctx, http.MethodPatch, chatPath(chatID), nil, params, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) ArchiveChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var out chatEnvelope
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "archive"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) UnarchiveChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var out chatEnvelope
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "unarchive"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) SetParticipantWrite(ctx context.Context, chatID, userID string, canWrite bool) (*models.Chat, error) {
	var out chatEnvelope
	body := map[string]bool{"can_write": canWrite}
	if err := c.do(ctx, http.MethodPut, chatPath(chatID, "participants", userID, "write"), nil, body, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) UpdatePreferences(ctx context.Context, chatID string, params PreferencesParams) (*models.Chat, error) {
	var out chatEnvelope
	if err := c.do(ctx, http.MethodPut, chatPath(chatID, "preferences"), nil, params, &out); err != nil {
		return nil, err
	}
	return out.Chat, nil
}

func (c *Client) ListMessages(ctx context.Context, chatID, cursor string, limit int) (*models.MessagePage, error) {
	var page models.MessagePage
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "messages"), pageValues(cursor, limit, false, ""), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID string, draft models.MessageDraft) (*models.Message, error) {
	var out messageEnvelope
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "messages"), nil, draft, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return c.do(ctx, http.MethodDelete, chatPath(chatID, "messages", messageID), nil, nil, nil)
}

// MarkRead records a receipt up to lastReadMessageID, or up to the latest
// message when it is nil. The returned message is nil for an empty chat.
func (c *Client) MarkRead(ctx context.Context, chatID string, lastReadMessageID *string) (*models.Message, error) {
	var out messageEnvelope
	body := map[string]*string{"last_read_message_id": lastReadMessageID}
	if err := c.do(ctx, http.MethodPost, chatPath(chatID, "read"), nil, body, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

func (c *Client) ListReadReceipts(ctx context.Context, chatID, messageID string) ([]models.ReadReceipt, error) {
	var out struct {
		ReadReceipts []models.ReadReceipt `json:"read_receipts"`
	}
	if err := c.do(ctx, http.MethodGet, chatPath(chatID, "messages", messageID, "receipts"), nil, nil, &out); err != nil {
		return nil, err
	}
	return out.ReadReceipts, nil
}

func (c *Client) Search(ctx context.Context, params SearchParams) (*models.MessagePage, error) {
	var page models.MessagePage
	query := pageValues(params.Cursor, params.Limit, params.IncludeArchived, params.Query)
	if err := c.do(ctx, http.MethodGet, "/api/v1/search", query, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) RegisterMedia(ctx context.Context, params RegisterMediaParams) (*models.MediaRegistration, error) {
	var out models.MediaRegistration
	if err := c.do(ctx, http.MethodPost, "/api/v1/media", nil, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CompleteMedia(ctx context.Context, mediaID, fileURL string) (*models.MediaUpload, error) {
	var out struct {
		Media *models.MediaUpload `json:"media"`
	}
	body := map[string]string{"url": fileURL}
	if err := c.do(ctx, http.MethodPost, apiPath("/api/v1/media", mediaID, "complete"), nil, body, &out); err != nil {
		return nil, err
	}
	return out.Media, nil
}

func (c *Client) MediaDownload(ctx context.Context, mediaID string) (*models.MediaUpload, string, error) {
	var out struct {
		Media       *models.MediaUpload `json:"media"`
		DownloadURL string              `json:"download_url"`
	}
	if err := c.do(ctx, http.MethodGet, apiPath("/api/v1/media", mediaID), nil, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Media, out.DownloadURL, nil
}

// RealtimeToken fetches a single-use token for opening the realtime stream.
func (c *Client) RealtimeToken(ctx context.Context) (*models.RealtimeToken, error) {
	var out models.RealtimeToken
	if err := c.do(ctx, http.MethodGet, "/api/v1/realtime/token", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RealtimeEndpoint is the websocket URL of the realtime stream, with the
// scheme upgraded from http(s) to ws(s).
func (c *Client) RealtimeEndpoint() string {
	endpoint := c.BaseURL()
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/api/v1/ws"
	return endpoint.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chat api %s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := c.BaseURL()
	rawPath := strings.TrimRight(endpoint.EscapedPath(), "/") + path
	decoded, err := url.PathUnescape(rawPath)
	if err != nil {
		return fmt.Errorf("chat api %s: bad path: %w", op, err)
	}
	endpoint.Path, endpoint.RawPath = decoded, rawPath
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("chat api %s: build request: %w", op, err)
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("chat api %s: token: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("chat api transport failure", zap.String("op", op), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	c.logger.Debug("chat api call",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(started)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("chat api %s: decode response: %w", op, err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{Status: status, Code: body.Code, Message: body.Error}
}

func pageValues(cursor string, limit int, includeArchived bool, query string) url.Values {
	values := url.Values{}
	if cursor != "" {
		values.Set("cursor", cursor)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	if includeArchived {
		values.Set("include_archived", "true")
	}
	if strings.TrimSpace(query) != "" {
		values.Set("q", query)
	}
	return values
}

// apiPath joins path segments under prefix, escaping each one.
func apiPath(prefix string, segments ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, segment := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(segment))
	}
	return b.String()
}

func chatPath(chatID string, segments ...string) string {
	return apiPath("/api/v1/chats", append([]string{chatID}, segments...)...)
}
