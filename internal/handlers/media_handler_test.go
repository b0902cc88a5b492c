package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/services"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/gofiber/fiber/v2"
)

type stubMediaService struct {
	registration *models.MediaRegistration
	media        *models.MediaUpload
	download     *services.MediaDownload
	err          error

	lastInput   services.RegisterMediaInput
	lastMediaID string
	lastURL     string
}

func (s *stubMediaService) Register(_ context.Context, _ string, input services.RegisterMediaInput) (*models.MediaRegistration, error) {
	s.lastInput = input
	return s.registration, s.err
}

func (s *stubMediaService) Complete(_ context.Context, _ string, mediaID, fileURL string) (*models.MediaUpload, error) {
	s.lastMediaID, s.lastURL = mediaID, fileURL
	return s.media, s.err
}

func (s *stubMediaService) Download(_ context.Context, _ string, mediaID string) (*services.MediaDownload, error) {
	s.lastMediaID = mediaID
	return s.download, s.err
}

func newMediaApp(service *stubMediaService) *fiber.App {
	handler := NewMediaHandler(service, nil)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", "coach")
		return c.Next()
	})
	app.Post("/api/v1/media", handler.Register)
	app.Post("/api/v1/media/:id/complete", handler.Complete)
	app.Get("/api/v1/media/:id", handler.Download)
	return app
}

func TestRegisterMediaReturnsUploadURL(t *testing.T) {
	service := &stubMediaService{registration: &models.MediaRegistration{
		Media:     &models.MediaUpload{ID: "media-1", Status: models.MediaStatusPending},
		UploadURL: "https://storage.test/upload?token=x",
	}}
	app := newMediaApp(service)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/media", "",
		`{"chat_id":"chat-1","kind":"video","filename":"drill.mp4","mime_type":"video/mp4","size":1048576}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastInput.ChatID == nil || *service.lastInput.ChatID != "chat-1" || service.lastInput.Size != 1048576 {
		t.Fatalf("unexpected input %+v", service.lastInput)
	}

	var body models.MediaRegistration
	decodeBody(t, resp, &body)
	if body.UploadURL == "" || body.Media == nil || body.Media.ID != "media-1" {
		t.Fatalf("unexpected registration %+v", body)
	}
}

func TestCompleteMediaRequiresURL(t *testing.T) {
	service := &stubMediaService{media: &models.MediaUpload{ID: "media-1", Status: models.MediaStatusCompleted}}
	app := newMediaApp(service)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/media/media-1/complete", "", `{}`)
	expectError(t, resp, http.StatusBadRequest, CodeInvalidInput)

	resp = doRequest(t, app, http.MethodPost, "/api/v1/media/media-1/complete", "", `{"url":"https://storage.test/object/a.mp4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastMediaID != "media-1" || service.lastURL != "https://storage.test/object/a.mp4" {
		t.Fatalf("unexpected call %q %q", service.lastMediaID, service.lastURL)
	}
}

func TestMediaStorageOutageIsServiceUnavailable(t *testing.T) {
	app := newMediaApp(&stubMediaService{err: services.ErrStorageUnavailable})
	resp := doRequest(t, app, http.MethodGet, "/api/v1/media/media-1", "", "")
	expectError(t, resp, http.StatusServiceUnavailable, CodeStorageUnavailable)
}

func TestDownloadMediaReturnsSignedURL(t *testing.T) {
	service := &stubMediaService{download: &services.MediaDownload{
		Media:       &models.MediaUpload{ID: "media-1"},
		DownloadURL: "https://storage.test/sign/a.mp4?token=r",
	}}
	app := newMediaApp(service)

	resp := doRequest(t, app, http.MethodGet, "/api/v1/media/media-1", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body services.MediaDownload
	decodeBody(t, resp, &body)
	if body.DownloadURL == "" {
		t.Fatalf("missing download url")
	}
}

type stubTokenService struct {
	token     *models.RealtimeToken
	issueErr  error
	consumeID string
	consumed  string
}

func (s *stubTokenService) Issue(context.Context, string) (*models.RealtimeToken, error) {
	return s.token, s.issueErr
}

func (s *stubTokenService) Consume(_ context.Context, token string) (string, error) {
	s.consumed = token
	if s.consumeID == "" {
		return "", errors.New("unknown token")
	}
	return s.consumeID, nil
}

func TestIssueRealtimeToken(t *testing.T) {
	expiresAt := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	handler := NewRealtimeHandler(&stubTokenService{token: &models.RealtimeToken{Token: "stream", ExpiresAt: expiresAt}}, nil, nil)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID := c.Get("X-Test-User"); userID != "" {
			c.Locals("user_id", userID)
		}
		return c.Next()
	})
	app.Post("/api/v1/realtime/token", handler.IssueToken)

	resp := doRequest(t, app, http.MethodPost, "/api/v1/realtime/token", "anna", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body models.RealtimeToken
	decodeBody(t, resp, &body)
	if body.Token != "stream" || !body.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected token %+v", body)
	}

	resp = doRequest(t, app, http.MethodPost, "/api/v1/realtime/token", "", "")
	expectError(t, resp, http.StatusUnauthorized, CodeUnauthorized)
}

func TestWebSocketAuthRejectsPlainRequestsAndBadTokens(t *testing.T) {
	tokens := &stubTokenService{}
	handler := NewRealtimeHandler(tokens, nil, nil)
	app := fiber.New()
	app.Get("/api/v1/ws", handler.WebSocketAuth, func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(string))
	})

	resp := doRequest(t, app, http.MethodGet, "/api/v1/ws?token=abc", "", "")
	expectError(t, resp, http.StatusUpgradeRequired, CodeInvalidInput)

	upgrade := func(target string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	expectError(t, upgrade("/api/v1/ws"), http.StatusUnauthorized, CodeUnauthorized)
	expectError(t, upgrade("/api/v1/ws?token=replayed"), http.StatusUnauthorized, CodeUnauthorized)
	if tokens.consumed != "replayed" {
		t.Fatalf("expected token to be redeemed, got %q", tokens.consumed)
	}

	tokens.consumeID = "anna"
	resp = upgrade("/api/v1/ws?token=fresh")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the next handler to run, got %d", resp.StatusCode)
	}
}
