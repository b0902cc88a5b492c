package services

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/repository"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
)

type stubStorage struct {
	uploadErr      error
	signedErr      error
	lastUploadPath string
	lastSignedPath string
}

func (s *stubStorage) CreateUploadURL(_ context.Context, objectPath string) (string, error) {
	s.lastUploadPath = objectPath
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	return "https://storage.test/upload/" + objectPath + "?token=signed", nil
}

func (s *stubStorage) SignedDownloadURL(_ context.Context, objectPath string, _ time.Duration) (string, error) {
	s.lastSignedPath = objectPath
	if s.signedErr != nil {
		return "", s.signedErr
	}
	return "https://storage.test/sign/" + objectPath + "?token=read", nil
}

func (s *stubStorage) ObjectPath(fileURL string) (string, error) {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return "", err
	}
	const prefix = "/object/"
	if !strings.HasPrefix(parsed.Path, prefix) {
		return "", errors.New("not a storage object url")
	}
	return strings.TrimPrefix(parsed.Path, prefix), nil
}

func newMediaFixture(t *testing.T, storage StorageService) (*MediaService, *repository.MemoryStore, *models.Chat) {
	t.Helper()
	store := repository.NewMemoryStore()
	chat := &models.Chat{
		ID:          "chat-1",
		Kind:        models.ChatKindGroup,
		WritePolicy: models.WritePolicyAllMembers,
		CreatedBy:   "coach",
		CreatedAt:   time.Now().UTC(),
		Participants: []models.Participant{
			{UserID: "coach", CanWrite: true},
			{UserID: "anna", CanWrite: true},
		},
	}
	if _, _, err := store.CreateChat(context.Background(), chat, nil); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	return NewMediaService(store, storage, nil), store, chat
}

func videoInput(chatID string) RegisterMediaInput {
	return RegisterMediaInput{
		ChatID:   &chatID,
		Kind:     models.AttachmentKindVideo,
		Filename: "Pressing drill.MOV",
		MimeType: "video/quicktime",
		Size:     48 << 20,
	}
}

func TestRegisterMediaSignsUploadUnderChatFolder(t *testing.T) {
	storage := &stubStorage{}
	service, store, chat := newMediaFixture(t, storage)

	registration, err := service.Register(context.Background(), "coach", videoInput(chat.ID))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	media := registration.Media
	if !strings.HasPrefix(media.ObjectPath, "chats/chat-1/coach/") || !strings.HasSuffix(media.ObjectPath, ".mov") {
		t.Fatalf("unexpected object path %q", media.ObjectPath)
	}
	if storage.lastUploadPath != media.ObjectPath {
		t.Fatalf("signed %q, registered %q", storage.lastUploadPath, media.ObjectPath)
	}
	if media.Status != models.MediaStatusPending || registration.UploadURL == "" {
		t.Fatalf("unexpected registration %+v", registration)
	}
	if _, err := store.GetMedia(context.Background(), media.ID); err != nil {
		t.Fatalf("media not stored: %v", err)
	}
}

func TestRegisterMediaValidation(t *testing.T) {
	service, _, chat := newMediaFixture(t, &stubStorage{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*RegisterMediaInput)
		want   error
	}{
		{name: "unknown kind", mutate: func(in *RegisterMediaInput) { in.Kind = "audio" }, want: ErrInvalidInput},
		{name: "extension mismatch", mutate: func(in *RegisterMediaInput) { in.Filename = "drill.png" }, want: ErrInvalidInput},
		{name: "mime mismatch", mutate: func(in *RegisterMediaInput) { in.MimeType = "image/png" }, want: ErrInvalidInput},
		{name: "empty file", mutate: func(in *RegisterMediaInput) { in.Size = 0 }, want: ErrInvalidInput},
		{name: "too large", mutate: func(in *RegisterMediaInput) { in.Size = MaxMediaSize + 1 }, want: ErrInvalidInput},
		{name: "outsider chat", mutate: func(in *RegisterMediaInput) { id := "other-chat"; in.ChatID = &id }, want: ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := videoInput(chat.ID)
			tc.mutate(&input)
			if _, err := service.Register(ctx, "anna", input); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := service.Register(ctx, "carl", videoInput(chat.ID)); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-participant, got %v", err)
	}
}

func TestMediaWithoutStorageIsUnavailable(t *testing.T) {
	service, _, chat := newMediaFixture(t, nil)
	if _, err := service.Register(context.Background(), "coach", videoInput(chat.ID)); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}

	failing, _, _ := newMediaFixture(t, &stubStorage{uploadErr: errors.New("503")})
	if _, err := failing.Register(context.Background(), "coach", videoInput(chat.ID)); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable when signing fails, got %v", err)
	}
}

func TestCompleteMediaChecksOwnerAndObjectPath(t *testing.T) {
	service, _, chat := newMediaFixture(t, &stubStorage{})
	ctx := context.Background()

	registration, err := service.Register(ctx, "coach", videoInput(chat.ID))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	media := registration.Media
	objectURL := "https://storage.test/object/" + media.ObjectPath + "?token=upload"

	if _, err := service.Complete(ctx, "anna", media.ID, objectURL); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner, got %v", err)
	}
	if _, err := service.Complete(ctx, "coach", media.ID, "https://storage.test/object/chats/other.mov"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for mismatched object, got %v", err)
	}
	if _, err := service.Complete(ctx, "coach", "missing", objectURL); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	completed, err := service.Complete(ctx, "coach", media.ID, objectURL)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completed.Status != models.MediaStatusCompleted || completed.URL == nil || strings.Contains(*completed.URL, "token") {
		t.Fatalf("unexpected completed media %+v", completed)
	}

	again, err := service.Complete(ctx, "coach", media.ID, objectURL)
	if err != nil || again.Status != models.MediaStatusCompleted {
		t.Fatalf("expected repeated completion to succeed, got %+v %v", again, err)
	}
}

func TestDownloadMediaForChatParticipants(t *testing.T) {
	storage := &stubStorage{}
	service, _, chat := newMediaFixture(t, storage)
	ctx := context.Background()

	registration, err := service.Register(ctx, "coach", videoInput(chat.ID))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	media := registration.Media

	if _, err := service.Download(ctx, "coach", media.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected pending upload to be unavailable, got %v", err)
	}
	if _, err := service.Complete(ctx, "coach", media.ID, "https://storage.test/object/"+media.ObjectPath); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	download, err := service.Download(ctx, "anna", media.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if download.DownloadURL == "" || storage.lastSignedPath != media.ObjectPath {
		t.Fatalf("unexpected download %+v", download)
	}
	if _, err := service.Download(ctx, "carl", media.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider, got %v", err)
	}
}

func TestRealtimeTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryTokenRegistry()
	service := NewRealtimeTokenService("test-secret", time.Minute, registry, nil)

	issued, err := service.Issue(ctx, "anna")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if issued.Token == "" || !issued.ExpiresAt.After(time.Now()) {
		t.Fatalf("unexpected token %+v", issued)
	}

	userID, err := service.Consume(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if userID != "anna" {
		t.Fatalf("expected anna, got %q", userID)
	}
	if _, err := service.Consume(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected replay to be rejected, got %v", err)
	}
}

func TestRealtimeTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	ctx := context.Background()
	registry := NewMemoryTokenRegistry()
	service := NewRealtimeTokenService("test-secret", time.Minute, registry, nil)

	other := NewRealtimeTokenService("other-secret", time.Minute, NewMemoryTokenRegistry(), nil)
	foreign, err := other.Issue(ctx, "anna")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := service.Consume(ctx, foreign.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected foreign token rejected, got %v", err)
	}

	issued, err := service.Issue(ctx, "anna")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	registry.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := registry.Consume(ctx, "unknown"); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected ErrTokenConsumed, got %v", err)
	}
	if _, err := service.Consume(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}

	if _, err := service.Issue(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for anonymous issue, got %v", err)
	}
}
