package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/LuyxT/PitchOS-apple--sub002/internal/repository"
	"github.com/LuyxT/PitchOS-apple--sub002/pkg/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MaxMediaSize         = 200 << 20
	downloadURLExpiresIn = time.Hour
)

var allowedExtensions = map[models.AttachmentKind]map[string]bool{
	models.AttachmentKindImage: {".jpg": true, ".jpeg": true, ".png": true, ".heic": true, ".webp": true, ".gif": true},
	models.AttachmentKindVideo: {".mp4": true, ".mov": true, ".m4v": true},
}

type mediaStore interface {
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	CreateMedia(ctx context.Context, media *models.MediaUpload) error
	GetMedia(ctx context.Context, mediaID string) (*models.MediaUpload, error)
	CompleteMedia(ctx context.Context, mediaID, url string, completedAt time.Time) error
}

// MediaService registers attachment uploads. Clients upload the bytes
// straight to object storage with the signed URL and then complete the
// registration with the resulting object URL.
type MediaService struct {
	store   mediaStore
	storage StorageService
	logger  *zap.Logger
	now     func() time.Time
}

func NewMediaService(store mediaStore, storage StorageService, logger *zap.Logger) *MediaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaService{store: store, storage: storage, logger: logger, now: time.Now}
}

type RegisterMediaInput struct {
	ChatID   *string
	Kind     models.AttachmentKind
	Filename string
	MimeType string
	Size     int64
}

type MediaDownload struct {
	Media       *models.MediaUpload `json:"media"`
	DownloadURL string              `json:"download_url"`
}

func (s *MediaService) Register(ctx context.Context, actorID string, input RegisterMediaInput) (*models.MediaRegistration, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	if s.storage == nil {
		return nil, ErrStorageUnavailable
	}

	filename := strings.TrimSpace(input.Filename)
	ext := strings.ToLower(path.Ext(filename))
	allowed, ok := allowedExtensions[input.Kind]
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: unsupported media kind %q", ErrInvalidInput, input.Kind)
	case filename == "" || !allowed[ext]:
		return nil, fmt.Errorf("%w: file type %q is not allowed for %s", ErrInvalidInput, ext, input.Kind)
	case !strings.HasPrefix(strings.ToLower(input.MimeType), string(input.Kind)+"/"):
		return nil, fmt.Errorf("%w: mime type %q does not match %s", ErrInvalidInput, input.MimeType, input.Kind)
	case input.Size <= 0 || input.Size > MaxMediaSize:
		return nil, fmt.Errorf("%w: size must be between 1 and %d bytes", ErrInvalidInput, MaxMediaSize)
	}

	folder := "unassigned"
	if input.ChatID != nil && strings.TrimSpace(*input.ChatID) != "" {
		chatID := strings.TrimSpace(*input.ChatID)
		if err := s.requireParticipant(ctx, actorID, chatID); err != nil {
			return nil, err
		}
		folder = chatID
		input.ChatID = &chatID
	} else {
		input.ChatID = nil
	}

	mediaID := uuid.NewString()
	media := &models.MediaUpload{
		ID:         mediaID,
		OwnerID:    actorID,
		ChatID:     input.ChatID,
		Kind:       input.Kind,
		Filename:   filename,
		MimeType:   input.MimeType,
		Size:       input.Size,
		ObjectPath: path.Join("chats", folder, actorID, mediaID+ext),
		Status:     models.MediaStatusPending,
		CreatedAt:  models.Timestamp(s.now()),
	}
	media.UpdatedAt = media.CreatedAt

	uploadURL, err := s.storage.CreateUploadURL(ctx, media.ObjectPath)
	if err != nil {
		s.logger.Error("signing upload url failed", zap.String("object_path", media.ObjectPath), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := s.store.CreateMedia(ctx, media); err != nil {
		return nil, err
	}
	return &models.MediaRegistration{Media: media, UploadURL: uploadURL}, nil
}

// Complete marks an upload finished. The URL must point at the object path
// issued by Register.
func (s *MediaService) Complete(ctx context.Context, actorID, mediaID, fileURL string) (*models.MediaUpload, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	if s.storage == nil {
		return nil, ErrStorageUnavailable
	}
	media, err := s.ownedMedia(ctx, actorID, mediaID)
	if err != nil {
		return nil, err
	}

	objectPath, err := s.storage.ObjectPath(strings.TrimSpace(fileURL))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed upload url: %v", ErrInvalidInput, err)
	}
	if objectPath != media.ObjectPath {
		return nil, fmt.Errorf("%w: upload url does not match registered object", ErrInvalidInput)
	}

	canonical, err := stripQuery(fileURL)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed upload url: %v", ErrInvalidInput, err)
	}
	if media.Status == models.MediaStatusCompleted {
		return media, nil
	}

	completedAt := models.Timestamp(s.now())
	if err := s.store.CompleteMedia(ctx, media.ID, canonical, completedAt); err != nil {
		return nil, s.mediaError(err)
	}
	media.URL = &canonical
	media.Status = models.MediaStatusCompleted
	media.UpdatedAt = completedAt
	return media, nil
}

// Download returns a short-lived download URL for a completed upload. The
// owner and the participants of the media's chat may read it.
func (s *MediaService) Download(ctx context.Context, actorID, mediaID string) (*MediaDownload, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	if s.storage == nil {
		return nil, ErrStorageUnavailable
	}
	media, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, s.mediaError(err)
	}
	if media.OwnerID != actorID {
		if media.ChatID == nil {
			return nil, ErrForbidden
		}
		if err := s.requireParticipant(ctx, actorID, *media.ChatID); err != nil {
			return nil, err
		}
	}
	if media.Status != models.MediaStatusCompleted {
		return nil, fmt.Errorf("%w: upload is not complete", ErrNotFound)
	}

	downloadURL, err := s.storage.SignedDownloadURL(ctx, media.ObjectPath, downloadURLExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &MediaDownload{Media: media, DownloadURL: downloadURL}, nil
}

func (s *MediaService) ownedMedia(ctx context.Context, actorID, mediaID string) (*models.MediaUpload, error) {
	media, err := s.store.GetMedia(ctx, mediaID)
	if err != nil {
		return nil, s.mediaError(err)
	}
	if media.OwnerID != actorID {
		return nil, ErrForbidden
	}
	return media, nil
}

func (s *MediaService) requireParticipant(ctx context.Context, actorID, chatID string) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if !chat.HasParticipant(actorID) {
		return ErrForbidden
	}
	return nil
}

func (s *MediaService) mediaError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func stripQuery(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String(), nil
}
