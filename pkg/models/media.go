package models

import "time"

type MediaStatus string

const (
	MediaStatusPending   MediaStatus = "pending"
	MediaStatusCompleted MediaStatus = "completed"
)

type MediaUpload struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	ChatID     *string        `json:"chat_id,omitempty"`
	Kind       AttachmentKind `json:"kind"`
	Filename   string         `json:"filename"`
	MimeType   string         `json:"mime_type"`
	Size       int64          `json:"size"`
	ObjectPath string         `json:"object_path"`
	URL        *string        `json:"url,omitempty"`
	Status     MediaStatus    `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type MediaRegistration struct {
	Media     *MediaUpload `json:"media"`
	UploadURL string       `json:"upload_url"`
}

type RealtimeToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
