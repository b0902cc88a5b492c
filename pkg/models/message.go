package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	MessageTypeText          MessageType = "text"
	MessageTypeImage         MessageType = "image"
	MessageTypeVideo         MessageType = "video"
	MessageTypeClipReference MessageType = "clip_reference"
)

type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusUploading DeliveryStatus = "uploading"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	StatusQueued:    0,
	StatusUploading: 1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// CanTransition reports whether a message may move from one delivery status
// to another. Statuses only move forward; failed is reachable from any
// non-terminal status and goes back to queued on a manual retry.
func CanTransition(from, to DeliveryStatus) bool {
	if from == StatusFailed {
		return to == StatusQueued
	}
	if from == StatusRead {
		return false
	}
	if _, ok := statusRank[from]; !ok {
		return false
	}
	if to == StatusFailed {
		return true
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > statusRank[from]
}

var (
	ErrInvalidDraft      = errors.New("invalid message draft")
	ErrInvalidAttachment = errors.New("invalid attachment")
	ErrInvalidClip       = errors.New("invalid clip reference")
)

type AttachmentKind string

const (
	AttachmentKindImage AttachmentKind = "image"
	AttachmentKindVideo AttachmentKind = "video"
)

type Attachment struct {
	MediaID  string         `json:"media_id"`
	Kind     AttachmentKind `json:"kind"`
	Filename string         `json:"filename"`
	MimeType string         `json:"mime_type"`
	Size     int64          `json:"size"`
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	type attachmentFields Attachment
	var fields attachmentFields
	if err := decodeStrict(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
	}
	decoded := Attachment(fields)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*a = decoded
	return nil
}

func (a Attachment) Validate() error {
	switch {
	case strings.TrimSpace(a.MediaID) == "":
		return fmt.Errorf("%w: media_id is required", ErrInvalidAttachment)
	case a.Kind != AttachmentKindImage && a.Kind != AttachmentKindVideo:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidAttachment, a.Kind)
	case strings.TrimSpace(a.Filename) == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidAttachment)
	case strings.TrimSpace(a.MimeType) == "":
		return fmt.Errorf("%w: mime_type is required", ErrInvalidAttachment)
	case a.Size <= 0:
		return fmt.Errorf("%w: size must be positive", ErrInvalidAttachment)
	}
	return nil
}

type ClipReference struct {
	ClipID            string  `json:"clip_id"`
	AnalysisSessionID string  `json:"analysis_session_id"`
	VideoAssetID      string  `json:"video_asset_id"`
	Name              string  `json:"name"`
	StartSeconds      float64 `json:"start_seconds"`
	EndSeconds        float64 `json:"end_seconds"`
	MatchID           *string `json:"match_id,omitempty"`
}

func (c *ClipReference) UnmarshalJSON(data []byte) error {
	type clipFields ClipReference
	var fields clipFields
	if err := decodeStrict(data, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidClip, err)
	}
	decoded := ClipReference(fields)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*c = decoded
	return nil
}

func (c ClipReference) Validate() error {
	switch {
	case strings.TrimSpace(c.ClipID) == "":
		return fmt.Errorf("%w: clip_id is required", ErrInvalidClip)
	case strings.TrimSpace(c.AnalysisSessionID) == "":
		return fmt.Errorf("%w: analysis_session_id is required", ErrInvalidClip)
	case strings.TrimSpace(c.VideoAssetID) == "":
		return fmt.Errorf("%w: video_asset_id is required", ErrInvalidClip)
	case c.StartSeconds < 0 || c.EndSeconds < c.StartSeconds:
		return fmt.Errorf("%w: invalid time range %.2f-%.2f", ErrInvalidClip, c.StartSeconds, c.EndSeconds)
	}
	return nil
}

type ReadReceipt struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	ReadAt      time.Time `json:"read_at"`
}

type MessageDraft struct {
	ClientID     string         `json:"client_id"`
	Type         MessageType    `json:"type"`
	Body         string         `json:"body"`
	ContextLabel *string        `json:"context_label,omitempty"`
	Attachment   *Attachment    `json:"attachment,omitempty"`
	Clip         *ClipReference `json:"clip,omitempty"`
}

func (d MessageDraft) Validate() error {
	switch d.Type {
	case MessageTypeText:
		if strings.TrimSpace(d.Body) == "" {
			return fmt.Errorf("%w: text message needs a body", ErrInvalidDraft)
		}
		if d.Attachment != nil || d.Clip != nil {
			return fmt.Errorf("%w: text message cannot carry attachments", ErrInvalidDraft)
		}
	case MessageTypeImage, MessageTypeVideo:
		if d.Attachment == nil || d.Clip != nil {
			return fmt.Errorf("%w: %s message needs exactly one attachment", ErrInvalidDraft, d.Type)
		}
		if string(d.Attachment.Kind) != string(d.Type) {
			return fmt.Errorf("%w: attachment kind %q does not match %q", ErrInvalidDraft, d.Attachment.Kind, d.Type)
		}
		if err := d.Attachment.Validate(); err != nil {
			return err
		}
	case MessageTypeClipReference:
		if d.Clip == nil || d.Attachment != nil {
			return fmt.Errorf("%w: clip message needs exactly one clip reference", ErrInvalidDraft)
		}
		if err := d.Clip.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidDraft, d.Type)
	}
	return nil
}

type Message struct {
	ID           string         `json:"id"`
	ClientID     string         `json:"client_id,omitempty"`
	ChatID       string         `json:"chat_id"`
	SenderID     string         `json:"sender_id"`
	SenderName   string         `json:"sender_name"`
	Type         MessageType    `json:"type"`
	Body         string         `json:"body"`
	ContextLabel *string        `json:"context_label,omitempty"`
	Attachment   *Attachment    `json:"attachment,omitempty"`
	Clip         *ClipReference `json:"clip,omitempty"`
	Status       DeliveryStatus `json:"status"`
	ReadReceipts []ReadReceipt  `json:"read_receipts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// HasReceipt reports whether userID already marked the message read.
func (m *Message) HasReceipt(userID string) bool {
	for _, receipt := range m.ReadReceipts {
		if receipt.UserID == userID {
			return true
		}
	}
	return false
}

// Preview is the denormalized text shown in chat lists.
func (m *Message) Preview() string {
	switch m.Type {
	case MessageTypeImage:
		return "Image"
	case MessageTypeVideo:
		return "Video"
	case MessageTypeClipReference:
		if m.Clip != nil && m.Clip.Name != "" {
			return "Clip: " + m.Clip.Name
		}
		return "Clip"
	}
	const maxPreview = 120
	body := strings.TrimSpace(m.Body)
	if runes := []rune(body); len(runes) > maxPreview {
		return string(runes[:maxPreview]) + "…"
	}
	return body
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"next_cursor"`
}

// Timestamp truncates t to the precision stored by Postgres.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func decodeStrict(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
