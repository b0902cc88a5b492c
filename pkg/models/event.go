package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageDeleted EventType = "message.deleted"
)

var ErrInvalidEvent = errors.New("invalid realtime event")

// RealtimeEvent is the frame pushed to every live connection of a chat's
// participants. EventCursor is random per event and only used for dedup.
type RealtimeEvent struct {
	EventCursor string    `json:"eventCursor"`
	Type        EventType `json:"type"`
	ChatID      string    `json:"chatID"`
	Message     *Message  `json:"message,omitempty"`
	MessageID   string    `json:"messageID,omitempty"`
}

func NewMessageCreatedEvent(message Message) RealtimeEvent {
	return RealtimeEvent{
		EventCursor: uuid.NewString(),
		Type:        EventMessageCreated,
		ChatID:      message.ChatID,
		Message:     &message,
	}
}

func NewMessageDeletedEvent(chatID, messageID string) RealtimeEvent {
	return RealtimeEvent{
		EventCursor: uuid.NewString(),
		Type:        EventMessageDeleted,
		ChatID:      chatID,
		MessageID:   messageID,
	}
}

func (e RealtimeEvent) Validate() error {
	if e.EventCursor == "" || e.ChatID == "" {
		return fmt.Errorf("%w: eventCursor and chatID are required", ErrInvalidEvent)
	}
	switch e.Type {
	case EventMessageCreated:
		if e.Message == nil || e.Message.ID == "" {
			return fmt.Errorf("%w: message.created without message", ErrInvalidEvent)
		}
	case EventMessageDeleted:
		if e.MessageID == "" {
			return fmt.Errorf("%w: message.deleted without messageID", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// DecodeRealtimeEvent parses one inbound frame, rejecting unknown fields
// and incomplete shapes.
func DecodeRealtimeEvent(data []byte) (RealtimeEvent, error) {
	var event RealtimeEvent
	if err := decodeStrict(data, &event); err != nil {
		return RealtimeEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := event.Validate(); err != nil {
		return RealtimeEvent{}, err
	}
	return event, nil
}

func EncodeRealtimeEvent(event RealtimeEvent) ([]byte, error) {
	return json.Marshal(event)
}
