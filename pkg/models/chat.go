package models

import (
	"errors"
	"strconv"
	"time"
)

type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
)

type WritePolicy string

const (
	WritePolicyTrainerOnly WritePolicy = "trainer_only"
	WritePolicyAllMembers  WritePolicy = "all_members"
	WritePolicyCustom      WritePolicy = "custom"
)

// RoleTrainer is the directory role granted write access under WritePolicyTrainerOnly.
const RoleTrainer = "trainer"

var ErrUnknownWritePolicy = errors.New("unknown write policy")

func ParseWritePolicy(value string) (WritePolicy, error) {
	switch WritePolicy(value) {
	case WritePolicyTrainerOnly, WritePolicyAllMembers, WritePolicyCustom:
		return WritePolicy(value), nil
	default:
		return "", ErrUnknownWritePolicy
	}
}

type Chat struct {
	ID                 string        `json:"id"`
	Title              *string       `json:"title"`
	Kind               ChatKind      `json:"kind"`
	WritePolicy        WritePolicy   `json:"write_policy"`
	Participants       []Participant `json:"participants"`
	Archived           bool          `json:"archived"`
	Pinned             bool          `json:"pinned"`
	Muted              bool          `json:"muted"`
	TemporaryUntil     *time.Time    `json:"temporary_until,omitempty"`
	Expired            bool          `json:"expired"`
	LastMessagePreview *string       `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time    `json:"last_message_at,omitempty"`
	CreatedBy          string        `json:"created_by"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

type Participant struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role"`
	PlayerID    *string    `json:"player_id,omitempty"`
	CanWrite    bool       `json:"can_write"`
	Pinned      bool       `json:"pinned"`
	MuteUntil   *time.Time `json:"mute_until,omitempty"`
	JoinedAt    time.Time  `json:"joined_at"`
}

// Participant returns the membership record of userID, or nil.
func (c *Chat) Participant(userID string) *Participant {
	if c == nil {
		return nil
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

func (c *Chat) HasParticipant(userID string) bool {
	return c.Participant(userID) != nil
}

func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, participant := range c.Participants {
		ids = append(ids, participant.UserID)
	}
	return ids
}

func (c *Chat) IsExpired(now time.Time) bool {
	return c.TemporaryUntil != nil && !now.Before(*c.TemporaryUntil)
}

// ForViewer fills the viewer-derived flags. Pinned and muted live on the
// participant record, not on the chat.
func (c *Chat) ForViewer(userID string, now time.Time) {
	c.Expired = c.IsExpired(now)
	c.Pinned = false
	c.Muted = false
	if participant := c.Participant(userID); participant != nil {
		c.Pinned = participant.Pinned
		c.Muted = participant.MuteUntil != nil && now.Before(*participant.MuteUntil)
	}
}

// GrantsWrite reports the can-write flag a new participant receives under
// the chat's write policy.
func GrantsWrite(policy WritePolicy, participant Participant, creatorID string, writers map[string]bool) bool {
	if participant.UserID == creatorID {
		return true
	}
	switch policy {
	case WritePolicyAllMembers:
		return true
	case WritePolicyTrainerOnly:
		return participant.Role == RoleTrainer
	case WritePolicyCustom:
		return writers[participant.UserID]
	default:
		return false
	}
}

// DirectKey identifies a direct chat by its unordered pair of user ids.
// Each id is length-prefixed, so ids containing the separator cannot make
// two different pairs share a key.
func DirectKey(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return strconv.Itoa(len(userA)) + ":" + userA + ":" + userB
}

type ChatPage struct {
	Chats      []Chat  `json:"chats"`
	NextCursor *string `json:"next_cursor"`
}

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	PlayerID    *string   `json:"player_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
