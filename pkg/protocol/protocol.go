// Package protocol defines the frames exchanged between the gateway and
// its clients. Every frame is a JSON text message of the shape
// {"event": <name>, "payload": <event-specific object>}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Client-to-server events.
const (
	EventAuthenticate  = "authenticate"
	EventJoinChannel   = "join_channel"
	EventLeaveChannel  = "leave_channel"
	EventNewMessage    = "new_message"
	EventEditMessage   = "edit_message"
	EventDeleteMessage = "delete_message"
	EventAddReaction   = "add_reaction"
)

// Server-to-client events.
const (
	EventAuthenticated   = "authenticated"
	EventAuthError       = "auth_error"
	EventJoinedChannel   = "joined_channel"
	EventLeftChannel     = "left_channel"
	EventMessageReceived = "message_received"
	EventMessageEdited   = "message_edited"
	EventMessageDeleted  = "message_deleted"
	EventReactionUpdated = "reaction_updated"
	EventError           = "error"
)

type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal builds an encoded frame from an event name and payload value.
func Marshal(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Payload: raw})
}

// PeekEvent extracts the event name from an encoded frame without
// decoding the payload.
func PeekEvent(data []byte) string {
	return gjson.GetBytes(data, "event").String()
}

// Authenticate carries the access token for the handshake.
type Authenticate struct {
	Token string `json:"token"`
}

// AuthResult acknowledges a successful handshake.
type AuthResult struct {
	UserID string `json:"userId"`
}

// ChannelRef identifies a channel in join/leave events and their acks.
type ChannelRef struct {
	ChannelID string `json:"channelId"`
}

type NewMessage struct {
	Content   string `json:"content"`
	ChannelID string `json:"channelId"`
}

type EditMessage struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	ChannelID string `json:"channelId"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

type AddReaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	ChannelID string `json:"channelId"`
}

// Author is the message author profile embedded in broadcast messages.
type Author struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ReactionUser identifies one reacting user inside a ReactionGroup.
type ReactionUser struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// ReactionGroup is the per-emoji aggregate broadcast for a message.
// HasReacted is recomputed per recipient before delivery.
type ReactionGroup struct {
	Emoji      string         `json:"emoji"`
	Count      int            `json:"count"`
	Users      []ReactionUser `json:"users"`
	HasReacted bool           `json:"hasReacted"`
}

// Message is the canonical message object sent in message_received and
// message_edited broadcasts.
type Message struct {
	ID        string          `json:"id"`
	ChannelID string          `json:"channelId"`
	UserID    string          `json:"userId"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
	EditedAt  *time.Time      `json:"editedAt,omitempty"`
	Author    Author          `json:"author"`
	Reactions []ReactionGroup `json:"reactions"`
}

// MessageDeleted is broadcast when a message is removed.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
}

// ReactionUpdate replaces the full reaction state of one message. It is
// always the complete group list, never a delta, so clients converge
// regardless of arrival order.
type ReactionUpdate struct {
	MessageID string          `json:"messageId"`
	Reactions []ReactionGroup `json:"reactions"`
}
