// Package store defines the durable relational store behind the gateway:
// channels, messages, reactions, membership. The store is the single
// source of truth; the gateway holds no message state between restarts.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

type Channel struct {
	ID       string
	ServerID string
	Name     string
}

type UserRow struct {
	ID          string
	Username    string
	DisplayName string
	AvatarURL   string
}

type MessageRow struct {
	ID        string
	ChannelID string
	UserID    string
	Content   string
	CreatedAt time.Time
	EditedAt  *time.Time
}

// ReactionRow is unique per (message, user, emoji).
type ReactionRow struct {
	ID        string
	MessageID string
	UserID    string
	Emoji     string
}

// Store is implemented by Postgres for production and Memory for tests.
type Store interface {
	GetChannel(ctx context.Context, channelID string) (*Channel, error)
	IsServerMember(ctx context.Context, serverID, userID string) (bool, error)
	GetUser(ctx context.Context, userID string) (*UserRow, error)

	InsertMessage(ctx context.Context, channelID, userID, content string) (*MessageRow, error)
	GetMessage(ctx context.Context, messageID string) (*MessageRow, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) (*MessageRow, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ListMessages(ctx context.Context, channelID string, limit int) ([]MessageRow, error)

	FindReaction(ctx context.Context, messageID, userID, emoji string) (*ReactionRow, error)
	InsertReaction(ctx context.Context, messageID, userID, emoji string) (*ReactionRow, error)
	DeleteReaction(ctx context.Context, reactionID string) error
	ListReactions(ctx context.Context, messageID string) ([]ReactionRow, error)
}
