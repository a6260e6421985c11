// Package chat applies chat mutations against the store with row-level
// authorization. Both the gateway's realtime handlers and the client's
// request/response fallback go through this service, so the two paths
// share identical authorization and side effects.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/cjp0116/discord/internal/store"
	"github.com/cjp0116/discord/pkg/protocol"
)

const (
	maxContentLength = 2000
	maxEmojiLength   = 10
)

var (
	ErrNotAuthorized  = errors.New("not authorized")
	ErrNotMember      = errors.New("not a member of this server")
	ErrChannelMissing = errors.New("channel not found")
	ErrMessageMissing = errors.New("message not found")
	ErrContentEmpty   = errors.New("message cannot be empty")
	ErrContentTooLong = errors.New("message must be less than 2000 characters")
	ErrEmojiInvalid   = errors.New("emoji must be between 1 and 10 characters")
)

type Service struct {
	store  store.Store
	logger *slog.Logger
}

func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With(slog.String("component", "chat_service")),
	}
}

func validateContent(content string) error {
	if content == "" {
		return ErrContentEmpty
	}
	if utf8.RuneCountInString(content) > maxContentLength {
		return ErrContentTooLong
	}
	return nil
}

func validateEmoji(emoji string) error {
	if n := utf8.RuneCountInString(emoji); n < 1 || n > maxEmojiLength {
		return ErrEmojiInvalid
	}
	return nil
}

// CanAccessChannel verifies the channel exists and the user belongs to
// its parent server.
func (s *Service) CanAccessChannel(ctx context.Context, userID, channelID string) error {
	ch, err := s.store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrChannelMissing
	}
	if err != nil {
		return err
	}
	member, err := s.store.IsServerMember(ctx, ch.ServerID, userID)
	if err != nil {
		return err
	}
	if !member {
		return ErrNotMember
	}
	return nil
}

// Send validates and inserts a new message, returning it hydrated with
// the author profile and an empty reaction list.
func (s *Service) Send(ctx context.Context, userID, channelID, content string) (*protocol.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if err := s.CanAccessChannel(ctx, userID, channelID); err != nil {
		return nil, err
	}
	row, err := s.store.InsertMessage(ctx, channelID, userID, content)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, row, "")
}

// Edit updates a message's content. Only the author may edit.
func (s *Service) Edit(ctx context.Context, userID, messageID, content string) (*protocol.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}
	if err := s.requireAuthor(ctx, userID, messageID); err != nil {
		return nil, err
	}
	row, err := s.store.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, row, userID)
}

// Delete removes a message. Only the author may delete.
func (s *Service) Delete(ctx context.Context, userID, messageID string) (*protocol.MessageDeleted, error) {
	row, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageMissing
	}
	if err != nil {
		return nil, err
	}
	if row.UserID != userID {
		return nil, ErrNotAuthorized
	}
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return nil, err
	}
	return &protocol.MessageDeleted{MessageID: messageID, ChannelID: row.ChannelID}, nil
}

// ToggleReaction flips the (message, user, emoji) reaction: present rows
// are deleted, absent ones inserted. The returned group list comes from a
// fresh read of all reactions, so concurrent toggles for the same message
// converge on the re-read state rather than the toggle decision.
// HasReacted in the result is computed for userID; the gateway recomputes
// it per recipient before broadcasting.
func (s *Service) ToggleReaction(ctx context.Context, userID, messageID, emoji string) (channelID string, groups []protocol.ReactionGroup, err error) {
	if err := validateEmoji(emoji); err != nil {
		return "", nil, err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrMessageMissing
	}
	if err != nil {
		return "", nil, err
	}
	if err := s.CanAccessChannel(ctx, userID, msg.ChannelID); err != nil {
		return "", nil, err
	}

	existing, err := s.store.FindReaction(ctx, messageID, userID, emoji)
	switch {
	case err == nil:
		// The row may have been removed by an interleaved toggle;
		// the re-read below is authoritative either way.
		if derr := s.store.DeleteReaction(ctx, existing.ID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			return "", nil, derr
		}
	case errors.Is(err, store.ErrNotFound):
		if _, ierr := s.store.InsertReaction(ctx, messageID, userID, emoji); ierr != nil {
			return "", nil, ierr
		}
	default:
		return "", nil, err
	}

	groups, err = s.ReactionGroups(ctx, messageID, userID)
	if err != nil {
		return "", nil, err
	}
	return msg.ChannelID, groups, nil
}

// ReactionGroups reads all reactions for a message and groups them by
// emoji, sorted by emoji for stable output. HasReacted reflects viewerID.
func (s *Service) ReactionGroups(ctx context.Context, messageID, viewerID string) ([]protocol.ReactionGroup, error) {
	rows, err := s.store.ListReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}

	byEmoji := make(map[string]*protocol.ReactionGroup)
	for _, r := range rows {
		g, ok := byEmoji[r.Emoji]
		if !ok {
			g = &protocol.ReactionGroup{Emoji: r.Emoji}
			byEmoji[r.Emoji] = g
		}
		g.Count++
		g.Users = append(g.Users, s.reactionUser(ctx, r.UserID))
		if r.UserID == viewerID {
			g.HasReacted = true
		}
	}

	groups := make([]protocol.ReactionGroup, 0, len(byEmoji))
	for _, g := range byEmoji {
		sort.Slice(g.Users, func(i, j int) bool { return g.Users[i].ID < g.Users[j].ID })
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Emoji < groups[j].Emoji })
	return groups, nil
}

// ListMessages returns the most recent messages of a channel in
// insertion order, hydrated with authors and reaction groups.
func (s *Service) ListMessages(ctx context.Context, viewerID, channelID string, limit int) ([]protocol.Message, error) {
	if err := s.CanAccessChannel(ctx, viewerID, channelID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListMessages(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Message, 0, len(rows))
	for i := range rows {
		msg, err := s.hydrate(ctx, &rows[i], viewerID)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}

func (s *Service) requireAuthor(ctx context.Context, userID, messageID string) error {
	row, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrMessageMissing
	}
	if err != nil {
		return err
	}
	if row.UserID != userID {
		return ErrNotAuthorized
	}
	return nil
}

func (s *Service) hydrate(ctx context.Context, row *store.MessageRow, viewerID string) (*protocol.Message, error) {
	msg := &protocol.Message{
		ID:        row.ID,
		ChannelID: row.ChannelID,
		UserID:    row.UserID,
		Content:   row.Content,
		CreatedAt: row.CreatedAt,
		EditedAt:  row.EditedAt,
		Reactions: []protocol.ReactionGroup{},
	}
	author, err := s.store.GetUser(ctx, row.UserID)
	if err == nil {
		msg.Author = protocol.Author{
			Username:    author.Username,
			DisplayName: author.DisplayName,
			AvatarURL:   author.AvatarURL,
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	groups, err := s.ReactionGroups(ctx, row.ID, viewerID)
	if err != nil {
		return nil, err
	}
	if len(groups) > 0 {
		msg.Reactions = groups
	}
	return msg, nil
}

func (s *Service) reactionUser(ctx context.Context, userID string) protocol.ReactionUser {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return protocol.ReactionUser{ID: userID}
	}
	return protocol.ReactionUser{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
}

// ForViewer returns a copy of groups with HasReacted recomputed for the
// given viewer. Broadcast paths use it so each recipient sees their own
// reaction state.
func ForViewer(groups []protocol.ReactionGroup, viewerID string) []protocol.ReactionGroup {
	out := make([]protocol.ReactionGroup, len(groups))
	for i, g := range groups {
		cp := g
		cp.HasReacted = false
		for _, u := range g.Users {
			if u.ID == viewerID {
				cp.HasReacted = true
				break
			}
		}
		out[i] = cp
	}
	return out
}
