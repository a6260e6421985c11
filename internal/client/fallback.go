package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/pkg/cache"
	"github.com/cjp0116/discord/pkg/protocol"
	"github.com/cjp0116/discord/pkg/retry"
)

// Fallback applies mutations through the chat service when the socket
// is unavailable. Each accepted mutation invalidates the message cache
// for the affected channel so the next read refetches, which is how
// other local consumers learn about the change without a broadcast.
type Fallback struct {
	svc    *chat.Service
	inv    *cache.Invalidator
	logger *slog.Logger
	opts   retry.Options
}

func NewFallback(svc *chat.Service, inv *cache.Invalidator, logger *slog.Logger) *Fallback {
	return &Fallback{
		svc:    svc,
		inv:    inv,
		logger: logger.With(slog.String("component", "fallback")),
	}
}

func (f *Fallback) SendMessage(ctx context.Context, userID, channelID, content string) (*protocol.Message, error) {
	msg, err := retry.Do(ctx, func(ctx context.Context) (*protocol.Message, error) {
		m, err := f.svc.Send(ctx, userID, channelID, content)
		return m, noRetryOnRejection(err)
	}, f.opts)
	if err != nil {
		return nil, err
	}
	f.inv.InvalidateMessages(channelID)
	return msg, nil
}

func (f *Fallback) EditMessage(ctx context.Context, userID, messageID, content string) (*protocol.Message, error) {
	msg, err := retry.Do(ctx, func(ctx context.Context) (*protocol.Message, error) {
		m, err := f.svc.Edit(ctx, userID, messageID, content)
		return m, noRetryOnRejection(err)
	}, f.opts)
	if err != nil {
		return nil, err
	}
	f.inv.InvalidateMessages(msg.ChannelID)
	return msg, nil
}

func (f *Fallback) DeleteMessage(ctx context.Context, userID, messageID string) (*protocol.MessageDeleted, error) {
	deleted, err := retry.Do(ctx, func(ctx context.Context) (*protocol.MessageDeleted, error) {
		d, err := f.svc.Delete(ctx, userID, messageID)
		return d, noRetryOnRejection(err)
	}, f.opts)
	if err != nil {
		return nil, err
	}
	f.inv.InvalidateMessages(deleted.ChannelID)
	return deleted, nil
}

func (f *Fallback) ToggleReaction(ctx context.Context, userID, messageID, emoji string) ([]protocol.ReactionGroup, error) {
	type result struct {
		channelID string
		groups    []protocol.ReactionGroup
	}
	res, err := retry.Do(ctx, func(ctx context.Context) (result, error) {
		channelID, groups, err := f.svc.ToggleReaction(ctx, userID, messageID, emoji)
		return result{channelID: channelID, groups: groups}, noRetryOnRejection(err)
	}, f.opts)
	if err != nil {
		return nil, err
	}
	f.inv.InvalidateMessages(res.channelID)
	return res.groups, nil
}

// noRetryOnRejection marks deterministic rejections permanent so the
// retry loop only re-runs operations that might succeed next time.
func noRetryOnRejection(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chat.ErrNotAuthorized),
		errors.Is(err, chat.ErrNotMember),
		errors.Is(err, chat.ErrChannelMissing),
		errors.Is(err, chat.ErrMessageMissing),
		errors.Is(err, chat.ErrContentEmpty),
		errors.Is(err, chat.ErrContentTooLong),
		errors.Is(err, chat.ErrEmojiInvalid):
		return retry.Permanent(err)
	default:
		return err
	}
}
