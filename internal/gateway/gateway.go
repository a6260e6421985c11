// Package gateway turns transport-level connections into authorized,
// room-scoped chat participants. It validates mutations against the
// store and broadcasts accepted results to every watcher of the
// affected channel. The store is the single source of truth; the
// gateway holds no message state between restarts.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/internal/identity"
	"github.com/cjp0116/discord/pkg/protocol"
	"github.com/cjp0116/discord/pkg/retry"
)

type Gateway struct {
	logger   *slog.Logger
	registry *Registry
	chat     *chat.Service
	verifier identity.Verifier
	metrics  *Metrics

	// Store reads on handler paths get a short retry budget so a slow
	// store cannot wedge a connection's read pump for long.
	retryOpts retry.Options
}

func New(logger *slog.Logger, registry *Registry, chatSvc *chat.Service, verifier identity.Verifier, promReg prometheus.Registerer) *Gateway {
	return &Gateway{
		logger:   logger.With(slog.String("component", "gateway")),
		registry: registry,
		chat:     chatSvc,
		verifier: verifier,
		metrics:  NewMetrics(promReg),
		retryOpts: retry.Options{
			MaxAttempts: 2,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}
}

func (g *Gateway) Registry() *Registry { return g.registry }

// HandleFrame processes one inbound frame from a connection. It is
// invoked from that connection's read pump, so frames from a single
// connection are handled sequentially.
func (g *Gateway) HandleFrame(ctx context.Context, connID uuid.UUID, raw []byte) {
	sess, ok := g.registry.Get(connID)
	if !ok {
		g.logger.Error("Frame from unknown connection", slog.String("connID", connID.String()))
		return
	}

	// Labeled by a cheap peek so malformed frames are still counted.
	g.metrics.FramesTotal.WithLabelValues(protocol.PeekEvent(raw)).Inc()

	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.logger.Warn("Failed to unmarshal frame",
			slog.String("connID", connID.String()), slog.Any("error", err))
		g.sendError(sess, "Malformed frame")
		return
	}

	switch frame.Event {
	case protocol.EventAuthenticate:
		g.handleAuthenticate(ctx, sess, frame.Payload)
	case protocol.EventJoinChannel:
		g.handleJoinChannel(ctx, sess, frame.Payload)
	case protocol.EventLeaveChannel:
		g.handleLeaveChannel(sess, frame.Payload)
	case protocol.EventNewMessage:
		g.handleNewMessage(ctx, sess, frame.Payload)
	case protocol.EventEditMessage:
		g.handleEditMessage(ctx, sess, frame.Payload)
	case protocol.EventDeleteMessage:
		g.handleDeleteMessage(ctx, sess, frame.Payload)
	case protocol.EventAddReaction:
		g.handleAddReaction(ctx, sess, frame.Payload)
	default:
		g.logger.Warn("Received unknown event",
			slog.String("event", frame.Event), slog.String("connID", connID.String()))
		g.sendError(sess, "Unknown event")
	}
}

// OnDisconnect removes the connection from its room and the user index.
// No broadcast is sent; room membership is simply forgotten.
func (g *Gateway) OnDisconnect(connID uuid.UUID, err error) {
	g.logger.Debug("Connection closed", slog.String("connID", connID.String()), slog.Any("reason", err))
	g.registry.Remove(connID)
	g.metrics.ActiveConnections.Dec()
}

func (g *Gateway) handleAuthenticate(ctx context.Context, sess *Session, payload json.RawMessage) {
	var auth protocol.Authenticate
	if err := json.Unmarshal(payload, &auth); err != nil {
		g.sendEvent(sess, protocol.EventAuthError, "Invalid authentication")
		return
	}

	userID, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return g.verifier.Verify(ctx, auth.Token)
	}, g.retryOpts)
	if err != nil {
		// The connection is not dropped; the client may retry with a
		// fresh token.
		g.logger.Warn("Authentication failed",
			slog.String("connID", sess.ID.String()), slog.Any("error", err))
		g.sendEvent(sess, protocol.EventAuthError, "Invalid authentication")
		return
	}

	g.registry.Associate(sess, userID)
	g.sendEvent(sess, protocol.EventAuthenticated, protocol.AuthResult{UserID: userID})
	g.logger.Info("Connection authenticated",
		slog.String("connID", sess.ID.String()), slog.String("userID", userID))
}

func (g *Gateway) handleJoinChannel(ctx context.Context, sess *Session, payload json.RawMessage) {
	if !sess.Authenticated() {
		g.sendError(sess, "Not authenticated")
		return
	}
	var ref protocol.ChannelRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ChannelID == "" {
		g.sendError(sess, "Invalid channel")
		return
	}

	_, err := retry.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rejectionPermanent(g.chat.CanAccessChannel(ctx, sess.UserID(), ref.ChannelID))
	}, g.retryOpts)
	if err != nil {
		g.sendError(sess, joinFailureReason(err))
		return
	}

	if prev := sess.Channel(); prev != "" && prev != ref.ChannelID {
		g.registry.Leave(sess, prev)
	}
	g.registry.Join(sess, ref.ChannelID)
	g.sendEvent(sess, protocol.EventJoinedChannel, protocol.ChannelRef{ChannelID: ref.ChannelID})
	g.logger.Info("User joined channel",
		slog.String("userID", sess.UserID()), slog.String("channelID", ref.ChannelID))
}

// rejectionPermanent marks deterministic rejections permanent so the
// retry budget is spent only on store failures, never on a user who is
// simply not allowed in.
func rejectionPermanent(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chat.ErrChannelMissing),
		errors.Is(err, chat.ErrNotMember),
		errors.Is(err, chat.ErrNotAuthorized):
		return retry.Permanent(err)
	default:
		return err
	}
}

func joinFailureReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrChannelMissing):
		return "Channel not found"
	case errors.Is(err, chat.ErrNotMember):
		return "Not a member of this server"
	default:
		return "Failed to join channel"
	}
}

func (g *Gateway) handleLeaveChannel(sess *Session, payload json.RawMessage) {
	var ref protocol.ChannelRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.ChannelID == "" {
		g.sendError(sess, "Invalid channel")
		return
	}
	g.registry.Leave(sess, ref.ChannelID)
	g.sendEvent(sess, protocol.EventLeftChannel, protocol.ChannelRef{ChannelID: ref.ChannelID})
	g.logger.Info("User left channel",
		slog.String("userID", sess.UserID()), slog.String("channelID", ref.ChannelID))
}

func (g *Gateway) handleNewMessage(ctx context.Context, sess *Session, payload json.RawMessage) {
	if !sess.Authenticated() {
		g.sendError(sess, "Not authenticated")
		return
	}
	var req protocol.NewMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(sess, "Malformed payload")
		return
	}

	msg, err := g.chat.Send(ctx, sess.UserID(), req.ChannelID, req.Content)
	if err != nil {
		g.sendError(sess, mutationFailureReason(err, "Failed to send message"))
		return
	}
	// The sender's own UI updates through this broadcast too; there is
	// no direct success reply.
	g.broadcast(req.ChannelID, protocol.EventMessageReceived, msg)
	g.logger.Info("Message sent",
		slog.String("channelID", req.ChannelID), slog.String("messageID", msg.ID))
}

func (g *Gateway) handleEditMessage(ctx context.Context, sess *Session, payload json.RawMessage) {
	if !sess.Authenticated() {
		g.sendError(sess, "Not authenticated")
		return
	}
	var req protocol.EditMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(sess, "Malformed payload")
		return
	}

	msg, err := g.chat.Edit(ctx, sess.UserID(), req.MessageID, req.Content)
	if err != nil {
		if errors.Is(err, chat.ErrNotAuthorized) {
			g.sendError(sess, "Not authorized to edit this message")
			return
		}
		g.sendError(sess, mutationFailureReason(err, "Failed to edit message"))
		return
	}
	// The edited message carries reaction state, so hasReacted must be
	// recomputed for each recipient like reaction_updated.
	for _, watcher := range g.registry.Watchers(msg.ChannelID) {
		view := *msg
		view.Reactions = chat.ForViewer(msg.Reactions, watcher.UserID())
		if err := watcher.sender.SendEvent(protocol.EventMessageEdited, view); err != nil {
			g.logger.Error("Failed to deliver broadcast",
				slog.String("connID", watcher.ID.String()), slog.Any("error", err))
		}
	}
	g.metrics.BroadcastsTotal.Inc()
	g.logger.Info("Message edited",
		slog.String("channelID", msg.ChannelID), slog.String("messageID", msg.ID))
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, sess *Session, payload json.RawMessage) {
	if !sess.Authenticated() {
		g.sendError(sess, "Not authenticated")
		return
	}
	var req protocol.DeleteMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(sess, "Malformed payload")
		return
	}

	deleted, err := g.chat.Delete(ctx, sess.UserID(), req.MessageID)
	if err != nil {
		if errors.Is(err, chat.ErrNotAuthorized) {
			g.sendError(sess, "Not authorized to delete this message")
			return
		}
		g.sendError(sess, mutationFailureReason(err, "Failed to delete message"))
		return
	}
	g.broadcast(deleted.ChannelID, protocol.EventMessageDeleted, deleted)
	g.logger.Info("Message deleted",
		slog.String("channelID", deleted.ChannelID), slog.String("messageID", deleted.MessageID))
}

func (g *Gateway) handleAddReaction(ctx context.Context, sess *Session, payload json.RawMessage) {
	if !sess.Authenticated() {
		g.sendError(sess, "Not authenticated")
		return
	}
	var req protocol.AddReaction
	if err := json.Unmarshal(payload, &req); err != nil {
		g.sendError(sess, "Malformed payload")
		return
	}

	channelID, groups, err := g.chat.ToggleReaction(ctx, sess.UserID(), req.MessageID, req.Emoji)
	if err != nil {
		g.sendError(sess, mutationFailureReason(err, "Failed to update reaction"))
		return
	}

	// Full group list per recipient, with HasReacted recomputed for
	// each viewer, so every client converges regardless of arrival order.
	for _, watcher := range g.registry.Watchers(channelID) {
		update := protocol.ReactionUpdate{
			MessageID: req.MessageID,
			Reactions: chat.ForViewer(groups, watcher.UserID()),
		}
		if err := watcher.sender.SendEvent(protocol.EventReactionUpdated, update); err != nil {
			g.logger.Error("Failed to deliver reaction update",
				slog.String("connID", watcher.ID.String()), slog.Any("error", err))
		}
	}
	g.metrics.BroadcastsTotal.Inc()
	g.logger.Info("Reaction updated",
		slog.String("channelID", channelID), slog.String("messageID", req.MessageID))
}

func mutationFailureReason(err error, generic string) string {
	switch {
	case errors.Is(err, chat.ErrContentEmpty),
		errors.Is(err, chat.ErrContentTooLong),
		errors.Is(err, chat.ErrEmojiInvalid),
		errors.Is(err, chat.ErrChannelMissing),
		errors.Is(err, chat.ErrMessageMissing),
		errors.Is(err, chat.ErrNotMember):
		return err.Error()
	default:
		return generic
	}
}

// broadcast delivers an event to every watcher of a channel, in the
// order the gateway processed the underlying writes. Delivery is
// fire-and-forget: at-least-once, de-duplicated client-side by id.
func (g *Gateway) broadcast(channelID, event string, payload any) {
	for _, watcher := range g.registry.Watchers(channelID) {
		if err := watcher.sender.SendEvent(event, payload); err != nil {
			g.logger.Error("Failed to deliver broadcast",
				slog.String("connID", watcher.ID.String()), slog.Any("error", err))
		}
	}
	g.metrics.BroadcastsTotal.Inc()
}

func (g *Gateway) sendEvent(sess *Session, event string, payload any) {
	if err := sess.sender.SendEvent(event, payload); err != nil {
		g.logger.Error("Failed to send event",
			slog.String("connID", sess.ID.String()),
			slog.String("event", event), slog.Any("error", err))
	}
}

// sendError reports a failure to the offending connection only. Errors
// never reach other members of the room.
func (g *Gateway) sendError(sess *Session, reason string) {
	g.metrics.ErrorsTotal.Inc()
	g.sendEvent(sess, protocol.EventError, reason)
}
