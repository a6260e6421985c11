package chat_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/internal/store"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestService() (*chat.Service, *store.Memory) {
	mem := store.NewMemory()
	mem.AddChannel(store.Channel{ID: "general", ServerID: "srv-1", Name: "general"})
	mem.AddMember("srv-1", "alice")
	mem.AddMember("srv-1", "bob")
	mem.AddUser(store.UserRow{ID: "alice", Username: "alice", DisplayName: "Alice"})
	mem.AddUser(store.UserRow{ID: "bob", Username: "bob"})
	return chat.NewService(mem, newTestLogger()), mem
}

func TestSendHydratesMessage(t *testing.T) {
	svc, _ := newTestService()

	msg, err := svc.Send(context.Background(), "alice", "general", "hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected message id")
	}
	if msg.ChannelID != "general" || msg.UserID != "alice" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Author.Username != "alice" {
		t.Errorf("expected author hydration, got %+v", msg.Author)
	}
	if msg.Reactions == nil || len(msg.Reactions) != 0 {
		t.Errorf("new message must carry an empty reaction list, got %#v", msg.Reactions)
	}
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Send(ctx, "alice", "general", ""); !errors.Is(err, chat.ErrContentEmpty) {
		t.Errorf("empty content: got %v", err)
	}
	long := strings.Repeat("x", 2001)
	if _, err := svc.Send(ctx, "alice", "general", long); !errors.Is(err, chat.ErrContentTooLong) {
		t.Errorf("overlong content: got %v", err)
	}
}

func TestSendAuthorization(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Send(ctx, "eve", "general", "hi"); !errors.Is(err, chat.ErrNotMember) {
		t.Errorf("non-member send: got %v", err)
	}
	if _, err := svc.Send(ctx, "alice", "nope", "hi"); !errors.Is(err, chat.ErrChannelMissing) {
		t.Errorf("missing channel: got %v", err)
	}
}

func TestEditOnlyAuthor(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	msg, err := svc.Send(ctx, "alice", "general", "original")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if _, err := svc.Edit(ctx, "bob", msg.ID, "hijacked"); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("non-author edit: got %v", err)
	}

	edited, err := svc.Edit(ctx, "alice", msg.ID, "fixed")
	if err != nil {
		t.Fatalf("author edit failed: %v", err)
	}
	if edited.Content != "fixed" {
		t.Errorf("expected edited content, got %q", edited.Content)
	}
	if edited.EditedAt == nil {
		t.Error("expected editedAt to be set")
	}
}

func TestDeleteOnlyAuthor(t *testing.T) {
	svc, mem := newTestService()
	ctx := context.Background()

	msg, _ := svc.Send(ctx, "alice", "general", "doomed")

	if _, err := svc.Delete(ctx, "bob", msg.ID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("non-author delete: got %v", err)
	}

	deleted, err := svc.Delete(ctx, "alice", msg.ID)
	if err != nil {
		t.Fatalf("author delete failed: %v", err)
	}
	if deleted.MessageID != msg.ID || deleted.ChannelID != "general" {
		t.Errorf("unexpected delete payload: %+v", deleted)
	}
	if _, err := mem.GetMessage(ctx, msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("message should be gone from the store")
	}
}

func TestDeleteMissingMessage(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Delete(context.Background(), "alice", "ghost"); !errors.Is(err, chat.ErrMessageMissing) {
		t.Errorf("expected ErrMessageMissing, got %v", err)
	}
}

func TestToggleReactionIdempotentUnderDoubleApplication(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	msg, _ := svc.Send(ctx, "alice", "general", "react to me")

	_, groups, err := svc.ToggleReaction(ctx, "bob", msg.ID, "👍")
	if err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	if len(groups) != 1 || groups[0].Count != 1 {
		t.Fatalf("expected one reaction after first toggle, got %+v", groups)
	}

	// Toggling the same (message, user, emoji) again removes it.
	_, groups, err = svc.ToggleReaction(ctx, "bob", msg.ID, "👍")
	if err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected zero net reactions after double toggle, got %+v", groups)
	}
}

func TestReactionGroupingAcrossUsers(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	msg, _ := svc.Send(ctx, "alice", "general", "popular")
	svc.ToggleReaction(ctx, "alice", msg.ID, "🔥")
	channelID, groups, err := svc.ToggleReaction(ctx, "bob", msg.ID, "🔥")
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if channelID != "general" {
		t.Errorf("expected channel id general, got %q", channelID)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %d", len(groups))
	}
	g := groups[0]
	if g.Emoji != "🔥" || g.Count != 2 || len(g.Users) != 2 {
		t.Errorf("unexpected group: %+v", g)
	}
	// Viewer is bob in this call.
	if !g.HasReacted {
		t.Error("expected HasReacted for the toggling viewer")
	}
}

func TestForViewerRecomputesHasReacted(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	msg, _ := svc.Send(ctx, "alice", "general", "hi")
	_, groups, _ := svc.ToggleReaction(ctx, "alice", msg.ID, "👀")

	forBob := chat.ForViewer(groups, "bob")
	if forBob[0].HasReacted {
		t.Error("bob has not reacted")
	}
	forAlice := chat.ForViewer(groups, "alice")
	if !forAlice[0].HasReacted {
		t.Error("alice has reacted")
	}
	// The original slice must be untouched.
	if !groups[0].HasReacted {
		t.Error("ForViewer must not mutate its input")
	}
}

func TestToggleReactionValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	msg, _ := svc.Send(ctx, "alice", "general", "hi")

	if _, _, err := svc.ToggleReaction(ctx, "alice", msg.ID, ""); !errors.Is(err, chat.ErrEmojiInvalid) {
		t.Errorf("empty emoji: got %v", err)
	}
	if _, _, err := svc.ToggleReaction(ctx, "alice", "ghost", "👍"); !errors.Is(err, chat.ErrMessageMissing) {
		t.Errorf("missing message: got %v", err)
	}
	if _, _, err := svc.ToggleReaction(ctx, "eve", msg.ID, "👍"); !errors.Is(err, chat.ErrNotMember) {
		t.Errorf("non-member toggle: got %v", err)
	}
}

func TestListMessagesInsertionOrder(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	svc.Send(ctx, "alice", "general", "first")
	svc.Send(ctx, "bob", "general", "second")
	svc.Send(ctx, "alice", "general", "third")

	msgs, err := svc.ListMessages(ctx, "alice", "general", 50)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("message %d: expected %q, got %q", i, w, msgs[i].Content)
		}
	}
}
