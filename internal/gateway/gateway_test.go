package gateway_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/internal/gateway"
	"github.com/cjp0116/discord/internal/identity"
	"github.com/cjp0116/discord/internal/store"
	"github.com/cjp0116/discord/pkg/protocol"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type recorded struct {
	Event   string
	Payload json.RawMessage
}

// recorder captures frames a session would have received.
type recorder struct {
	mu     sync.Mutex
	frames []recorded
	closed bool
}

func (r *recorder) SendEvent(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recorded{Event: event, Payload: raw})
	return nil
}

func (r *recorder) Close(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) byEvent(event string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, f := range r.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) last() (recorded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return recorded{}, false
	}
	return r.frames[len(r.frames)-1], true
}

type fixture struct {
	gw  *gateway.Gateway
	reg *gateway.Registry
	mem *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := newTestLogger()

	mem := store.NewMemory()
	mem.AddChannel(store.Channel{ID: "general", ServerID: "srv-1", Name: "general"})
	mem.AddChannel(store.Channel{ID: "random", ServerID: "srv-1", Name: "random"})
	mem.AddMember("srv-1", "alice")
	mem.AddMember("srv-1", "bob")
	mem.AddUser(store.UserRow{ID: "alice", Username: "alice"})
	mem.AddUser(store.UserRow{ID: "bob", Username: "bob"})

	verifier := &identity.StaticVerifier{Tokens: map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
		"tok-eve":   "eve",
	}}

	reg := gateway.NewRegistry(logger)
	svc := chat.NewService(mem, logger)
	gw := gateway.New(logger, reg, svc, verifier, prometheus.NewRegistry())
	return &fixture{gw: gw, reg: reg, mem: mem}
}

// connect registers a fake connection and returns its id and recorder.
func (f *fixture) connect(t *testing.T) (uuid.UUID, *recorder) {
	t.Helper()
	rec := &recorder{}
	id := uuid.New()
	f.reg.Register(id, "127.0.0.1", rec)
	return id, rec
}

func (f *fixture) send(t *testing.T, id uuid.UUID, event string, payload any) {
	t.Helper()
	raw, err := protocol.Marshal(event, payload)
	if err != nil {
		t.Fatalf("failed to marshal %s frame: %v", event, err)
	}
	f.gw.HandleFrame(context.Background(), id, raw)
}

// authJoin authenticates with token and joins channel.
func (f *fixture) authJoin(t *testing.T, id uuid.UUID, token, channel string) {
	t.Helper()
	f.send(t, id, protocol.EventAuthenticate, protocol.Authenticate{Token: token})
	f.send(t, id, protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: channel})
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)

	f.send(t, id, protocol.EventAuthenticate, protocol.Authenticate{Token: "tok-alice"})

	got := rec.byEvent(protocol.EventAuthenticated)
	if len(got) != 1 {
		t.Fatalf("expected 1 authenticated event, got %d", len(got))
	}
	var res protocol.AuthResult
	json.Unmarshal(got[0].Payload, &res)
	if res.UserID != "alice" {
		t.Errorf("expected userId alice, got %q", res.UserID)
	}
	sess, _ := f.reg.Get(id)
	if !sess.Authenticated() || sess.UserID() != "alice" {
		t.Error("session should be authenticated as alice")
	}
}

func TestAuthenticateFailureKeepsConnection(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)

	f.send(t, id, protocol.EventAuthenticate, protocol.Authenticate{Token: "bogus"})

	if len(rec.byEvent(protocol.EventAuthError)) != 1 {
		t.Fatal("expected auth_error event")
	}
	sess, ok := f.reg.Get(id)
	if !ok {
		t.Fatal("connection must not be dropped on auth failure")
	}
	if sess.Authenticated() {
		t.Error("session must remain unauthenticated")
	}
	if rec.closed {
		t.Error("transport must not be closed on auth failure")
	}

	// The client may retry with a fresh token.
	f.send(t, id, protocol.EventAuthenticate, protocol.Authenticate{Token: "tok-alice"})
	if len(rec.byEvent(protocol.EventAuthenticated)) != 1 {
		t.Error("retry with a valid token should succeed")
	}
}

func TestMutationsRequireAuthentication(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)

	events := []struct {
		event   string
		payload any
	}{
		{protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: "general"}},
		{protocol.EventNewMessage, protocol.NewMessage{Content: "hi", ChannelID: "general"}},
		{protocol.EventEditMessage, protocol.EditMessage{MessageID: "m", Content: "x", ChannelID: "general"}},
		{protocol.EventDeleteMessage, protocol.DeleteMessage{MessageID: "m", ChannelID: "general"}},
		{protocol.EventAddReaction, protocol.AddReaction{MessageID: "m", Emoji: "👍", ChannelID: "general"}},
	}
	for _, e := range events {
		f.send(t, id, e.event, e.payload)
		last, ok := rec.last()
		if !ok || last.Event != protocol.EventError {
			t.Fatalf("%s: expected error frame, got %+v", e.event, last)
		}
		var reason string
		json.Unmarshal(last.Payload, &reason)
		if reason != "Not authenticated" {
			t.Errorf("%s: expected 'Not authenticated', got %q", e.event, reason)
		}
	}
}

func TestJoinChannelAuthorization(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)
	f.send(t, id, protocol.EventAuthenticate, protocol.Authenticate{Token: "tok-alice"})

	f.send(t, id, protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: "ghost"})
	last, _ := rec.last()
	if last.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %s", last.Event)
	}
	var reason string
	json.Unmarshal(last.Payload, &reason)
	if reason != "Channel not found" {
		t.Errorf("expected 'Channel not found', got %q", reason)
	}

	// Eve holds a valid token but is not a member of the server.
	f.mem.AddUser(store.UserRow{ID: "eve", Username: "eve"})
	eveID, eveRec := f.connect(t)
	f.send(t, eveID, protocol.EventAuthenticate, protocol.Authenticate{Token: "tok-eve"})
	f.send(t, eveID, protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: "general"})
	last, _ = eveRec.last()
	if last.Event != protocol.EventError {
		t.Fatalf("expected error frame for non-member, got %s", last.Event)
	}
	json.Unmarshal(last.Payload, &reason)
	if reason != "Not a member of this server" {
		t.Errorf("expected membership error, got %q", reason)
	}
	sess, _ := f.reg.Get(eveID)
	if f.reg.InRoom(sess, "general") {
		t.Error("a rejected join must not add room membership")
	}
}

func TestJoinSecondChannelLeavesFirst(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)
	f.authJoin(t, id, "tok-alice", "general")

	sess, _ := f.reg.Get(id)
	if !f.reg.InRoom(sess, "general") {
		t.Fatal("expected membership in general")
	}

	f.send(t, id, protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: "random"})

	if f.reg.InRoom(sess, "general") {
		t.Error("membership in general must be false after joining random")
	}
	if !f.reg.InRoom(sess, "random") {
		t.Error("membership in random must be true")
	}
	if sess.Channel() != "random" {
		t.Errorf("expected current channel random, got %q", sess.Channel())
	}
	if len(rec.byEvent(protocol.EventJoinedChannel)) != 2 {
		t.Error("expected joined_channel ack for each join")
	}
}

func TestLeaveChannel(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)
	f.authJoin(t, id, "tok-alice", "general")

	f.send(t, id, protocol.EventLeaveChannel, protocol.ChannelRef{ChannelID: "general"})

	sess, _ := f.reg.Get(id)
	if f.reg.InRoom(sess, "general") {
		t.Error("expected no membership after leave")
	}
	if sess.Channel() != "" {
		t.Errorf("expected idle session, got channel %q", sess.Channel())
	}
	if len(rec.byEvent(protocol.EventLeftChannel)) != 1 {
		t.Error("expected left_channel ack")
	}
}

func TestBroadcastFanOut(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceRec := f.connect(t)
	bobID, bobRec := f.connect(t)
	otherID, otherRec := f.connect(t)

	f.authJoin(t, aliceID, "tok-alice", "general")
	f.authJoin(t, bobID, "tok-bob", "general")
	f.authJoin(t, otherID, "tok-bob", "random")

	f.send(t, aliceID, protocol.EventNewMessage, protocol.NewMessage{Content: "hello", ChannelID: "general"})

	aliceGot := aliceRec.byEvent(protocol.EventMessageReceived)
	bobGot := bobRec.byEvent(protocol.EventMessageReceived)
	if len(aliceGot) != 1 || len(bobGot) != 1 {
		t.Fatalf("expected exactly one message_received for each watcher, got %d and %d",
			len(aliceGot), len(bobGot))
	}
	if len(otherRec.byEvent(protocol.EventMessageReceived)) != 0 {
		t.Error("watcher of a different channel must not receive the broadcast")
	}

	var aliceMsg, bobMsg protocol.Message
	json.Unmarshal(aliceGot[0].Payload, &aliceMsg)
	json.Unmarshal(bobGot[0].Payload, &bobMsg)
	if aliceMsg.ID == "" || aliceMsg.ID != bobMsg.ID {
		t.Errorf("watchers must see the same message id, got %q and %q", aliceMsg.ID, bobMsg.ID)
	}
	if aliceMsg.Content != "hello" || bobMsg.Content != "hello" {
		t.Error("watchers must see identical content")
	}
}

func TestEditByNonAuthorIsScopedError(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceRec := f.connect(t)
	bobID, bobRec := f.connect(t)
	f.authJoin(t, aliceID, "tok-alice", "general")
	f.authJoin(t, bobID, "tok-bob", "general")

	f.send(t, aliceID, protocol.EventNewMessage, protocol.NewMessage{Content: "mine", ChannelID: "general"})
	got, _ := aliceRec.last()
	var msg protocol.Message
	json.Unmarshal(got.Payload, &msg)

	editsBefore := len(aliceRec.byEvent(protocol.EventMessageEdited))

	f.send(t, bobID, protocol.EventEditMessage, protocol.EditMessage{
		MessageID: msg.ID, Content: "hijacked", ChannelID: "general",
	})

	last, _ := bobRec.last()
	if last.Event != protocol.EventError {
		t.Fatalf("expected error frame for non-author edit, got %s", last.Event)
	}
	var reason string
	json.Unmarshal(last.Payload, &reason)
	if reason != "Not authorized to edit this message" {
		t.Errorf("unexpected reason %q", reason)
	}
	if len(aliceRec.byEvent(protocol.EventMessageEdited)) != editsBefore {
		t.Error("no broadcast may occur for a rejected edit")
	}
	if len(aliceRec.byEvent(protocol.EventError)) != 0 {
		t.Error("the author must not see the offender's error")
	}
}

func TestReactionBroadcastPerViewer(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceRec := f.connect(t)
	bobID, bobRec := f.connect(t)
	f.authJoin(t, aliceID, "tok-alice", "general")
	f.authJoin(t, bobID, "tok-bob", "general")

	f.send(t, aliceID, protocol.EventNewMessage, protocol.NewMessage{Content: "react", ChannelID: "general"})
	got, _ := aliceRec.last()
	var msg protocol.Message
	json.Unmarshal(got.Payload, &msg)

	f.send(t, bobID, protocol.EventAddReaction, protocol.AddReaction{
		MessageID: msg.ID, Emoji: "👍", ChannelID: "general",
	})

	aliceUpdates := aliceRec.byEvent(protocol.EventReactionUpdated)
	bobUpdates := bobRec.byEvent(protocol.EventReactionUpdated)
	if len(aliceUpdates) != 1 || len(bobUpdates) != 1 {
		t.Fatalf("expected one reaction_updated per watcher, got %d and %d",
			len(aliceUpdates), len(bobUpdates))
	}

	var forAlice, forBob protocol.ReactionUpdate
	json.Unmarshal(aliceUpdates[0].Payload, &forAlice)
	json.Unmarshal(bobUpdates[0].Payload, &forBob)

	if forAlice.Reactions[0].HasReacted {
		t.Error("alice did not react; her payload must say so")
	}
	if !forBob.Reactions[0].HasReacted {
		t.Error("bob reacted; his payload must say so")
	}
	if forAlice.Reactions[0].Count != 1 || forBob.Reactions[0].Count != 1 {
		t.Error("both watchers must see the same full group list")
	}

	// Toggle off: the second application removes the reaction for everyone.
	f.send(t, bobID, protocol.EventAddReaction, protocol.AddReaction{
		MessageID: msg.ID, Emoji: "👍", ChannelID: "general",
	})
	bobUpdates = bobRec.byEvent(protocol.EventReactionUpdated)
	json.Unmarshal(bobUpdates[len(bobUpdates)-1].Payload, &forBob)
	if len(forBob.Reactions) != 0 {
		t.Errorf("expected zero reactions after double toggle, got %+v", forBob.Reactions)
	}
}

// countingStore records how often authorization reads hit the store.
type countingStore struct {
	store.Store
	mu           sync.Mutex
	channelGets  int
	memberChecks int
}

func (c *countingStore) GetChannel(ctx context.Context, channelID string) (*store.Channel, error) {
	c.mu.Lock()
	c.channelGets++
	c.mu.Unlock()
	return c.Store.GetChannel(ctx, channelID)
}

func (c *countingStore) IsServerMember(ctx context.Context, serverID, userID string) (bool, error) {
	c.mu.Lock()
	c.memberChecks++
	c.mu.Unlock()
	return c.Store.IsServerMember(ctx, serverID, userID)
}

func (c *countingStore) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelGets, c.memberChecks
}

func TestRejectedJoinIsNotRetried(t *testing.T) {
	logger := newTestLogger()

	mem := store.NewMemory()
	mem.AddChannel(store.Channel{ID: "general", ServerID: "srv-1", Name: "general"})
	mem.AddUser(store.UserRow{ID: "eve", Username: "eve"})
	counting := &countingStore{Store: mem}

	verifier := &identity.StaticVerifier{Tokens: map[string]string{"tok-eve": "eve"}}
	reg := gateway.NewRegistry(logger)
	gw := gateway.New(logger, reg, chat.NewService(counting, logger), verifier, prometheus.NewRegistry())

	rec := &recorder{}
	id := uuid.New()
	reg.Register(id, "127.0.0.1", rec)

	send := func(event string, payload any) {
		raw, err := protocol.Marshal(event, payload)
		if err != nil {
			t.Fatalf("failed to marshal %s frame: %v", event, err)
		}
		gw.HandleFrame(context.Background(), id, raw)
	}

	send(protocol.EventAuthenticate, protocol.Authenticate{Token: "tok-eve"})

	// A non-member's join is a deterministic rejection; the store must
	// be consulted exactly once.
	start := time.Now()
	send(protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: "general"})
	elapsed := time.Since(start)

	last, _ := rec.last()
	if last.Event != protocol.EventError {
		t.Fatalf("expected error frame, got %s", last.Event)
	}
	var reason string
	json.Unmarshal(last.Payload, &reason)
	if reason != "Not a member of this server" {
		t.Fatalf("expected membership rejection, got %q", reason)
	}
	if _, members := counting.counts(); members != 1 {
		t.Errorf("membership was checked %d times for one rejected join", members)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("rejected join took %v, suggesting a backoff sleep", elapsed)
	}

	// Same for a channel that does not exist.
	send(protocol.EventJoinChannel, protocol.ChannelRef{ChannelID: "ghost"})
	gets, _ := counting.counts()
	if gets != 2 {
		t.Errorf("channel was fetched %d times across two rejected joins", gets)
	}
}

func TestEditBroadcastRecomputesReactionsPerViewer(t *testing.T) {
	f := newFixture(t)
	aliceID, aliceRec := f.connect(t)
	bobID, bobRec := f.connect(t)
	f.authJoin(t, aliceID, "tok-alice", "general")
	f.authJoin(t, bobID, "tok-bob", "general")

	f.send(t, aliceID, protocol.EventNewMessage, protocol.NewMessage{Content: "draft", ChannelID: "general"})
	got, _ := aliceRec.last()
	var msg protocol.Message
	json.Unmarshal(got.Payload, &msg)

	f.send(t, bobID, protocol.EventAddReaction, protocol.AddReaction{
		MessageID: msg.ID, Emoji: "👍", ChannelID: "general",
	})
	f.send(t, aliceID, protocol.EventEditMessage, protocol.EditMessage{
		MessageID: msg.ID, Content: "final", ChannelID: "general",
	})

	aliceEdits := aliceRec.byEvent(protocol.EventMessageEdited)
	bobEdits := bobRec.byEvent(protocol.EventMessageEdited)
	if len(aliceEdits) != 1 || len(bobEdits) != 1 {
		t.Fatalf("expected one message_edited per watcher, got %d and %d",
			len(aliceEdits), len(bobEdits))
	}

	var forAlice, forBob protocol.Message
	json.Unmarshal(aliceEdits[0].Payload, &forAlice)
	json.Unmarshal(bobEdits[0].Payload, &forBob)

	if forAlice.Content != "final" || forBob.Content != "final" {
		t.Error("watchers must see the edited content")
	}
	if len(forAlice.Reactions) != 1 || len(forBob.Reactions) != 1 {
		t.Fatal("edited broadcast must carry the reaction groups")
	}
	if forAlice.Reactions[0].HasReacted {
		t.Error("alice did not react; her edited payload must say so")
	}
	if !forBob.Reactions[0].HasReacted {
		t.Error("bob reacted; his edited payload must keep hasReacted")
	}
}

func TestDisconnectCleansRoomMembership(t *testing.T) {
	f := newFixture(t)
	aliceID, _ := f.connect(t)
	bobID, bobRec := f.connect(t)
	f.authJoin(t, aliceID, "tok-alice", "general")
	f.authJoin(t, bobID, "tok-bob", "general")

	f.gw.OnDisconnect(aliceID, nil)

	if _, ok := f.reg.Get(aliceID); ok {
		t.Error("session should be removed on disconnect")
	}

	// Bob still receives broadcasts; no disconnect broadcast was sent.
	before := len(bobRec.byEvent(protocol.EventMessageReceived))
	f.send(t, bobID, protocol.EventNewMessage, protocol.NewMessage{Content: "still here", ChannelID: "general"})
	if len(bobRec.byEvent(protocol.EventMessageReceived)) != before+1 {
		t.Error("remaining watcher must keep receiving broadcasts")
	}
}

func TestMalformedFrame(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)

	f.gw.HandleFrame(context.Background(), id, []byte("{not json"))

	last, ok := rec.last()
	if !ok || last.Event != protocol.EventError {
		t.Fatal("expected error frame for malformed input")
	}
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture(t)
	id, rec := f.connect(t)

	f.send(t, id, "warp_speed", struct{}{})

	last, _ := rec.last()
	if last.Event != protocol.EventError {
		t.Fatal("expected error frame for unknown event")
	}
}
