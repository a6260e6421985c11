package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender delivers encoded event frames to one client. transport.Conn
// implements it; tests substitute recorders.
type Sender interface {
	SendEvent(event string, payload any) error
	Close(err error)
}

// Session is the gateway-side record of one connection. UserID is empty
// until the handshake completes; Channel is empty while idle. A session
// watches at most one channel at a time.
type Session struct {
	ID        uuid.UUID
	IP        string
	CreatedAt time.Time
	sender    Sender

	mu            sync.Mutex
	userID        string
	authenticated bool
	channel       string
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *Session) setAuthenticated(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.authenticated = true
}

func (s *Session) setChannel(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channel
}

// Registry tracks sessions, channel rooms, and the user-to-connections
// index. One coarse lock guards all three maps; they are only ever
// mutated together.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*Session
	rooms     map[string]map[uuid.UUID]*Session
	userConns map[string]map[uuid.UUID]*Session
	ipCounts  map[string]int

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		sessions:  make(map[uuid.UUID]*Session),
		rooms:     make(map[string]map[uuid.UUID]*Session),
		userConns: make(map[string]map[uuid.UUID]*Session),
		ipCounts:  make(map[string]int),
		logger:    logger.With(slog.String("component", "registry")),
	}
}

// Register creates a session for a freshly accepted connection.
func (r *Registry) Register(id uuid.UUID, ip string, sender Sender) *Session {
	sess := &Session{
		ID:        id,
		IP:        ip,
		CreatedAt: time.Now(),
		sender:    sender,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sess
	r.ipCounts[ip]++
	r.logger.Debug("Session registered", slog.String("connID", id.String()), slog.String("ip", ip))
	return sess
}

// Remove drops a session from every index: sessions, its room, and the
// user-to-connections map. No broadcast is sent.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)

	r.ipCounts[sess.IP]--
	if r.ipCounts[sess.IP] <= 0 {
		delete(r.ipCounts, sess.IP)
	}

	if ch := sess.Channel(); ch != "" {
		r.removeFromRoom(sess, ch)
	}
	if userID := sess.UserID(); userID != "" {
		conns := r.userConns[userID]
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.userConns, userID)
		}
	}
	r.logger.Debug("Session removed", slog.String("connID", id.String()))
}

func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Associate links an authenticated session to its user.
func (r *Registry) Associate(sess *Session, userID string) {
	sess.setAuthenticated(userID)

	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.userConns[userID]
	if !ok {
		conns = make(map[uuid.UUID]*Session)
		r.userConns[userID] = conns
	}
	conns[sess.ID] = sess
}

// Join moves the session into a channel room, leaving any previous room
// so membership in at most one room holds at all times.
func (r *Registry) Join(sess *Session, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := sess.Channel(); prev != "" && prev != channelID {
		r.removeFromRoom(sess, prev)
	}
	room, ok := r.rooms[channelID]
	if !ok {
		room = make(map[uuid.UUID]*Session)
		r.rooms[channelID] = room
	}
	room[sess.ID] = sess
	sess.setChannel(channelID)
	r.logger.Debug("Session joined room",
		slog.String("connID", sess.ID.String()), slog.String("channelID", channelID))
}

// Leave removes the session from the given room. The session becomes
// idle if it was watching that channel.
func (r *Registry) Leave(sess *Session, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromRoom(sess, channelID)
	if sess.Channel() == channelID {
		sess.setChannel("")
	}
}

// caller must hold r.mu.
func (r *Registry) removeFromRoom(sess *Session, channelID string) {
	room, ok := r.rooms[channelID]
	if !ok {
		return
	}
	delete(room, sess.ID)
	if len(room) == 0 {
		delete(r.rooms, channelID)
	}
}

// Watchers returns every session currently in the channel's room.
func (r *Registry) Watchers(channelID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[channelID]
	out := make([]*Session, 0, len(room))
	for _, sess := range room {
		out = append(out, sess)
	}
	return out
}

// InRoom reports whether the session is currently in the channel's room.
func (r *Registry) InRoom(sess *Session, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[channelID]
	if !ok {
		return false
	}
	_, in := room[sess.ID]
	return in
}

// ConnectionCount reports active sessions for one IP; the connection
// limiter keys on it.
func (r *Registry) ConnectionCount(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ipCounts[ip]
}

// OldestConnection returns the longest-lived session for an IP, used by
// the limiter's cycle mode.
func (r *Registry) OldestConnection(ip string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Session
	for _, sess := range r.sessions {
		if sess.IP != ip {
			continue
		}
		if oldest == nil || sess.CreatedAt.Before(oldest.CreatedAt) {
			oldest = sess
		}
	}
	return oldest, oldest != nil
}

// All returns every live session, used during shutdown.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}
