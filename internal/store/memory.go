package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a mutex-guarded in-memory Store used by tests and local
// development. Messages keep per-channel insertion order.
type Memory struct {
	mu        sync.RWMutex
	channels  map[string]*Channel
	members   map[string]map[string]bool // serverID -> userID -> member
	users     map[string]*UserRow
	messages  map[string]*MessageRow
	order     map[string][]string // channelID -> messageIDs in insertion order
	reactions map[string]*ReactionRow

	now func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		channels:  make(map[string]*Channel),
		members:   make(map[string]map[string]bool),
		users:     make(map[string]*UserRow),
		messages:  make(map[string]*MessageRow),
		order:     make(map[string][]string),
		reactions: make(map[string]*ReactionRow),
		now:       time.Now,
	}
}

// AddChannel seeds a channel. Test/setup helper, not part of Store.
func (m *Memory) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.ID] = &ch
}

// AddMember seeds server membership. Test/setup helper.
func (m *Memory) AddMember(serverID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[serverID] == nil {
		m.members[serverID] = make(map[string]bool)
	}
	m.members[serverID][userID] = true
}

// AddUser seeds a user profile. Test/setup helper.
func (m *Memory) AddUser(u UserRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

func (m *Memory) GetChannel(_ context.Context, channelID string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *Memory) IsServerMember(_ context.Context, serverID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[serverID][userID], nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (*UserRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) InsertMessage(_ context.Context, channelID, userID, content string) (*MessageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := &MessageRow{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: m.now(),
	}
	m.messages[row.ID] = row
	m.order[channelID] = append(m.order[channelID], row.ID)
	cp := *row
	return &cp, nil
}

func (m *Memory) GetMessage(_ context.Context, messageID string) (*MessageRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *Memory) UpdateMessageContent(_ context.Context, messageID, content string) (*MessageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	edited := m.now()
	row.Content = content
	row.EditedAt = &edited
	cp := *row
	return &cp, nil
}

func (m *Memory) DeleteMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	delete(m.messages, messageID)

	ids := m.order[row.ChannelID]
	for i, id := range ids {
		if id == messageID {
			m.order[row.ChannelID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	for id, r := range m.reactions {
		if r.MessageID == messageID {
			delete(m.reactions, id)
		}
	}
	return nil
}

func (m *Memory) ListMessages(_ context.Context, channelID string, limit int) ([]MessageRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[channelID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	rows := make([]MessageRow, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, *m.messages[id])
	}
	return rows, nil
}

func (m *Memory) FindReaction(_ context.Context, messageID, userID, emoji string) (*ReactionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reactions {
		if r.MessageID == messageID && r.UserID == userID && r.Emoji == emoji {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) InsertReaction(_ context.Context, messageID, userID, emoji string) (*ReactionRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := &ReactionRow{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
	}
	m.reactions[row.ID] = row
	cp := *row
	return &cp, nil
}

func (m *Memory) DeleteReaction(_ context.Context, reactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reactions[reactionID]; !ok {
		return ErrNotFound
	}
	delete(m.reactions, reactionID)
	return nil
}

func (m *Memory) ListReactions(_ context.Context, messageID string) ([]ReactionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var rows []ReactionRow
	for _, r := range m.reactions {
		if r.MessageID == messageID {
			rows = append(rows, *r)
		}
	}
	return rows, nil
}
