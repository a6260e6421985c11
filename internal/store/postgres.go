package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres implements Store over database/sql with the pq driver. The
// connection is opened lazily on first use.
type Postgres struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var _ Store = (*Postgres)(nil)

func NewPostgres(dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres store requires a dsn")
	}
	return &Postgres{dsn: dsn, openDB: sql.Open}, nil
}

func (p *Postgres) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			p.initErr = fmt.Errorf("postgres ping failed: %w", err)
			db.Close()
			return
		}
		p.db = db
	})
	return p.initErr
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (p *Postgres) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var ch Channel
	err := p.db.QueryRowContext(ctx,
		`SELECT id, server_id, name FROM channels WHERE id = $1`, channelID).
		Scan(&ch.ID, &ch.ServerID, &ch.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func (p *Postgres) IsServerMember(ctx context.Context, serverID, userID string) (bool, error) {
	if err := p.ensureReady(ctx); err != nil {
		return false, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM server_members WHERE server_id = $1 AND user_id = $2)`,
		serverID, userID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*UserRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var u UserRow
	var displayName, avatarURL sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, avatar_url FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Username, &displayName, &avatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.DisplayName = displayName.String
	u.AvatarURL = avatarURL.String
	return &u, nil
}

func (p *Postgres) InsertMessage(ctx context.Context, channelID, userID, content string) (*MessageRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	row := &MessageRow{ID: uuid.NewString(), ChannelID: channelID, UserID: userID, Content: content}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO messages (id, channel_id, user_id, content, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING created_at`,
		row.ID, channelID, userID, content).Scan(&row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (p *Postgres) GetMessage(ctx context.Context, messageID string) (*MessageRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var row MessageRow
	var editedAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`SELECT id, channel_id, user_id, content, created_at, edited_at
		 FROM messages WHERE id = $1`, messageID).
		Scan(&row.ID, &row.ChannelID, &row.UserID, &row.Content, &row.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		row.EditedAt = &editedAt.Time
	}
	return &row, nil
}

func (p *Postgres) UpdateMessageContent(ctx context.Context, messageID, content string) (*MessageRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var row MessageRow
	var editedAt sql.NullTime
	err := p.db.QueryRowContext(ctx,
		`UPDATE messages SET content = $2, edited_at = NOW()
		 WHERE id = $1
		 RETURNING id, channel_id, user_id, content, created_at, edited_at`,
		messageID, content).
		Scan(&row.ID, &row.ChannelID, &row.UserID, &row.Content, &row.CreatedAt, &editedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		row.EditedAt = &editedAt.Time
	}
	return &row, nil
}

func (p *Postgres) DeleteMessage(ctx context.Context, messageID string) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, channelID string, limit int) ([]MessageRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, channel_id, user_id, content, created_at, edited_at
		 FROM (
		   SELECT * FROM messages WHERE channel_id = $1
		   ORDER BY created_at DESC LIMIT $2
		 ) recent
		 ORDER BY created_at ASC`,
		channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		var editedAt sql.NullTime
		if err := rows.Scan(&row.ID, &row.ChannelID, &row.UserID, &row.Content, &row.CreatedAt, &editedAt); err != nil {
			return nil, err
		}
		if editedAt.Valid {
			row.EditedAt = &editedAt.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) FindReaction(ctx context.Context, messageID, userID, emoji string) (*ReactionRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var row ReactionRow
	err := p.db.QueryRowContext(ctx,
		`SELECT id, message_id, user_id, emoji FROM message_reactions
		 WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji).
		Scan(&row.ID, &row.MessageID, &row.UserID, &row.Emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (p *Postgres) InsertReaction(ctx context.Context, messageID, userID, emoji string) (*ReactionRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	row := &ReactionRow{ID: uuid.NewString(), MessageID: messageID, UserID: userID, Emoji: emoji}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO message_reactions (id, message_id, user_id, emoji)
		 VALUES ($1, $2, $3, $4)`,
		row.ID, messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (p *Postgres) DeleteReaction(ctx context.Context, reactionID string) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	res, err := p.db.ExecContext(ctx, `DELETE FROM message_reactions WHERE id = $1`, reactionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListReactions(ctx context.Context, messageID string) ([]ReactionRow, error) {
	if err := p.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, message_id, user_id, emoji FROM message_reactions
		 WHERE message_id = $1 ORDER BY emoji, user_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReactionRow
	for rows.Next() {
		var row ReactionRow
		if err := rows.Scan(&row.ID, &row.MessageID, &row.UserID, &row.Emoji); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
