package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schema string

// Postgres is a Gateway backed by PostgreSQL through lib/pq.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, retrying the initial ping up to attempts
// times, and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string, attempts int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		logrus.WithFields(logrus.Fields{
			"function": "OpenPostgres",
			"attempt":  i + 1,
			"error":    err.Error(),
		}).Warn("Database not reachable yet")
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	p := &Postgres{db: db}
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an already opened database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates any missing tables.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

func (p *Postgres) UserExists(ctx context.Context, user string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM users WHERE username = $1`, user)
}

func (p *Postgres) AreFriends(ctx context.Context, a, b string) (bool, error) {
	return p.exists(ctx,
		`SELECT 1 FROM friends WHERE (user1 = $1 AND user2 = $2) OR (user1 = $2 AND user2 = $1)`,
		a, b)
}

func (p *Postgres) Friends(ctx context.Context, user string) ([]string, error) {
	return p.strings(ctx,
		`SELECT CASE WHEN user1 = $1 THEN user2 ELSE user1 END AS friend
FROM friends
WHERE user1 = $1 OR user2 = $1
ORDER BY friend`,
		user)
}

func (p *Postgres) IsGroupMember(ctx context.Context, groupID int64, user string) (bool, error) {
	return p.exists(ctx, `SELECT 1 FROM group_members WHERE group_id = $1 AND username = $2`, groupID, user)
}

func (p *Postgres) GroupMembers(ctx context.Context, groupID int64) ([]string, error) {
	return p.strings(ctx, `SELECT username FROM group_members WHERE group_id = $1 ORDER BY username`, groupID)
}

func (p *Postgres) MemberRole(ctx context.Context, groupID int64, user string) (Role, error) {
	var role string
	err := p.db.QueryRowContext(ctx,
		`SELECT role FROM group_members WHERE group_id = $1 AND username = $2`,
		groupID, user).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s in group %d", ErrNotFound, user, groupID)
	}
	if err != nil {
		return "", err
	}
	return Role(role), nil
}

func (p *Postgres) SaveMessage(ctx context.Context, msg Message) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO messages (sender, receiver, content, read) VALUES ($1, $2, $3, $4) RETURNING id`,
		msg.Sender, msg.Receiver, msg.Content, msg.Read).Scan(&id)
	return id, err
}

func (p *Postgres) EditMessage(ctx context.Context, id int64, sender, receiver, content string) error {
	return p.updateOne(ctx,
		`UPDATE messages SET content = $1, edited = TRUE WHERE id = $2 AND sender = $3 AND receiver = $4`,
		content, id, sender, receiver)
}

func (p *Postgres) DeleteMessage(ctx context.Context, id int64, sender, receiver string) error {
	return p.updateOne(ctx,
		`UPDATE messages SET content = $1, deleted = TRUE WHERE id = $2 AND sender = $3 AND receiver = $4`,
		DeletedContent, id, sender, receiver)
}

func (p *Postgres) SaveGroupMessage(ctx context.Context, msg GroupMessage) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO group_messages (group_id, sender, content) VALUES ($1, $2, $3) RETURNING id`,
		msg.GroupID, msg.Sender, msg.Content).Scan(&id)
	return id, err
}

func (p *Postgres) GroupMessageSender(ctx context.Context, groupID, id int64) (string, error) {
	var sender string
	err := p.db.QueryRowContext(ctx,
		`SELECT sender FROM group_messages WHERE id = $1 AND group_id = $2`,
		id, groupID).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: group message %d in group %d", ErrNotFound, id, groupID)
	}
	return sender, err
}

func (p *Postgres) EditGroupMessage(ctx context.Context, groupID, id int64, sender, content string) error {
	return p.updateOne(ctx,
		`UPDATE group_messages SET content = $1, edited = TRUE WHERE id = $2 AND group_id = $3 AND sender = $4`,
		content, id, groupID, sender)
}

func (p *Postgres) DeleteGroupMessage(ctx context.Context, groupID, id int64) error {
	return p.updateOne(ctx,
		`UPDATE group_messages SET content = $1, deleted = TRUE WHERE id = $2 AND group_id = $3`,
		DeletedContent, id, groupID)
}

func (p *Postgres) SaveCallLog(ctx context.Context, log CallLog) error {
	_, err := p.db.ExecContext(ctx, insertCallLog, callLogArgs(log)...)
	return err
}

func (p *Postgres) RecordCallEnd(ctx context.Context, log CallLog, notices []Message) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, n := range notices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (sender, receiver, content, read) VALUES ($1, $2, $3, $4)`,
			n.Sender, n.Receiver, n.Content, n.Read); err != nil {
			return fmt.Errorf("insert call notice: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, insertCallLog, callLogArgs(log)...); err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return tx.Commit()
}

func (p *Postgres) SetStatus(ctx context.Context, user, status string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO user_status (username, status, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
ON CONFLICT (username) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		user, status)
	return err
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

const insertCallLog = `INSERT INTO call_logs
(caller, recipient, start_time, end_time, duration, status, timestamp, notification_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func callLogArgs(log CallLog) []any {
	return []any{
		log.Caller,
		log.Callee,
		log.StartedAt.UTC(),
		log.EndedAt.UTC(),
		int64(log.Duration / time.Second),
		string(log.Status),
		log.EndedAt.Unix(),
		log.NotificationSeen,
	}
}

func (p *Postgres) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Postgres) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Gateway = (*Postgres)(nil)
