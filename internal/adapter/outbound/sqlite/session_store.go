package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/svmp/svmp-proxy/internal/domain/session"
)

const sessionColumns = `token, username, vm_address, created_at, expires_at, last_activity, disconnected_at`

// SessionStore implements session.SessionStore on SQLite.
type SessionStore struct {
	db *sql.DB
}

func (s *SessionStore) Create(ctx context.Context, sess *session.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.Token, sess.Username, sess.VMAddress,
		toUnix(sess.CreatedAt), toUnix(sess.ExpiresAt), toUnix(sess.LastActivity),
		nullTime(sess.DisconnectedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) FindByToken(ctx context.Context, token string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	return sess, err
}

// FindExpiredVMSessions returns sessions disconnected at or before now-ttl.
func (s *SessionStore) FindExpiredVMSessions(ctx context.Context, now time.Time, ttl time.Duration) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE disconnected_at IS NOT NULL AND disconnected_at <= ?
		 ORDER BY created_at, token`,
		toUnix(now.Add(-ttl)),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	return collectSessions(rows)
}

// Save updates an existing row. It never inserts, so a session removed by
// the reclaimer stays removed.
func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET username = ?, vm_address = ?, expires_at = ?, last_activity = ?, disconnected_at = ?
		 WHERE token = ?`,
		sess.Username, sess.VMAddress, toUnix(sess.ExpiresAt), toUnix(sess.LastActivity),
		nullTime(sess.DisconnectedAt), sess.Token,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return expectOneRow(res, session.ErrSessionNotFound)
}

// Remove deletes the session row. Of concurrent callers only the one whose
// DELETE affected the row gets nil.
func (s *SessionStore) Remove(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return expectOneRow(res, session.ErrSessionNotFound)
}

func (s *SessionStore) RemoveByUsername(ctx context.Context, username string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE username = ?`, username)
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SessionStore) List(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, token`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return collectSessions(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		sess                       session.Session
		created, expires, activity int64
		disconnected               sql.NullInt64
	)
	if err := row.Scan(&sess.Token, &sess.Username, &sess.VMAddress, &created, &expires, &activity, &disconnected); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromUnix(created)
	sess.ExpiresAt = fromUnix(expires)
	sess.LastActivity = fromUnix(activity)
	if disconnected.Valid {
		t := fromUnix(disconnected.Int64)
		sess.DisconnectedAt = &t
	}
	return &sess, nil
}

func collectSessions(rows *sql.Rows) ([]*session.Session, error) {
	defer func() { _ = rows.Close() }()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Compile-time interface verification.
var _ session.SessionStore = (*SessionStore)(nil)
