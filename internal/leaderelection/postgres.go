package leaderelection

import (
	"context"
	"database/sql"
)

// PostgresLocker takes a session-scoped advisory lock on a dedicated
// connection from db.
type PostgresLocker struct {
	db  *sql.DB
	key int64
}

func NewPostgresLocker(db *sql.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

func (l *PostgresLocker) Open(ctx context.Context) (Session, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &pgSession{conn: conn, key: l.key}, nil
}

type pgSession struct {
	conn   *sql.Conn
	key    int64
	locked bool
}

func (s *pgSession) TryLock(ctx context.Context) (bool, error) {
	var acquired bool
	if err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", s.key).Scan(&acquired); err != nil {
		return false, err
	}
	s.locked = acquired
	return acquired, nil
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close unlocks explicitly so a healthy connection returned to the pool
// does not keep the lock.
func (s *pgSession) Close() error {
	if s.locked {
		_, _ = s.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", s.key)
	}
	return s.conn.Close()
}
