package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"

	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"
)

const notificationColumns = `id, user_id, organization_id, type, title, message,
	avatar_fallback, icon_type, data, is_read, created_at`

// SQLStore implements presence.NotificationPersistence on MySQL or SQLite.
// created_at is stored as unix milliseconds and is_read as 0/1 so that both
// dialects share the same statements.
type SQLStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLStore wraps an already migrated database.
func NewSQLStore(db *sql.DB, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger.With().Str("component", "SQLNotificationStore").Logger(),
	}
}

// OpenMySQL connects to MySQL, runs migrations, and returns a store.
func OpenMySQL(ctx context.Context, dsn string, logger zerolog.Logger) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach mysql at %s: %w", cfg.Addr, err)
	}
	if err := RunMigrations(ctx, db, DialectMySQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return NewSQLStore(db, logger), nil
}

// OpenSQLite opens (or creates) the SQLite database at path, applies
// PRAGMAs, runs migrations, and returns a store.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite is a single-writer engine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := RunMigrations(ctx, db, DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return NewSQLStore(db, logger), nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Create(ctx context.Context, n *presence.Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]any{}
	}
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal notification data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.OrganizationID, string(n.Type), n.Title, n.Message,
		n.AvatarFallback, n.IconType, string(dataBytes), boolToInt(n.IsRead), n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (s *SQLStore) Find(ctx context.Context, q presence.ListQuery) ([]presence.Notification, int, error) {
	where := "user_id = ?"
	if q.UnreadOnly {
		where += " AND is_read = 0"
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications WHERE "+where, q.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	if total == 0 || q.Offset >= total {
		return []presence.Notification{}, total, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = total
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		q.UserID, limit, q.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]presence.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating notifications: %w", err)
	}
	return out, total, nil
}

// MarkRead updates and re-reads the row in one transaction. The user_id
// predicate on both statements keeps other users' rows invisible.
func (s *SQLStore) MarkRead(ctx context.Context, notificationID, userID string) (*presence.Notification, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?",
		notificationID, userID,
	); err != nil {
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ? AND user_id = ?",
		notificationID, userID,
	)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit mark read: %w", err)
	}
	return n, nil
}

func (s *SQLStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

func (s *SQLStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0", userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*presence.Notification, error) {
	var (
		n         presence.Notification
		typ       string
		dataJSON  string
		isRead    int
		createdAt int64
	)
	if err := row.Scan(
		&n.ID, &n.UserID, &n.OrganizationID, &typ, &n.Title, &n.Message,
		&n.AvatarFallback, &n.IconType, &dataJSON, &isRead, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}
	n.Type = presence.NotificationType(typ)
	n.IsRead = isRead != 0
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	n.Data = map[string]any{}
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &n.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification data: %w", err)
		}
	}
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
