package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"covidbot/internal/delivery"
	"covidbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Store is the sqlite-backed subscription registry and data store.
type Store struct {
	db  *sqlx.DB
	log logx.Logger
}

var _ delivery.Registry = (*Store)(nil)

// Open connects to the database at cfg.Path, creating parent directories and
// applying the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.Path, busy.Milliseconds())

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log.With(logx.String("comp", "storage"))}
	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	st.log.Debug("database ready", logx.String("path", cfg.Path))
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", logx.Err(rbErr))
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func userID(ctx context.Context, q sqlx.QueryerContext, platformID delivery.Recipient) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT user_id FROM bot_user WHERE platform_id = ?`, string(platformID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

// EnsureUser creates the user if it does not exist and returns its id.
func (s *Store) EnsureUser(ctx context.Context, platformID delivery.Recipient) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_user (platform_id) VALUES (?) ON CONFLICT(platform_id) DO NOTHING`,
		string(platformID)); err != nil {
		return 0, fmt.Errorf("ensure user %s: %w", platformID, err)
	}
	return userID(ctx, s.db, platformID)
}

// AddSubscription subscribes the user (created on demand) to district rs.
// It reports false if the subscription already existed.
func (s *Store) AddSubscription(ctx context.Context, platformID delivery.Recipient, rs int) (bool, error) {
	var added bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO bot_user (platform_id) VALUES (?) ON CONFLICT(platform_id) DO NOTHING`,
			string(platformID)); err != nil {
			return err
		}
		id, err := userID(ctx, tx, platformID)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (user_id, rs) VALUES (?, ?) ON CONFLICT(user_id, rs) DO NOTHING`, id, rs)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		added = n == 1
		return err
	})
	if err != nil {
		return false, fmt.Errorf("add subscription %s/%d: %w", platformID, rs, err)
	}
	return added, nil
}

// RemoveSubscription reports false if the user had no such subscription.
func (s *Store) RemoveSubscription(ctx context.Context, platformID delivery.Recipient, rs int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE rs = ? AND user_id = (SELECT user_id FROM bot_user WHERE platform_id = ?)`,
		rs, string(platformID))
	if err != nil {
		return false, fmt.Errorf("remove subscription %s/%d: %w", platformID, rs, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

type userRow struct {
	ID         int64          `db:"user_id"`
	PlatformID string         `db:"platform_id"`
	LastUpdate int64          `db:"last_update"`
	Activated  bool           `db:"activated"`
	Language   sql.NullString `db:"language"`
}

func (r userRow) user() User {
	u := User{
		ID:         r.ID,
		PlatformID: delivery.Recipient(r.PlatformID),
		Activated:  r.Activated,
		Language:   r.Language.String,
	}
	if r.LastUpdate > 0 {
		u.LastUpdate = time.Unix(r.LastUpdate, 0).UTC()
	}
	return u
}

// User loads one user with its subscriptions.
func (s *Store) User(ctx context.Context, platformID delivery.Recipient) (User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row,
		`SELECT user_id, platform_id, last_update, activated, language FROM bot_user WHERE platform_id = ?`,
		string(platformID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u := row.user()
	if err := s.db.SelectContext(ctx, &u.Subscriptions,
		`SELECT rs FROM subscriptions WHERE user_id = ? ORDER BY rs`, u.ID); err != nil {
		return User{}, err
	}
	return u, nil
}

// Users returns all users ordered by id, each with its subscriptions.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT user_id, platform_id, last_update, activated, language FROM bot_user ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var subs []struct {
		UserID int64 `db:"user_id"`
		RS     int   `db:"rs"`
	}
	if err := s.db.SelectContext(ctx, &subs, `SELECT user_id, rs FROM subscriptions ORDER BY user_id, rs`); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	byUser := make(map[int64][]int, len(rows))
	for _, sub := range subs {
		byUser[sub.UserID] = append(byUser[sub.UserID], sub.RS)
	}
	users := make([]User, 0, len(rows))
	for _, r := range rows {
		u := r.user()
		u.Subscriptions = byUser[r.ID]
		users = append(users, u)
	}
	return users, nil
}

// ActiveRecipients lists every activated user.
func (s *Store) ActiveRecipients(ctx context.Context) ([]delivery.Recipient, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT platform_id FROM bot_user WHERE activated = 1 ORDER BY user_id`); err != nil {
		return nil, err
	}
	out := make([]delivery.Recipient, len(ids))
	for i, id := range ids {
		out[i] = delivery.Recipient(id)
	}
	return out, nil
}

// RemoveRecipient deletes the user and all its subscriptions.
func (s *Store) RemoveRecipient(ctx context.Context, id delivery.Recipient) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscriptions WHERE user_id = (SELECT user_id FROM bot_user WHERE platform_id = ?)`,
			string(id)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM bot_user WHERE platform_id = ?`, string(id))
		return err
	})
}

// RemapRecipient moves a user to a new platform id. It reports false when
// from is unknown or to is already taken.
func (s *Store) RemapRecipient(ctx context.Context, from, to delivery.Recipient) (bool, error) {
	var moved bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := userID(ctx, tx, to); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE bot_user SET platform_id = ? WHERE platform_id = ?`, string(to), string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		moved = n == 1
		return err
	})
	return moved, err
}

func (s *Store) DisableRecipient(ctx context.Context, id delivery.Recipient) error {
	return s.setActivated(ctx, id, false)
}

func (s *Store) EnableRecipient(ctx context.Context, id delivery.Recipient) error {
	return s.setActivated(ctx, id, true)
}

func (s *Store) setActivated(ctx context.Context, id delivery.Recipient, on bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bot_user SET activated = ? WHERE platform_id = ?`, on, string(id))
	return err
}

// MarkDelivered advances the user's marker to asOf, the data date of the
// report that was sent. A zero asOf means the latest data date. The marker
// never moves backwards.
func (s *Store) MarkDelivered(ctx context.Context, id delivery.Recipient, asOf time.Time) error {
	if asOf.IsZero() {
		last, err := s.LastDataUpdate(ctx)
		if err != nil || last.IsZero() {
			return err
		}
		asOf = last
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_user SET last_update = MAX(last_update, ?) WHERE platform_id = ?`, asOf.Unix(), string(id))
	return err
}
