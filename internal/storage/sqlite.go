package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"quotecast/internal/channel"
	"quotecast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- channels ----

const channelCols = `id, chat_id, title, category, format, policy_kind, policy_value,
	last_published_at, active, error_count, last_error, added_by, added_at`

func (s *sqliteStore) UpsertChannel(ctx context.Context, ch channel.Channel) error {
	kind, value := channel.EncodePolicy(ch.Policy)
	addedAt := ch.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(chat_id, title, category, format, policy_kind, policy_value,
			last_published_at, active, error_count, last_error, added_by, added_at)
		 VALUES(?,?,?,?,?,?,?,1,0,'',?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			title=excluded.title,
			category=excluded.category,
			format=excluded.format,
			policy_kind=excluded.policy_kind,
			policy_value=excluded.policy_value,
			active=1,
			error_count=0,
			last_error=''`,
		ch.ChatID, ch.Title, ch.Category, string(ch.Format), kind, value,
		nullTime(ch.LastPublishedAt), ch.AddedBy, addedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ChannelByChatID(ctx context.Context, chatID int64) (channel.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE chat_id = ?`, chatID)
	return scanChannel(row)
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]channel.Channel, error) {
	return s.queryChannels(ctx, `SELECT `+channelCols+` FROM channels ORDER BY id`)
}

func (s *sqliteStore) ListActiveChannels(ctx context.Context) ([]channel.Channel, error) {
	return s.queryChannels(ctx, `SELECT `+channelCols+` FROM channels WHERE active = 1 ORDER BY id`)
}

func (s *sqliteStore) queryChannels(ctx context.Context, q string, args ...any) ([]channel.Channel, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []channel.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			// A malformed row should not hide the rest of the fleet.
			s.log.Warn("skipping unreadable channel row", logx.Err(err))
			continue
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (channel.Channel, error) {
	var (
		ch         channel.Channel
		format     string
		kind       string
		value      string
		lastPub    sql.NullString
		active     int
		addedAtRaw string
	)
	err := r.Scan(&ch.ID, &ch.ChatID, &ch.Title, &ch.Category, &format, &kind, &value,
		&lastPub, &active, &ch.ErrorCount, &ch.LastError, &ch.AddedBy, &addedAtRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return channel.Channel{}, ErrNotFound
	}
	if err != nil {
		return channel.Channel{}, err
	}
	ch.Format = channel.Format(format)
	ch.Policy, err = channel.ParsePolicy(kind, value)
	if err != nil {
		return channel.Channel{}, fmt.Errorf("channel %d: %w", ch.ChatID, err)
	}
	ch.Active = active != 0
	if lastPub.Valid && lastPub.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, lastPub.String)
		if perr != nil {
			return channel.Channel{}, fmt.Errorf("channel %d: bad last_published_at: %w", ch.ChatID, perr)
		}
		ch.LastPublishedAt = &t
	}
	if t, perr := time.Parse(time.RFC3339Nano, addedAtRaw); perr == nil {
		ch.AddedAt = t
	}
	return ch, nil
}

func (s *sqliteStore) SetChannelActive(ctx context.Context, chatID int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET active = ?, error_count = CASE WHEN ? THEN 0 ELSE error_count END
		 WHERE chat_id = ?`,
		boolInt(active), boolInt(active), chatID)
	return oneRow(res, err)
}

func (s *sqliteStore) SetChannelCategory(ctx context.Context, chatID int64, category string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET category = ? WHERE chat_id = ?`, category, chatID)
	return oneRow(res, err)
}

func (s *sqliteStore) SetChannelFormat(ctx context.Context, chatID int64, f channel.Format) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET format = ? WHERE chat_id = ?`, string(f), chatID)
	return oneRow(res, err)
}

func (s *sqliteStore) SetChannelPolicy(ctx context.Context, chatID int64, p channel.Policy) error {
	kind, value := channel.EncodePolicy(p)
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET policy_kind = ?, policy_value = ? WHERE chat_id = ?`,
		kind, value, chatID)
	return oneRow(res, err)
}

func (s *sqliteStore) DeleteChannel(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE chat_id = ?`, chatID)
	return err
}

func (s *sqliteStore) MarkPublished(ctx context.Context, chatID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET last_published_at = ?, error_count = 0, last_error = ''
		 WHERE chat_id = ?`,
		at.Format(time.RFC3339Nano), chatID)
	return oneRow(res, err)
}

func (s *sqliteStore) RecordPublishError(ctx context.Context, chatID int64, detail string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET error_count = error_count + 1, last_error = ?
		 WHERE chat_id = ?`,
		detail, chatID)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT error_count FROM channels WHERE chat_id = ?`, chatID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// ---- content ----

func (s *sqliteStore) AddContent(ctx context.Context, category string, lines []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	count := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content(category, text) VALUES(?,?)`, category, line); err != nil {
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *sqliteStore) RandomContent(ctx context.Context, category string) (ContentItem, error) {
	var it ContentItem
	err := s.db.QueryRowContext(ctx,
		`SELECT id, category, text, used_count FROM content
		 WHERE category = ? ORDER BY RANDOM() LIMIT 1`, category).
		Scan(&it.ID, &it.Category, &it.Text, &it.Used)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, ErrNotFound
	}
	if err != nil {
		return ContentItem{}, err
	}
	_, _ = s.db.ExecContext(ctx,
		`UPDATE content SET used_count = used_count + 1 WHERE id = ?`, it.ID)
	it.Used++
	return it, nil
}

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, userID int64, username string) (bool, error) {
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE user_id = ?`, userID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO users(user_id, username, joined_at) VALUES(?,?,?)`,
			userID, username, time.Now().Format(time.RFC3339Nano))
		return err == nil, err
	case err != nil:
		return false, err
	}
	if existing != username {
		_, err = s.db.ExecContext(ctx,
			`UPDATE users SET username = ? WHERE user_id = ?`, username, userID)
	}
	return false, err
}

func (s *sqliteStore) UserByRef(ctx context.Context, ref string) (User, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "@")
	var row *sql.Row
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, user_id, username, is_admin, joined_at FROM users
			 WHERE user_id = ? OR username = ?`, id, ref)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, user_id, username, is_admin, joined_at FROM users
			 WHERE username = ?`, ref)
	}
	return scanUser(row)
}

func scanUser(r rowScanner) (User, error) {
	var (
		u      User
		admin  int
		joined string
	)
	err := r.Scan(&u.ID, &u.UserID, &u.Username, &admin, &joined)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.IsAdmin = admin != 0
	if t, perr := time.Parse(time.RFC3339Nano, joined); perr == nil {
		u.JoinedAt = t
	}
	return u, nil
}

func (s *sqliteStore) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var admin int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_admin FROM users WHERE user_id = ?`, userID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return admin != 0, nil
}

func (s *sqliteStore) SetAdmin(ctx context.Context, userID int64, admin bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_admin = ? WHERE user_id = ?`, boolInt(admin), userID)
	return oneRow(res, err)
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `SELECT id, user_id, username, is_admin, joined_at FROM users ORDER BY id`)
}

func (s *sqliteStore) ListAdmins(ctx context.Context) ([]User, error) {
	return s.queryUsers(ctx, `SELECT id, user_id, username, is_admin, joined_at FROM users WHERE is_admin = 1 ORDER BY id`)
}

func (s *sqliteStore) queryUsers(ctx context.Context, q string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- settings ----

func (s *sqliteStore) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM users),
		(SELECT COUNT(*) FROM channels WHERE active = 1),
		(SELECT COUNT(*) FROM channels),
		(SELECT COUNT(*) FROM content)`)
	if err := row.Scan(&st.Users, &st.ActiveChannels, &st.TotalChannels, &st.ContentItems); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// ---- helpers ----

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func oneRow(res sql.Result, err error) error {
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
