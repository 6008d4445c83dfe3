package database

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

	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore persists chat state in a single SQLite file.
type SQLiteStore struct {
	db               *sql.DB
	operationTimeout time.Duration
}

// OpenSQLite opens path and applies the schema. Transactions begin IMMEDIATE so a
// drain holds the write lock from its first read.
func OpenSQLite(path string, operationTimeout time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	dsn := "file:" + cleanPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	logger.InfoF("SQLite store opened at %s", cleanPath)
	return &SQLiteStore{db: db, operationTimeout: operationTimeout}, nil
}

func (s *SQLiteStore) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	logger.InfoF("Closing sqlite database")
	return s.db.Close()
}

func (s *SQLiteStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.operationTimeout)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func (s *SQLiteStore) CreateUser(ctx context.Context, name, passwordHash string) (*User, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidArgument
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, password, state) VALUES (?, ?, ?)`,
		name, passwordHash, StateOffline)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %s: %w", name, ErrNameTaken)
		}
		return nil, operationError("create user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, operationError("create user", err)
	}
	return &User{ID: id, Name: name, Password: passwordHash, State: StateOffline}, nil
}

func (s *SQLiteStore) findUser(ctx context.Context, where string, arg any) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, password, state FROM users WHERE `+where, arg).
		Scan(&user.ID, &user.Name, &user.Password, &user.State)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("user", arg)
		}
		return nil, operationError("find user", err)
	}
	return &user, nil
}

func (s *SQLiteStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *SQLiteStore) FindUserByName(ctx context.Context, name string) (*User, error) {
	return s.findUser(ctx, "name = ?", name)
}

func (s *SQLiteStore) SetUserState(ctx context.Context, id int64, state UserState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return operationError("set user state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return operationError("set user state", err)
	}
	if n == 0 {
		return notFound("user", id)
	}
	return nil
}

func (s *SQLiteStore) ResetOnlineUsers(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET state = ? WHERE state = ?`, StateOffline, StateOnline)
	if err != nil {
		return 0, operationError("reset online users", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, operationError("reset online users", err)
	}
	return n, nil
}

func (s *SQLiteStore) InsertOfflineMessage(ctx context.Context, recipientID, senderID int64, payload []byte) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_messages (recipient_id, sender_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		recipientID, senderID, payload, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, operationError("insert offline message", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, operationError("insert offline message", err)
	}
	return seq, nil
}

func (s *SQLiteStore) DrainOfflineMessages(ctx context.Context, userID int64) (messages []OfflineMessage, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, operationError("drain offline messages", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, recipient_id, sender_id, payload, created_at
		   FROM offline_messages WHERE recipient_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, operationError("drain offline messages", err)
	}
	for rows.Next() {
		var msg OfflineMessage
		var createdAt int64
		if err = rows.Scan(&msg.Seq, &msg.RecipientID, &msg.SenderID, &msg.Payload, &createdAt); err != nil {
			_ = rows.Close()
			return nil, operationError("drain offline messages", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, msg)
	}
	if err = rows.Close(); err != nil {
		return nil, operationError("drain offline messages", err)
	}
	if err = rows.Err(); err != nil {
		return nil, operationError("drain offline messages", err)
	}

	if len(messages) > 0 {
		last := messages[len(messages)-1].Seq
		if _, err = tx.ExecContext(ctx,
			`DELETE FROM offline_messages WHERE recipient_id = ? AND seq <= ?`, userID, last); err != nil {
			return nil, operationError("drain offline messages", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, operationError("drain offline messages", err)
	}
	return messages, nil
}

func (s *SQLiteStore) CountOfflineMessages(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM offline_messages WHERE recipient_id = ?`, userID).Scan(&n); err != nil {
		return 0, operationError("count offline messages", err)
	}
	return n, nil
}

func (s *SQLiteStore) AddFriend(ctx context.Context, userID, friendID int64) error {
	if _, err := s.FindUserByID(ctx, friendID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO friends (user_id, friend_id) VALUES (?, ?)`, userID, friendID); err != nil {
		return operationError("add friend", err)
	}
	return nil
}

func (s *SQLiteStore) ListFriends(ctx context.Context, userID int64) ([]User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name, u.password, u.state
		   FROM friends f JOIN users u ON u.id = f.friend_id
		  WHERE f.user_id = ? ORDER BY u.id`, userID)
	if err != nil {
		return nil, operationError("list friends", err)
	}
	defer rows.Close()

	var friends []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Password, &user.State); err != nil {
			return nil, operationError("list friends", err)
		}
		friends = append(friends, user)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("list friends", err)
	}
	return friends, nil
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, name, desc string, creatorID int64) (group *Group, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidArgument
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, operationError("create group", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT INTO chat_groups (name, description) VALUES (?, ?)`, name, desc)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("group %s: %w", name, ErrNameTaken)
		}
		return nil, operationError("create group", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, operationError("create group", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)`, id, creatorID, RoleCreator); err != nil {
		return nil, operationError("create group", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, operationError("create group", err)
	}
	return &Group{ID: id, Name: name, Desc: desc}, nil
}

func (s *SQLiteStore) FindGroup(ctx context.Context, groupID int64) (*Group, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var group Group
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description FROM chat_groups WHERE id = ?`, groupID).
		Scan(&group.ID, &group.Name, &group.Desc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound("group", groupID)
		}
		return nil, operationError("find group", err)
	}
	return &group, nil
}

func (s *SQLiteStore) JoinGroup(ctx context.Context, groupID, userID int64, role Role) error {
	if _, err := s.FindGroup(ctx, groupID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_members (group_id, user_id, role) VALUES (?, ?, ?)`,
		groupID, userID, role); err != nil {
		return operationError("join group", err)
	}
	return nil
}

func (s *SQLiteStore) ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	if _, err := s.FindGroup(ctx, groupID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.name, u.password, u.state, m.role
		   FROM group_members m JOIN users u ON u.id = m.user_id
		  WHERE m.group_id = ? ORDER BY u.id`, groupID)
	if err != nil {
		return nil, operationError("list group members", err)
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var member GroupMember
		if err := rows.Scan(&member.ID, &member.Name, &member.Password, &member.State, &member.Role); err != nil {
			return nil, operationError("list group members", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("list group members", err)
	}
	return members, nil
}

func (s *SQLiteStore) ListUserGroups(ctx context.Context, userID int64) ([]Group, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.name, g.description
		   FROM group_members m JOIN chat_groups g ON g.id = m.group_id
		  WHERE m.user_id = ? ORDER BY g.id`, userID)
	if err != nil {
		return nil, operationError("list user groups", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var group Group
		if err := rows.Scan(&group.ID, &group.Name, &group.Desc); err != nil {
			return nil, operationError("list user groups", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, operationError("list user groups", err)
	}
	return groups, nil
}

var _ Store = (*SQLiteStore)(nil)
