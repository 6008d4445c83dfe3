package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/mailbox"
	"github.com/life-stream-dev/life-stream-go-chat/internal/presence"
)

var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAlreadyAuthenticated = errors.New("connection is already logged in")
)

// Credentials identify a user by id or, when ID is zero, by name.
type Credentials struct {
	ID       int64
	Name     string
	Password string
}

type LoginResult struct {
	Session *Session
	User    *database.User
	Offline []mailbox.Message
}

// Lifecycle owns every presence transition: OFFLINE -> ONLINE on login, ONLINE ->
// OFFLINE on logout or disconnect, and the startup sweep that repairs users left
// ONLINE by a crashed process. Nothing else mutates the registry or user state.
type Lifecycle struct {
	store    database.UserStore
	registry *presence.Registry
	mailbox  *mailbox.Mailbox
	bindings *Bindings
}

func NewLifecycle(store database.UserStore, registry *presence.Registry, mb *mailbox.Mailbox, bindings *Bindings) *Lifecycle {
	return &Lifecycle{store: store, registry: registry, mailbox: mb, bindings: bindings}
}

func (l *Lifecycle) findUser(ctx context.Context, cred Credentials) (*database.User, error) {
	var (
		user *database.User
		err  error
	)
	switch {
	case cred.ID != 0:
		user, err = l.store.FindUserByID(ctx, cred.ID)
	case cred.Name != "":
		user, err = l.store.FindUserByName(ctx, cred.Name)
	default:
		return nil, ErrInvalidCredentials
	}
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	return user, err
}

// Login verifies cred, registers conn as the user's live connection, marks the user
// ONLINE and drains the offline mailbox. Any failure after the registry insert undoes
// the insert before returning, so the registry and the store agree again.
func (l *Lifecycle) Login(ctx context.Context, conn presence.Conn, cred Credentials) (*LoginResult, error) {
	if _, ok := l.bindings.Session(conn.ID()); ok {
		return nil, ErrAlreadyAuthenticated
	}

	user, err := l.findUser(ctx, cred)
	if err != nil {
		return nil, err
	}
	if !checkPassword(user.Password, cred.Password) {
		return nil, ErrInvalidCredentials
	}

	if err := l.registry.Add(user.ID, conn); err != nil {
		return nil, err
	}

	if err := l.store.SetUserState(ctx, user.ID, database.StateOnline); err != nil {
		l.registry.RemoveIf(user.ID, conn)
		return nil, fmt.Errorf("mark user %d online: %w", user.ID, err)
	}

	sess := &Session{UserID: user.ID, Name: user.Name, ConnID: conn.ID(), LoginAt: time.Now()}
	if !l.bindings.Bind(conn.ID(), sess) {
		l.rollback(ctx, user.ID, conn)
		return nil, ErrAlreadyAuthenticated
	}

	offline, err := l.mailbox.Drain(ctx, user.ID)
	if err != nil {
		l.bindings.Unbind(conn.ID())
		l.rollback(ctx, user.ID, conn)
		return nil, err
	}

	user.State = database.StateOnline
	logger.InfoF("[%s] User %d (%s) online, %d offline messages", conn.ID(), user.ID, user.Name, len(offline))
	return &LoginResult{Session: sess, User: user, Offline: offline}, nil
}

func (l *Lifecycle) rollback(ctx context.Context, userID int64, conn presence.Conn) {
	l.registry.RemoveIf(userID, conn)
	if err := l.store.SetUserState(ctx, userID, database.StateOffline); err != nil {
		logger.ErrorF("[%s] Fail to roll back online state of user %d, details: %v", conn.ID(), userID, err)
	}
}

// Logout ends conn's session, if any. It is used for both the LOGOUT request and the
// transport's disconnect notification and is a no-op for anonymous connections.
func (l *Lifecycle) Logout(ctx context.Context, conn presence.Conn) (*Session, error) {
	sess, ok := l.bindings.Unbind(conn.ID())
	if !ok {
		return nil, nil
	}
	l.registry.RemoveIf(sess.UserID, conn)
	if err := l.store.SetUserState(ctx, sess.UserID, database.StateOffline); err != nil {
		return sess, fmt.Errorf("mark user %d offline: %w", sess.UserID, err)
	}
	logger.InfoF("[%s] User %d (%s) offline", conn.ID(), sess.UserID, sess.Name)
	return sess, nil
}

// LogoutAll runs the logout sequence for every bound session. The host calls it when
// it intercepts a termination signal.
func (l *Lifecycle) LogoutAll(ctx context.Context) error {
	var sessions []*Session
	l.bindings.Range(func(sess *Session) bool {
		sessions = append(sessions, sess)
		return true
	})

	var errs []error
	for _, sess := range sessions {
		if _, ok := l.bindings.Unbind(sess.ConnID); !ok {
			continue
		}
		l.registry.Remove(sess.UserID)
		if err := l.store.SetUserState(ctx, sess.UserID, database.StateOffline); err != nil {
			errs = append(errs, fmt.Errorf("mark user %d offline: %w", sess.UserID, err))
		}
	}
	logger.InfoF("Logged out %d sessions", len(sessions))
	return errors.Join(errs...)
}

// ReconcileAll forces every persisted ONLINE user to OFFLINE and empties the
// in-memory presence state. It is idempotent and must run before the transport
// accepts connections.
func (l *Lifecycle) ReconcileAll(ctx context.Context) (int64, error) {
	l.bindings.Clear()
	l.registry.Clear()
	n, err := l.store.ResetOnlineUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile presence: %w", err)
	}
	if n > 0 {
		logger.WarnF("Reconciled %d users left online by a previous run", n)
	}
	return n, nil
}

// ShutdownCallback logs everyone out and sweeps remaining ONLINE rows on shutdown.
type ShutdownCallback struct {
	lifecycle *Lifecycle
}

func NewShutdownCallback(l *Lifecycle) *ShutdownCallback {
	return &ShutdownCallback{lifecycle: l}
}

func (sc *ShutdownCallback) Invoke(ctx context.Context) error {
	err := sc.lifecycle.LogoutAll(ctx)
	if _, rerr := sc.lifecycle.ReconcileAll(ctx); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}
