// Package router maps envelope type ids to the handler bound to them.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat/internal/session"
)

var (
	ErrDuplicateRegistration = errors.New("duplicate handler registration")
	ErrUnknownMessageType    = errors.New("unknown message type")
	ErrSealed                = errors.New("router is sealed")
)

// Handler is the business logic bound to one message type. sess is nil when the
// connection has not logged in. A nil reply means nothing is sent back.
type Handler interface {
	Handle(ctx context.Context, conn presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error)
}

type HandlerFunc func(ctx context.Context, conn presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error)

func (f HandlerFunc) Handle(ctx context.Context, conn presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	return f(ctx, conn, env, sess)
}

// SessionResolver answers "who is this connection".
type SessionResolver interface {
	Session(connID string) (*session.Session, bool)
}

// Router is filled during composition and sealed before the first dispatch; the
// handler table is read-only afterwards, so Dispatch takes no locks.
type Router struct {
	handlers map[protocol.MsgType]Handler
	sessions SessionResolver
	sealed   atomic.Bool
}

func New(sessions SessionResolver) *Router {
	return &Router{
		handlers: make(map[protocol.MsgType]Handler),
		sessions: sessions,
	}
}

func (r *Router) Register(msgType protocol.MsgType, handler Handler) error {
	if r.sealed.Load() {
		return fmt.Errorf("register %s: %w", msgType, ErrSealed)
	}
	if _, ok := r.handlers[msgType]; ok {
		return fmt.Errorf("register %s: %w", msgType, ErrDuplicateRegistration)
	}
	r.handlers[msgType] = handler
	return nil
}

// Seal freezes the handler table.
func (r *Router) Seal() {
	r.sealed.Store(true)
}

// Handles reports whether msgType has a handler.
func (r *Router) Handles(msgType protocol.MsgType) bool {
	_, ok := r.handlers[msgType]
	return ok
}

// Dispatch runs the handler bound to env.Type to completion. Unknown types are logged
// and reported as ErrUnknownMessageType without touching any state.
func (r *Router) Dispatch(ctx context.Context, conn presence.Conn, env *protocol.Envelope) (*protocol.Envelope, error) {
	if !r.sealed.Load() {
		r.Seal()
	}
	handler, ok := r.handlers[env.Type]
	if !ok {
		logger.WarnF("[%s] No handler for message type %s, envelope dropped", conn.ID(), env.Type)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}

	var sess *session.Session
	if r.sessions != nil {
		sess, _ = r.sessions.Session(conn.ID())
	}
	return handler.Handle(ctx, conn, env, sess)
}
