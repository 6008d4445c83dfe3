// Package session binds authenticated users to connections and drives the
// login, logout and crash-reconciliation transitions.
package session

import (
	"sync"
	"time"
)

// Session is the authorization context handlers see for a logged-in connection.
type Session struct {
	UserID  int64
	Name    string
	ConnID  string
	LoginAt time.Time
}

// Bindings maps connection ids to their session.
type Bindings struct {
	sessions sync.Map
}

func NewBindings() *Bindings {
	return &Bindings{}
}

// Bind attaches sess to connID unless the connection already has a session.
func (b *Bindings) Bind(connID string, sess *Session) bool {
	_, loaded := b.sessions.LoadOrStore(connID, sess)
	return !loaded
}

func (b *Bindings) Unbind(connID string) (*Session, bool) {
	value, ok := b.sessions.LoadAndDelete(connID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

func (b *Bindings) Session(connID string) (*Session, bool) {
	value, ok := b.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return value.(*Session), true
}

func (b *Bindings) Range(fn func(sess *Session) bool) {
	b.sessions.Range(func(_, value any) bool {
		return fn(value.(*Session))
	})
}

func (b *Bindings) Clear() {
	b.sessions.Clear()
}
