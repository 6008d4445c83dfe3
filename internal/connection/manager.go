package connection

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
)

// Manager tracks every accepted connection, logged in or not.
type Manager struct {
	connections sync.Map
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Add(conn *Connection) {
	m.connections.Store(conn.ID(), conn)
	logger.DebugF("[%s] Connection from %s registered", conn.ID(), conn.RemoteAddr())
}

func (m *Manager) Remove(connID string) {
	m.connections.Delete(connID)
}

func (m *Manager) Get(connID string) (*Connection, bool) {
	if value, ok := m.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (m *Manager) Len() int {
	n := 0
	m.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CloseAll closes every tracked connection concurrently. Read loops observe the
// close and run their own disconnect handling.
func (m *Manager) CloseAll() error {
	var g errgroup.Group
	m.connections.Range(func(_, value any) bool {
		conn := value.(*Connection)
		g.Go(conn.Close)
		return true
	})
	return g.Wait()
}
