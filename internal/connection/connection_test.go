package connection

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
)

func TestDeliverWritesFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := New(server, time.Second)

	env, err := protocol.NewEnvelope(protocol.ACK, protocol.NewAck(protocol.LOGOUT, protocol.StatusOK, ""))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- conn.Deliver(env) }()

	line, err := bufio.NewReader(client).ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	decoded, err := protocol.Codec{}.Decode(line[:len(line)-1])
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != protocol.ACK {
		t.Errorf("type = %s, want ACK", decoded.Type)
	}
}

func TestDeliverAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	conn := New(server, time.Second)
	if err := conn.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
	env := &protocol.Envelope{Type: protocol.ACK, Body: []byte(`{"msgid":11}`)}
	if err := conn.Deliver(env); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// shortWriter accepts half of the first write and then times out.
type shortWriter struct {
	net.Conn
	writes int
}

var errWriteTimeout = errors.New("i/o timeout")

func (w *shortWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes == 1 {
		return len(p) / 2, nil
	}
	return 0, errWriteTimeout
}

func (w *shortWriter) SetWriteDeadline(time.Time) error { return nil }

func (w *shortWriter) Close() error { return nil }

func TestDeliverClosesOnFailedWrite(t *testing.T) {
	w := &shortWriter{}
	conn := New(w, time.Second)
	env, err := protocol.NewEnvelope(protocol.ACK, protocol.NewAck(protocol.DIRECT_MESSAGE, protocol.StatusOK, ""))
	if err != nil {
		t.Fatal(err)
	}

	if err := conn.Deliver(env); !errors.Is(err, errWriteTimeout) {
		t.Fatalf("expected the write error, got %v", err)
	}
	if !conn.Closed() {
		t.Fatal("connection must be closed after a partial write")
	}
	writes := w.writes
	if err := conn.Deliver(env); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if w.writes != writes {
		t.Error("nothing may be written after the stream broke")
	}
}

func TestManager(t *testing.T) {
	m := NewManager()
	var pipes []net.Conn
	for i := 0; i < 3; i++ {
		server, client := net.Pipe()
		pipes = append(pipes, client)
		m.Add(New(server, time.Second))
	}
	defer func() {
		for _, p := range pipes {
			_ = p.Close()
		}
	}()
	if m.Len() != 3 {
		t.Fatalf("len = %d, want 3", m.Len())
	}

	var first *Connection
	m.connections.Range(func(_, value any) bool {
		first = value.(*Connection)
		return false
	})
	if got, ok := m.Get(first.ID()); !ok || got != first {
		t.Error("get should return the stored connection")
	}
	m.Remove(first.ID())
	if _, ok := m.Get(first.ID()); ok {
		t.Error("removed connection still present")
	}

	if err := m.CloseAll(); err != nil {
		t.Fatal(err)
	}
	m.connections.Range(func(_, value any) bool {
		if !value.(*Connection).Closed() {
			t.Error("connection left open")
		}
		return true
	})
}
