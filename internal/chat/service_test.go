package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/life-stream-dev/life-stream-go-chat/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat/internal/router"
)

type fakeConn struct {
	id   string
	fail bool

	mu  sync.Mutex
	got []*protocol.Envelope
}

var errConnClosed = errors.New("connection closed")

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(env *protocol.Envelope) error {
	if c.fail {
		return errConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) received() []*protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Envelope(nil), c.got...)
}

func (c *fakeConn) last(t *testing.T) *protocol.Envelope {
	t.Helper()
	got := c.received()
	if len(got) == 0 {
		t.Fatalf("connection %s received nothing", c.id)
	}
	return got[len(got)-1]
}

type failingStore struct {
	*database.MemoryStore
	failInsert bool
	failFor    map[int64]bool
}

var errInsert = errors.New("disk full")

func (f *failingStore) InsertOfflineMessage(ctx context.Context, recipientID, senderID int64, payload []byte) (int64, error) {
	if f.failInsert || f.failFor[recipientID] {
		return 0, errInsert
	}
	return f.MemoryStore.InsertOfflineMessage(ctx, recipientID, senderID, payload)
}

func newService(t *testing.T, store database.Store) *Service {
	t.Helper()
	svc, err := NewService(store, Options{PresenceShards: 4, MailboxStripes: 4, UserCacheSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func send(t *testing.T, svc *Service, conn *fakeConn, msgType protocol.MsgType, fields map[string]any) error {
	t.Helper()
	body := map[string]any{"msgid": msgType}
	for k, v := range fields {
		body[k] = v
	}
	frame, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return svc.OnEnvelope(context.Background(), conn, frame)
}

func decodeLast[T any](t *testing.T, conn *fakeConn, want protocol.MsgType) T {
	t.Helper()
	env := conn.last(t)
	if env.Type != want {
		t.Fatalf("last envelope on %s is %s, want %s", conn.id, env.Type, want)
	}
	var v T
	if err := env.Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func register(t *testing.T, svc *Service, name string) int64 {
	t.Helper()
	conn := &fakeConn{id: "register-" + name}
	if err := send(t, svc, conn, protocol.REGISTER, map[string]any{"name": name, "password": "pw-" + name}); err != nil {
		t.Fatal(err)
	}
	ack := decodeLast[protocol.RegisterAck](t, conn, protocol.REGISTER_ACK)
	if ack.Status != protocol.StatusOK {
		t.Fatalf("register %s: status %v", name, ack.Status)
	}
	return ack.ID
}

func login(t *testing.T, svc *Service, conn *fakeConn, id int64, name string) protocol.LoginAck {
	t.Helper()
	if err := send(t, svc, conn, protocol.LOGIN, map[string]any{"id": id, "password": "pw-" + name}); err != nil {
		t.Fatal(err)
	}
	return decodeLast[protocol.LoginAck](t, conn, protocol.LOGIN_ACK)
}

func pending(t *testing.T, svc *Service, id int64) int64 {
	t.Helper()
	n, err := svc.Mailbox().Count(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestDirectMessageStoreAndForward(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	b := register(t, svc, "bob")
	if a != 1 || b != 2 {
		t.Fatalf("unexpected ids a=%d b=%d", a, b)
	}

	connA := &fakeConn{id: "conn-a"}
	connB := &fakeConn{id: "conn-b"}
	if ack := login(t, svc, connA, a, "alice"); ack.Status != protocol.StatusOK {
		t.Fatalf("login A: %v", ack.Status)
	}
	if ack := login(t, svc, connB, b, "bob"); ack.Status != protocol.StatusOK {
		t.Fatalf("login B: %v", ack.Status)
	}

	if err := send(t, svc, connB, protocol.DIRECT_MESSAGE, map[string]any{"to": a, "text": "first"}); err != nil {
		t.Fatal(err)
	}
	push := decodeLast[protocol.DirectMessage](t, connA, protocol.DIRECT_MESSAGE)
	if push.From != b || push.FromName != "bob" || push.Text != "first" {
		t.Errorf("unexpected push %+v", push)
	}
	if ack := decodeLast[protocol.Ack](t, connB, protocol.ACK); ack.Status != protocol.StatusOK || ack.Stored {
		t.Errorf("expected live delivery ack, got %+v", ack)
	}
	if n := pending(t, svc, a); n != 0 {
		t.Errorf("mailbox for A should be empty, has %d", n)
	}

	if err := send(t, svc, connA, protocol.LOGOUT, nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.Registry().Lookup(a); ok {
		t.Fatal("A should be absent after logout")
	}

	if err := send(t, svc, connB, protocol.DIRECT_MESSAGE, map[string]any{"to": a, "text": "second"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, connB, protocol.ACK); ack.Status != protocol.StatusOK || !ack.Stored {
		t.Errorf("expected store-and-forward ack, got %+v", ack)
	}
	if n := pending(t, svc, a); n != 1 {
		t.Fatalf("mailbox for A should hold 1 message, has %d", n)
	}

	connA2 := &fakeConn{id: "conn-a2"}
	ack := login(t, svc, connA2, a, "alice")
	if ack.Status != protocol.StatusOK || len(ack.Offline) != 1 {
		t.Fatalf("login should carry 1 offline message, got %+v", ack)
	}
	var offline protocol.DirectMessage
	if err := json.Unmarshal(ack.Offline[0], &offline); err != nil {
		t.Fatal(err)
	}
	if offline.MsgID != protocol.DIRECT_MESSAGE || offline.Text != "second" || offline.From != b {
		t.Errorf("unexpected offline message %+v", offline)
	}
	if n := pending(t, svc, a); n != 0 {
		t.Errorf("mailbox for A should be empty after login, has %d", n)
	}
}

func TestUnknownMessageTypeMutatesNothing(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	conn := &fakeConn{id: "c"}
	login(t, svc, conn, a, "alice")
	before := len(conn.received())

	err := send(t, svc, conn, protocol.MsgType(99), map[string]any{"to": a})
	if !errors.Is(err, router.ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if len(conn.received()) != before {
		t.Error("unknown envelope must not produce a reply")
	}
	if svc.Registry().Len() != 1 {
		t.Errorf("registry changed: %d entries", svc.Registry().Len())
	}
	if n := pending(t, svc, a); n != 0 {
		t.Errorf("mailbox changed: %d pending", n)
	}
}

func TestMalformedEnvelopeIsDropped(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	conn := &fakeConn{id: "c"}
	for _, frame := range []string{`not json`, `{"to": 1}`} {
		err := svc.OnEnvelope(context.Background(), conn, []byte(frame))
		if !errors.Is(err, protocol.ErrMalformedEnvelope) {
			t.Errorf("%q: expected ErrMalformedEnvelope, got %v", frame, err)
		}
	}
	if len(conn.received()) != 0 {
		t.Error("malformed envelopes must not produce replies")
	}
}

func TestLoginFailures(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	first := &fakeConn{id: "first"}
	login(t, svc, first, a, "alice")

	tests := []struct {
		name   string
		conn   *fakeConn
		fields map[string]any
		want   protocol.Status
	}{
		{"wrong password", &fakeConn{id: "x"}, map[string]any{"id": a, "password": "nope"}, protocol.StatusInvalidCredentials},
		{"unknown user", &fakeConn{id: "y"}, map[string]any{"id": 42, "password": "pw"}, protocol.StatusInvalidCredentials},
		{"already online", &fakeConn{id: "z"}, map[string]any{"id": a, "password": "pw-alice"}, protocol.StatusAlreadyOnline},
		{"same connection", first, map[string]any{"id": a, "password": "pw-alice"}, protocol.StatusAlreadyAuthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := send(t, svc, tt.conn, protocol.LOGIN, tt.fields); err != nil {
				t.Fatal(err)
			}
			ack := decodeLast[protocol.LoginAck](t, tt.conn, protocol.LOGIN_ACK)
			if ack.Status != tt.want {
				t.Errorf("status = %v, want %v", ack.Status, tt.want)
			}
		})
	}
	if conn, ok := svc.Registry().Lookup(a); !ok || conn != first {
		t.Error("first session must be untouched")
	}
}

func TestRegisterDuplicateName(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	register(t, svc, "alice")
	conn := &fakeConn{id: "c"}
	if err := send(t, svc, conn, protocol.REGISTER, map[string]any{"name": "alice", "password": "x"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.RegisterAck](t, conn, protocol.REGISTER_ACK); ack.Status != protocol.StatusNameTaken {
		t.Errorf("status = %v, want NameTaken", ack.Status)
	}
	if err := send(t, svc, conn, protocol.REGISTER, map[string]any{"name": " ", "password": "x"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.RegisterAck](t, conn, protocol.REGISTER_ACK); ack.Status != protocol.StatusBadRequest {
		t.Errorf("status = %v, want BadRequest", ack.Status)
	}
}

func TestRequestsRequireLogin(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	conn := &fakeConn{id: "anon"}
	for _, msgType := range []protocol.MsgType{
		protocol.DIRECT_MESSAGE, protocol.ADD_FRIEND, protocol.CREATE_GROUP,
		protocol.JOIN_GROUP, protocol.GROUP_MESSAGE, protocol.LOGOUT,
	} {
		if err := send(t, svc, conn, msgType, map[string]any{"to": a, "text": "hi"}); err != nil {
			t.Fatal(err)
		}
		ack := decodeLast[protocol.Ack](t, conn, protocol.ACK)
		if ack.AckOf != msgType || ack.Status != protocol.StatusNotAuthenticated {
			t.Errorf("%s: unexpected ack %+v", msgType, ack)
		}
	}
	if n := pending(t, svc, a); n != 0 {
		t.Errorf("anonymous message must not be queued, %d pending", n)
	}
}

func TestDirectMessageToUnknownUser(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	conn := &fakeConn{id: "c"}
	login(t, svc, conn, a, "alice")

	if err := send(t, svc, conn, protocol.DIRECT_MESSAGE, map[string]any{"to": 404, "text": "hi"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, conn, protocol.ACK); ack.Status != protocol.StatusNotFound {
		t.Errorf("status = %v, want NotFound", ack.Status)
	}
	if err := send(t, svc, conn, protocol.DIRECT_MESSAGE, map[string]any{"to": a}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, conn, protocol.ACK); ack.Status != protocol.StatusBadRequest {
		t.Errorf("status = %v, want BadRequest", ack.Status)
	}
}

func TestDirectMessageStoreFailureIsReported(t *testing.T) {
	store := &failingStore{MemoryStore: database.NewMemoryStore(), failInsert: true}
	svc := newService(t, store)
	a := register(t, svc, "alice")
	b := register(t, svc, "bob")
	connB := &fakeConn{id: "b"}
	login(t, svc, connB, b, "bob")

	err := send(t, svc, connB, protocol.DIRECT_MESSAGE, map[string]any{"to": a, "text": "lost?"})
	if !errors.Is(err, errInsert) {
		t.Fatalf("store failure should be surfaced, got %v", err)
	}
	if ack := decodeLast[protocol.Ack](t, connB, protocol.ACK); ack.Status != protocol.StatusStoreFailure {
		t.Errorf("status = %v, want StoreFailure", ack.Status)
	}
}

func TestDeliveryFailureFallsBackToMailbox(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	b := register(t, svc, "bob")
	connA := &fakeConn{id: "a"}
	connB := &fakeConn{id: "b"}
	login(t, svc, connA, a, "alice")
	login(t, svc, connB, b, "bob")
	connA.fail = true

	if err := send(t, svc, connB, protocol.DIRECT_MESSAGE, map[string]any{"to": a, "text": "hi"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, connB, protocol.ACK); !ack.Stored {
		t.Error("failed push should be stored")
	}
	if n := pending(t, svc, a); n != 1 {
		t.Errorf("expected 1 pending message, got %d", n)
	}
}

func TestDisconnectLogsOut(t *testing.T) {
	store := database.NewMemoryStore()
	svc := newService(t, store)
	a := register(t, svc, "alice")
	conn := &fakeConn{id: "c"}
	login(t, svc, conn, a, "alice")

	svc.OnDisconnect(context.Background(), conn)
	if _, ok := svc.Registry().Lookup(a); ok {
		t.Error("lookup after disconnect should be absent")
	}
	user, err := store.FindUserByID(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if user.State != database.StateOffline {
		t.Errorf("state = %s, want offline", user.State)
	}
	svc.OnDisconnect(context.Background(), &fakeConn{id: "anonymous"})
}

func TestGroupsAndFriends(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	a := register(t, svc, "alice")
	b := register(t, svc, "bob")
	c := register(t, svc, "carol")
	connA := &fakeConn{id: "a"}
	connB := &fakeConn{id: "b"}
	connC := &fakeConn{id: "c"}
	login(t, svc, connA, a, "alice")
	login(t, svc, connB, b, "bob")
	login(t, svc, connC, c, "carol")

	if err := send(t, svc, connA, protocol.ADD_FRIEND, map[string]any{"friend_id": b}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, connA, protocol.ACK); ack.Status != protocol.StatusOK {
		t.Fatalf("add friend: %+v", ack)
	}

	if err := send(t, svc, connA, protocol.CREATE_GROUP, map[string]any{"name": "go", "desc": "gophers"}); err != nil {
		t.Fatal(err)
	}
	created := decodeLast[protocol.Ack](t, connA, protocol.ACK)
	if created.Status != protocol.StatusOK || created.GroupID == 0 {
		t.Fatalf("create group: %+v", created)
	}
	if err := send(t, svc, connB, protocol.JOIN_GROUP, map[string]any{"group_id": created.GroupID}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, connB, protocol.ACK); ack.Status != protocol.StatusOK {
		t.Fatalf("join group: %+v", ack)
	}

	if err := send(t, svc, connC, protocol.GROUP_MESSAGE, map[string]any{"group_id": created.GroupID, "text": "let me in"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, connC, protocol.ACK); ack.Status != protocol.StatusNotMember {
		t.Errorf("outsider status = %v, want NotMember", ack.Status)
	}

	if err := send(t, svc, connB, protocol.LOGOUT, nil); err != nil {
		t.Fatal(err)
	}
	if err := send(t, svc, connA, protocol.GROUP_MESSAGE, map[string]any{"group_id": created.GroupID, "text": "hello"}); err != nil {
		t.Fatal(err)
	}
	if ack := decodeLast[protocol.Ack](t, connA, protocol.ACK); ack.Status != protocol.StatusOK || !ack.Stored {
		t.Errorf("group message ack %+v", ack)
	}
	if n := pending(t, svc, b); n != 1 {
		t.Errorf("offline member should have 1 pending message, has %d", n)
	}
	if n := pending(t, svc, a); n != 0 {
		t.Errorf("sender must not receive its own message, has %d", n)
	}

	connB2 := &fakeConn{id: "b2"}
	ack := login(t, svc, connB2, b, "bob")
	if len(ack.Offline) != 1 || len(ack.Groups) != 1 || len(ack.Groups[0].Members) != 2 {
		t.Fatalf("unexpected login ack %+v", ack)
	}
	loginA := &fakeConn{id: "a-view"}
	svc.OnDisconnect(context.Background(), connA)
	if ack := login(t, svc, loginA, a, "alice"); len(ack.Friends) != 1 || ack.Friends[0].ID != b {
		t.Errorf("friends of A = %+v", ack.Friends)
	}
}

func TestGroupMessagePartialFailure(t *testing.T) {
	store := &failingStore{MemoryStore: database.NewMemoryStore(), failFor: map[int64]bool{}}
	svc := newService(t, store)
	a := register(t, svc, "alice")
	b := register(t, svc, "bob")
	c := register(t, svc, "carol")

	connA := &fakeConn{id: "a"}
	login(t, svc, connA, a, "alice")
	if err := send(t, svc, connA, protocol.CREATE_GROUP, map[string]any{"name": "team"}); err != nil {
		t.Fatal(err)
	}
	group := decodeLast[protocol.Ack](t, connA, protocol.ACK).GroupID
	for _, m := range []struct {
		id   int64
		name string
	}{{b, "bob"}, {c, "carol"}} {
		conn := &fakeConn{id: m.name}
		login(t, svc, conn, m.id, m.name)
		if err := send(t, svc, conn, protocol.JOIN_GROUP, map[string]any{"group_id": group}); err != nil {
			t.Fatal(err)
		}
		svc.OnDisconnect(context.Background(), conn)
	}

	store.failFor[b] = true
	err := send(t, svc, connA, protocol.GROUP_MESSAGE, map[string]any{"group_id": group, "text": "once"})
	if !errors.Is(err, errInsert) {
		t.Errorf("member failure should still be surfaced for logging, got %v", err)
	}
	reply := decodeLast[protocol.Ack](t, connA, protocol.ACK)
	if reply.Status != protocol.StatusOK || reply.Failed != 1 || !reply.Stored {
		t.Errorf("partial fan-out ack = %+v", reply)
	}
	if n := pending(t, svc, c); n != 1 {
		t.Errorf("carol should have 1 pending message, has %d", n)
	}

	store.failFor[c] = true
	if err := send(t, svc, connA, protocol.GROUP_MESSAGE, map[string]any{"group_id": group, "text": "nobody"}); !errors.Is(err, errInsert) {
		t.Errorf("expected store failure, got %v", err)
	}
	if reply := decodeLast[protocol.Ack](t, connA, protocol.ACK); reply.Status != protocol.StatusStoreFailure {
		t.Errorf("fan-out that reached nobody should fail, got %+v", reply)
	}
}

func TestEveryRequestTypeIsRouted(t *testing.T) {
	svc := newService(t, database.NewMemoryStore())
	for _, msgType := range []protocol.MsgType{
		protocol.LOGIN, protocol.LOGOUT, protocol.REGISTER, protocol.DIRECT_MESSAGE,
		protocol.ADD_FRIEND, protocol.CREATE_GROUP, protocol.JOIN_GROUP, protocol.GROUP_MESSAGE,
	} {
		if !svc.router.Handles(msgType) {
			t.Errorf("%s has no handler", msgType)
		}
	}
	for _, msgType := range []protocol.MsgType{protocol.LOGIN_ACK, protocol.REGISTER_ACK, protocol.ACK} {
		if svc.router.Handles(msgType) {
			t.Errorf("%s is server-only and must not be routed", msgType)
		}
	}
}
