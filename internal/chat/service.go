// Package chat is the ChatService facade: it composes the presence registry, the
// offline mailbox, the router and the session lifecycle, and is the only object the
// transport talks to.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/life-stream-dev/life-stream-go-chat/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/mailbox"
	"github.com/life-stream-dev/life-stream-go-chat/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat/internal/router"
	"github.com/life-stream-dev/life-stream-go-chat/internal/session"
)

const (
	defaultUserCacheSize = 4096
	userCacheTTL         = time.Hour
)

type Options struct {
	PresenceShards int
	MailboxStripes int
	UserCacheSize  int
}

type Service struct {
	store     database.Store
	registry  *presence.Registry
	mailbox   *mailbox.Mailbox
	router    *router.Router
	bindings  *session.Bindings
	lifecycle *session.Lifecycle
	users     *expirable.LRU[int64, string]
	codec     protocol.Codec
}

// NewService builds the service and registers every handler. The handler table is
// sealed before NewService returns.
func NewService(store database.Store, opts Options) (*Service, error) {
	if opts.UserCacheSize <= 0 {
		opts.UserCacheSize = defaultUserCacheSize
	}

	bindings := session.NewBindings()
	registry := presence.NewRegistry(opts.PresenceShards)
	mb := mailbox.New(store, opts.MailboxStripes)

	s := &Service{
		store:     store,
		registry:  registry,
		mailbox:   mb,
		router:    router.New(bindings),
		bindings:  bindings,
		lifecycle: session.NewLifecycle(store, registry, mb, bindings),
		users:     expirable.NewLRU[int64, string](opts.UserCacheSize, nil, userCacheTTL),
	}
	if err := s.registerHandlers(); err != nil {
		return nil, err
	}
	s.router.Seal()
	return s, nil
}

func (s *Service) registerHandlers() error {
	handlers := map[protocol.MsgType]router.Handler{
		protocol.LOGIN:          router.HandlerFunc(s.handleLogin),
		protocol.LOGOUT:         router.HandlerFunc(s.handleLogout),
		protocol.REGISTER:       router.HandlerFunc(s.handleRegister),
		protocol.DIRECT_MESSAGE: authenticated(s.handleDirectMessage),
		protocol.ADD_FRIEND:     authenticated(s.handleAddFriend),
		protocol.CREATE_GROUP:   authenticated(s.handleCreateGroup),
		protocol.JOIN_GROUP:     authenticated(s.handleJoinGroup),
		protocol.GROUP_MESSAGE:  authenticated(s.handleGroupMessage),
	}
	for msgType, handler := range handlers {
		if err := s.router.Register(msgType, handler); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Registry() *presence.Registry {
	return s.registry
}

func (s *Service) Mailbox() *mailbox.Mailbox {
	return s.mailbox
}

func (s *Service) Lifecycle() *session.Lifecycle {
	return s.lifecycle
}

// OnConnect does nothing until the connection logs in.
func (s *Service) OnConnect(conn presence.Conn) {
	logger.DebugF("[%s] Connection attached", conn.ID())
}

// OnDisconnect runs the logout sequence for whichever user owns conn. The transport
// calls it only after the connection's last envelope has been handled.
func (s *Service) OnDisconnect(ctx context.Context, conn presence.Conn) {
	sess, err := s.lifecycle.Logout(ctx, conn)
	if err != nil {
		logger.ErrorF("[%s] Fail to log out user %d on disconnect, details: %v", conn.ID(), sess.UserID, err)
		return
	}
	if sess != nil {
		logger.DebugF("[%s] Session of user %d closed by disconnect", conn.ID(), sess.UserID)
	}
}

// OnEnvelope decodes one frame, dispatches it and writes the reply, if any, back to
// conn. Malformed and unknown envelopes are dropped and reported to the caller, which
// keeps the connection open.
func (s *Service) OnEnvelope(ctx context.Context, conn presence.Conn, frame []byte) error {
	env, err := s.codec.Decode(frame)
	if err != nil {
		logger.WarnF("[%s] Drop malformed envelope, details: %v", conn.ID(), err)
		return err
	}
	logger.DebugF("[%s] Receive %s envelope", conn.ID(), env.Type)

	reply, err := s.router.Dispatch(ctx, conn, env)
	if err != nil && !errors.Is(err, router.ErrUnknownMessageType) {
		logger.ErrorF("[%s] Fail to handle %s envelope, details: %v", conn.ID(), env.Type, err)
	}
	if reply != nil {
		if derr := conn.Deliver(reply); derr != nil {
			logger.WarnF("[%s] Fail to send %s reply, details: %v", conn.ID(), reply.Type, derr)
			return errors.Join(err, derr)
		}
	}
	return err
}

// deliver pushes env to the recipient's live connection, or stores it in the
// recipient's mailbox when there is none or the push fails. The presence check runs
// under the mailbox lock of the recipient, so a concurrent login either sees the
// stored message in its drain or receives the push. stored reports which path was
// taken.
func (s *Service) deliver(ctx context.Context, recipientID, senderID int64, env *protocol.Envelope) (stored bool, err error) {
	_, stored, err = s.mailbox.EnqueueUnless(ctx, recipientID, senderID, s.codec.Encode(env), func() bool {
		conn, ok := s.registry.Lookup(recipientID)
		if !ok {
			return false
		}
		if err := conn.Deliver(env); err != nil {
			logger.WarnF("[%s] Push to user %d failed, falling back to mailbox, details: %v", conn.ID(), recipientID, err)
			return false
		}
		return true
	})
	return stored, err
}

// userName resolves id through the directory cache, hitting the store on a miss.
func (s *Service) userName(ctx context.Context, id int64) (string, error) {
	if name, ok := s.users.Get(id); ok {
		return name, nil
	}
	user, err := s.store.FindUserByID(ctx, id)
	if err != nil {
		return "", err
	}
	s.users.Add(user.ID, user.Name)
	return user.Name, nil
}
