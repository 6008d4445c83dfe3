package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat/internal/database"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/presence"
	"github.com/life-stream-dev/life-stream-go-chat/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-chat/internal/router"
	"github.com/life-stream-dev/life-stream-go-chat/internal/session"
)

var (
	errBadRequest = errors.New("bad request")
	errNotMember  = errors.New("sender is not a member of the group")
)

// statusOf classifies a handler error. Anything unrecognised is a store failure.
func statusOf(err error) protocol.Status {
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.Is(err, session.ErrInvalidCredentials):
		return protocol.StatusInvalidCredentials
	case errors.Is(err, presence.ErrAlreadyOnline):
		return protocol.StatusAlreadyOnline
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		return protocol.StatusAlreadyAuthenticated
	case errors.Is(err, database.ErrNameTaken):
		return protocol.StatusNameTaken
	case errors.Is(err, database.ErrNotFound):
		return protocol.StatusNotFound
	case errors.Is(err, errNotMember):
		return protocol.StatusNotMember
	case errors.Is(err, errBadRequest),
		errors.Is(err, protocol.ErrMalformedEnvelope),
		errors.Is(err, database.ErrInvalidArgument):
		return protocol.StatusBadRequest
	default:
		return protocol.StatusStoreFailure
	}
}

// surfaced keeps store failures as handler errors so the facade logs them; client
// mistakes are answered by the ack alone.
func surfaced(status protocol.Status, err error) error {
	if status == protocol.StatusStoreFailure {
		return err
	}
	return nil
}

func ack(a *protocol.Ack) (*protocol.Envelope, error) {
	return protocol.NewEnvelope(protocol.ACK, a)
}

func failure(of protocol.MsgType, err error) (*protocol.Envelope, error) {
	status := statusOf(err)
	reply, encErr := ack(protocol.NewAck(of, status, ""))
	if encErr != nil {
		return nil, errors.Join(err, encErr)
	}
	return reply, surfaced(status, err)
}

// authenticated rejects envelopes from connections that have not logged in.
func authenticated(fn router.HandlerFunc) router.Handler {
	return router.HandlerFunc(func(ctx context.Context, conn presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
		if sess == nil {
			return ack(protocol.NewAck(env.Type, protocol.StatusNotAuthenticated, ""))
		}
		return fn(ctx, conn, env, sess)
	})
}

func (s *Service) handleLogin(ctx context.Context, conn presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	var req protocol.LoginRequest
	if err := env.Decode(&req); err != nil {
		return s.loginFailure(err)
	}
	if sess != nil {
		return s.loginFailure(session.ErrAlreadyAuthenticated)
	}

	result, err := s.lifecycle.Login(ctx, conn, session.Credentials{ID: req.ID, Name: req.Name, Password: req.Password})
	if err != nil {
		return s.loginFailure(err)
	}
	user := result.User
	s.users.Add(user.ID, user.Name)

	reply := &protocol.LoginAck{Status: protocol.StatusOK, ID: user.ID, Name: user.Name}
	for _, msg := range result.Offline {
		reply.Offline = append(reply.Offline, json.RawMessage(msg.Payload))
	}
	// The mailbox is already drained, so a failure here only trims the ack.
	if err := s.fillContacts(ctx, reply); err != nil {
		logger.WarnF("[%s] Fail to load contacts of user %d, details: %v", conn.ID(), user.ID, err)
	}
	return protocol.NewEnvelope(protocol.LOGIN_ACK, reply)
}

func (s *Service) loginFailure(err error) (*protocol.Envelope, error) {
	status := statusOf(err)
	reply, encErr := protocol.NewEnvelope(protocol.LOGIN_ACK, &protocol.LoginAck{Status: status, Message: status.String()})
	if encErr != nil {
		return nil, errors.Join(err, encErr)
	}
	return reply, surfaced(status, err)
}

func (s *Service) fillContacts(ctx context.Context, reply *protocol.LoginAck) error {
	friends, err := s.store.ListFriends(ctx, reply.ID)
	if err != nil {
		return err
	}
	for _, friend := range friends {
		reply.Friends = append(reply.Friends, protocol.UserInfo{ID: friend.ID, Name: friend.Name, State: string(friend.State)})
	}

	groups, err := s.store.ListUserGroups(ctx, reply.ID)
	if err != nil {
		return err
	}
	for _, group := range groups {
		members, err := s.store.ListGroupMembers(ctx, group.ID)
		if err != nil {
			return err
		}
		info := protocol.GroupInfo{ID: group.ID, Name: group.Name, Desc: group.Desc}
		for _, m := range members {
			info.Members = append(info.Members, protocol.GroupMemberInfo{
				ID: m.ID, Name: m.Name, State: string(m.State), Role: string(m.Role),
			})
		}
		reply.Groups = append(reply.Groups, info)
	}
	return nil
}

func (s *Service) handleLogout(ctx context.Context, conn presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	if sess == nil {
		return ack(protocol.NewAck(protocol.LOGOUT, protocol.StatusNotAuthenticated, ""))
	}
	if _, err := s.lifecycle.Logout(ctx, conn); err != nil {
		return failure(protocol.LOGOUT, err)
	}
	return ack(protocol.NewAck(protocol.LOGOUT, protocol.StatusOK, ""))
}

func (s *Service) handleRegister(ctx context.Context, conn presence.Conn, env *protocol.Envelope, _ *session.Session) (*protocol.Envelope, error) {
	var req protocol.RegisterRequest
	if err := env.Decode(&req); err != nil {
		return s.registerFailure(err)
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Password == "" {
		return s.registerFailure(errBadRequest)
	}

	hash, err := session.HashPassword(req.Password)
	if err != nil {
		return s.registerFailure(err)
	}
	user, err := s.store.CreateUser(ctx, req.Name, hash)
	if err != nil {
		return s.registerFailure(err)
	}
	s.users.Add(user.ID, user.Name)
	logger.InfoF("[%s] User %d (%s) registered", conn.ID(), user.ID, user.Name)
	return protocol.NewEnvelope(protocol.REGISTER_ACK, &protocol.RegisterAck{Status: protocol.StatusOK, ID: user.ID})
}

func (s *Service) registerFailure(err error) (*protocol.Envelope, error) {
	status := statusOf(err)
	reply, encErr := protocol.NewEnvelope(protocol.REGISTER_ACK, &protocol.RegisterAck{Status: status, Message: status.String()})
	if encErr != nil {
		return nil, errors.Join(err, encErr)
	}
	return reply, surfaced(status, err)
}

func (s *Service) handleDirectMessage(ctx context.Context, _ presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	var msg protocol.DirectMessage
	if err := env.Decode(&msg); err != nil {
		return failure(protocol.DIRECT_MESSAGE, err)
	}
	if msg.To == 0 || msg.Text == "" {
		return failure(protocol.DIRECT_MESSAGE, errBadRequest)
	}
	if _, err := s.userName(ctx, msg.To); err != nil {
		return failure(protocol.DIRECT_MESSAGE, err)
	}

	msg.From, msg.FromName, msg.Time = sess.UserID, sess.Name, time.Now().Unix()
	push, err := protocol.NewEnvelope(protocol.DIRECT_MESSAGE, &msg)
	if err != nil {
		return nil, err
	}
	stored, err := s.deliver(ctx, msg.To, sess.UserID, push)
	if err != nil {
		return failure(protocol.DIRECT_MESSAGE, err)
	}
	reply := protocol.NewAck(protocol.DIRECT_MESSAGE, protocol.StatusOK, "")
	reply.Stored = stored
	return ack(reply)
}

func (s *Service) handleAddFriend(ctx context.Context, _ presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	var req protocol.AddFriendRequest
	if err := env.Decode(&req); err != nil {
		return failure(protocol.ADD_FRIEND, err)
	}
	if req.FriendID == 0 || req.FriendID == sess.UserID {
		return failure(protocol.ADD_FRIEND, errBadRequest)
	}
	if err := s.store.AddFriend(ctx, sess.UserID, req.FriendID); err != nil {
		return failure(protocol.ADD_FRIEND, err)
	}
	return ack(protocol.NewAck(protocol.ADD_FRIEND, protocol.StatusOK, ""))
}

func (s *Service) handleCreateGroup(ctx context.Context, _ presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	var req protocol.CreateGroupRequest
	if err := env.Decode(&req); err != nil {
		return failure(protocol.CREATE_GROUP, err)
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return failure(protocol.CREATE_GROUP, errBadRequest)
	}
	group, err := s.store.CreateGroup(ctx, req.Name, req.Desc, sess.UserID)
	if err != nil {
		return failure(protocol.CREATE_GROUP, err)
	}
	logger.InfoF("User %d created group %d (%s)", sess.UserID, group.ID, group.Name)
	reply := protocol.NewAck(protocol.CREATE_GROUP, protocol.StatusOK, "")
	reply.GroupID = group.ID
	return ack(reply)
}

func (s *Service) handleJoinGroup(ctx context.Context, _ presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	var req protocol.JoinGroupRequest
	if err := env.Decode(&req); err != nil {
		return failure(protocol.JOIN_GROUP, err)
	}
	if req.GroupID == 0 {
		return failure(protocol.JOIN_GROUP, errBadRequest)
	}
	if err := s.store.JoinGroup(ctx, req.GroupID, sess.UserID, database.RoleNormal); err != nil {
		return failure(protocol.JOIN_GROUP, err)
	}
	reply := protocol.NewAck(protocol.JOIN_GROUP, protocol.StatusOK, "")
	reply.GroupID = req.GroupID
	return ack(reply)
}

func (s *Service) handleGroupMessage(ctx context.Context, _ presence.Conn, env *protocol.Envelope, sess *session.Session) (*protocol.Envelope, error) {
	var msg protocol.GroupMessage
	if err := env.Decode(&msg); err != nil {
		return failure(protocol.GROUP_MESSAGE, err)
	}
	if msg.GroupID == 0 || msg.Text == "" {
		return failure(protocol.GROUP_MESSAGE, errBadRequest)
	}
	members, err := s.store.ListGroupMembers(ctx, msg.GroupID)
	if err != nil {
		return failure(protocol.GROUP_MESSAGE, err)
	}
	isMember := false
	for _, m := range members {
		if m.ID == sess.UserID {
			isMember = true
			break
		}
	}
	if !isMember {
		return failure(protocol.GROUP_MESSAGE, errNotMember)
	}

	msg.From, msg.FromName, msg.Time = sess.UserID, sess.Name, time.Now().Unix()
	push, err := protocol.NewEnvelope(protocol.GROUP_MESSAGE, &msg)
	if err != nil {
		return nil, err
	}

	var (
		anyStored  bool
		recipients int
		errs       []error
	)
	for _, m := range members {
		if m.ID == sess.UserID {
			continue
		}
		recipients++
		stored, err := s.deliver(ctx, m.ID, sess.UserID, push)
		if err != nil {
			errs = append(errs, fmt.Errorf("member %d: %w", m.ID, err))
			continue
		}
		anyStored = anyStored || stored
	}
	err = errors.Join(errs...)
	// A partial fan-out is acknowledged with the failure count; only a fan-out that
	// reached nobody fails.
	if recipients > 0 && len(errs) == recipients {
		return failure(protocol.GROUP_MESSAGE, err)
	}
	reply := protocol.NewAck(protocol.GROUP_MESSAGE, protocol.StatusOK, "")
	reply.Stored = anyStored
	reply.GroupID = msg.GroupID
	reply.Failed = len(errs)
	out, encErr := ack(reply)
	if encErr != nil {
		return nil, errors.Join(err, encErr)
	}
	return out, err
}
