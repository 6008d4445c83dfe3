package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	UserCollectionName           = "users"
	CounterCollectionName        = "counters"
	OfflineMessageCollectionName = "offline_messages"
	FriendCollectionName         = "friends"
	GroupCollectionName          = "groups"
	GroupMemberCollectionName    = "group_members"
)

var (
	ErrNotFound        = errors.New("document does not exist")
	ErrNameTaken       = errors.New("unique key conflicts")
	ErrOperationFailed = errors.New("database operation failed")
	ErrInvalidArgument = errors.New("invalid argument")
)

type UserState string

const (
	StateOffline UserState = "offline"
	StateOnline  UserState = "online"
)

type Role string

const (
	RoleCreator Role = "creator"
	RoleNormal  Role = "normal"
)

type User struct {
	ID       int64     `bson:"_id"`
	Name     string    `bson:"name"`
	Password string    `bson:"password"`
	State    UserState `bson:"state"`
}

type OfflineMessage struct {
	Seq         int64     `bson:"seq"`
	RecipientID int64     `bson:"recipient_id"`
	SenderID    int64     `bson:"sender_id"`
	Payload     []byte    `bson:"payload"`
	CreatedAt   time.Time `bson:"created_at"`
}

type Group struct {
	ID   int64  `bson:"_id"`
	Name string `bson:"name"`
	Desc string `bson:"desc"`
}

type GroupMember struct {
	User
	Role Role
}

type UserStore interface {
	CreateUser(ctx context.Context, name, passwordHash string) (*User, error)
	FindUserByID(ctx context.Context, id int64) (*User, error)
	FindUserByName(ctx context.Context, name string) (*User, error)
	SetUserState(ctx context.Context, id int64, state UserState) error
	// ResetOnlineUsers forces every ONLINE user to OFFLINE and reports how many changed.
	ResetOnlineUsers(ctx context.Context) (int64, error)
}

type OfflineStore interface {
	// InsertOfflineMessage returns the arrival sequence assigned to the message.
	InsertOfflineMessage(ctx context.Context, recipientID, senderID int64, payload []byte) (int64, error)
	// DrainOfflineMessages returns the pending messages in arrival order and deletes
	// them in the same transaction.
	DrainOfflineMessages(ctx context.Context, userID int64) ([]OfflineMessage, error)
	CountOfflineMessages(ctx context.Context, userID int64) (int64, error)
}

type FriendStore interface {
	AddFriend(ctx context.Context, userID, friendID int64) error
	ListFriends(ctx context.Context, userID int64) ([]User, error)
}

type GroupStore interface {
	CreateGroup(ctx context.Context, name, desc string, creatorID int64) (*Group, error)
	FindGroup(ctx context.Context, groupID int64) (*Group, error)
	JoinGroup(ctx context.Context, groupID, userID int64, role Role) error
	ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error)
	ListUserGroups(ctx context.Context, userID int64) ([]Group, error)
}

// Store is everything the chat core persists.
type Store interface {
	UserStore
	OfflineStore
	FriendStore
	GroupStore
	Close(ctx context.Context) error
}

func operationError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrOperationFailed, err)
}

func notFound(what string, id any) error {
	return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
}
