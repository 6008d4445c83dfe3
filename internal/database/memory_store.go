package database

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

type friendKey struct {
	userID, friendID int64
}

// MemoryStore keeps everything in process memory. It backs the "memory" driver and
// the tests; contents do not survive a restart.
type MemoryStore struct {
	mu          sync.Mutex
	users       map[int64]*User
	names       map[string]int64
	offline     map[int64][]OfflineMessage
	friends     map[friendKey]struct{}
	groups      map[int64]*Group
	members     map[int64]map[int64]Role
	nextUserID  int64
	nextGroupID int64
	nextSeq     int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[int64]*User),
		names:   make(map[string]int64),
		offline: make(map[int64][]OfflineMessage),
		friends: make(map[friendKey]struct{}),
		groups:  make(map[int64]*Group),
		members: make(map[int64]map[int64]Role),
	}
}

func (ms *MemoryStore) CreateUser(ctx context.Context, name, passwordHash string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidArgument
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.names[name]; ok {
		return nil, ErrNameTaken
	}
	ms.nextUserID++
	user := &User{ID: ms.nextUserID, Name: name, Password: passwordHash, State: StateOffline}
	ms.users[user.ID] = user
	ms.names[name] = user.ID
	copied := *user
	return &copied, nil
}

func (ms *MemoryStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, ok := ms.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	copied := *user
	return &copied, nil
}

func (ms *MemoryStore) FindUserByName(ctx context.Context, name string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	id, ok := ms.names[name]
	if !ok {
		return nil, notFound("user", name)
	}
	copied := *ms.users[id]
	return &copied, nil
}

func (ms *MemoryStore) SetUserState(ctx context.Context, id int64, state UserState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	user, ok := ms.users[id]
	if !ok {
		return notFound("user", id)
	}
	user.State = state
	return nil
}

func (ms *MemoryStore) ResetOnlineUsers(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var n int64
	for _, user := range ms.users {
		if user.State == StateOnline {
			user.State = StateOffline
			n++
		}
	}
	return n, nil
}

func (ms *MemoryStore) InsertOfflineMessage(ctx context.Context, recipientID, senderID int64, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.nextSeq++
	ms.offline[recipientID] = append(ms.offline[recipientID], OfflineMessage{
		Seq:         ms.nextSeq,
		RecipientID: recipientID,
		SenderID:    senderID,
		Payload:     slices.Clone(payload),
		CreatedAt:   time.Now(),
	})
	return ms.nextSeq, nil
}

func (ms *MemoryStore) DrainOfflineMessages(ctx context.Context, userID int64) ([]OfflineMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	messages := ms.offline[userID]
	delete(ms.offline, userID)
	return messages, nil
}

func (ms *MemoryStore) CountOfflineMessages(ctx context.Context, userID int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return int64(len(ms.offline[userID])), nil
}

func (ms *MemoryStore) AddFriend(ctx context.Context, userID, friendID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.users[friendID]; !ok {
		return notFound("user", friendID)
	}
	ms.friends[friendKey{userID, friendID}] = struct{}{}
	return nil
}

func (ms *MemoryStore) ListFriends(ctx context.Context, userID int64) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var friends []User
	for key := range ms.friends {
		if key.userID == userID {
			friends = append(friends, *ms.users[key.friendID])
		}
	}
	slices.SortFunc(friends, func(a, b User) int { return cmp.Compare(a.ID, b.ID) })
	return friends, nil
}

func (ms *MemoryStore) CreateGroup(ctx context.Context, name, desc string, creatorID int64) (*Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, ErrInvalidArgument
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, g := range ms.groups {
		if g.Name == name {
			return nil, ErrNameTaken
		}
	}
	ms.nextGroupID++
	group := &Group{ID: ms.nextGroupID, Name: name, Desc: desc}
	ms.groups[group.ID] = group
	ms.members[group.ID] = map[int64]Role{creatorID: RoleCreator}
	copied := *group
	return &copied, nil
}

func (ms *MemoryStore) FindGroup(ctx context.Context, groupID int64) (*Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	group, ok := ms.groups[groupID]
	if !ok {
		return nil, notFound("group", groupID)
	}
	copied := *group
	return &copied, nil
}

func (ms *MemoryStore) JoinGroup(ctx context.Context, groupID, userID int64, role Role) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	members, ok := ms.members[groupID]
	if !ok {
		return notFound("group", groupID)
	}
	if _, ok := members[userID]; !ok {
		members[userID] = role
	}
	return nil
}

func (ms *MemoryStore) ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	members, ok := ms.members[groupID]
	if !ok {
		return nil, notFound("group", groupID)
	}
	result := make([]GroupMember, 0, len(members))
	for id, role := range members {
		if user, ok := ms.users[id]; ok {
			result = append(result, GroupMember{User: *user, Role: role})
		}
	}
	slices.SortFunc(result, func(a, b GroupMember) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

func (ms *MemoryStore) ListUserGroups(ctx context.Context, userID int64) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var groups []Group
	for id, members := range ms.members {
		if _, ok := members[userID]; ok {
			groups = append(groups, *ms.groups[id])
		}
	}
	slices.SortFunc(groups, func(a, b Group) int { return cmp.Compare(a.ID, b.ID) })
	return groups, nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
