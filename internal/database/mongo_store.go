package database

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-go-chat/internal/config"
	"github.com/life-stream-dev/life-stream-go-chat/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chat/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the MongoDB backend. Draining offline messages uses a multi-document
// transaction, so the deployment must be a replica set or sharded cluster.
type MongoStore struct {
	client           *mongo.Client
	db               *mongo.Database
	operationTimeout time.Duration
}

type counter struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

type friendDoc struct {
	UserID   int64 `bson:"user_id"`
	FriendID int64 `bson:"friend_id"`
}

type memberDoc struct {
	GroupID int64 `bson:"group_id"`
	UserID  int64 `bson:"user_id"`
	Role    Role  `bson:"role"`
}

func OpenMongo(ctx context.Context, cfg config.Database, appName string) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass, cfg.Host, cfg.Port)
	if cfg.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.MustParseStringTime(cfg.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.MustParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.MustParseStringTime(cfg.SocketTimeout))
	if heartbeat := utils.MustParseStringTime(cfg.Heartbeat); heartbeat > 0 {
		clientOptions.SetHeartbeatInterval(heartbeat)
	}
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: address=%s id=%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: address=%s id=%d reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	operationTimeout := utils.MustParseStringTime(cfg.OperationTimeout)
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	store := &MongoStore{
		client:           client,
		db:               client.Database(cfg.Database),
		operationTimeout: operationTimeout,
	}
	if err := store.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}
	return store, nil
}

func (s *MongoStore) createIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		UserCollectionName: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true).SetName("users_name_unique")},
			{Keys: bson.D{{Key: "state", Value: 1}}, Options: options.Index().SetName("users_state")},
		},
		OfflineMessageCollectionName: {
			{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetName("offline_recipient_seq")},
		},
		FriendCollectionName: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "friend_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("friends_pair_unique")},
		},
		GroupCollectionName: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true).SetName("groups_name_unique")},
		},
		GroupMemberCollectionName: {
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true).SetName("group_members_pair_unique")},
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetName("group_members_user")},
		},
	}
	for collection, models := range indexes {
		if _, err := s.db.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("error occured while creating %s indexes: %w", collection, err)
		}
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.operationTimeout)
}

func handleErr(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, ErrNameTaken)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return operationError(op, err)
}

func (s *MongoStore) nextSequence(ctx context.Context, name string) (int64, error) {
	var c counter
	err := s.db.Collection(CounterCollectionName).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, operationError("next "+name+" id", err)
	}
	return c.Seq, nil
}

func (s *MongoStore) CreateUser(ctx context.Context, name, passwordHash string) (*User, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.db.Collection(UserCollectionName).FindOne(ctx, bson.D{{Key: "name", Value: name}}).Err(); err == nil {
		return nil, fmt.Errorf("user %s: %w", name, ErrNameTaken)
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, operationError("create user", err)
	}

	id, err := s.nextSequence(ctx, UserCollectionName)
	if err != nil {
		return nil, err
	}
	user := &User{ID: id, Name: name, Password: passwordHash, State: StateOffline}
	if _, err := s.db.Collection(UserCollectionName).InsertOne(ctx, user); err != nil {
		return nil, handleErr("create user", err)
	}
	logger.InfoF("User created: id=%d, name=%s", id, name)
	return user, nil
}

func (s *MongoStore) findUser(ctx context.Context, filter bson.D) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user User
	startTime := time.Now()
	err := s.db.Collection(UserCollectionName).FindOne(ctx, filter).Decode(&user)
	logger.DebugF("user query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr("find user", err)
	}
	return &user, nil
}

func (s *MongoStore) FindUserByID(ctx context.Context, id int64) (*User, error) {
	return s.findUser(ctx, bson.D{{Key: "_id", Value: id}})
}

func (s *MongoStore) FindUserByName(ctx context.Context, name string) (*User, error) {
	return s.findUser(ctx, bson.D{{Key: "name", Value: name}})
}

func (s *MongoStore) SetUserState(ctx context.Context, id int64, state UserState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.Collection(UserCollectionName).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "state", Value: state}}}})
	if err != nil {
		return handleErr("set user state", err)
	}
	if result.MatchedCount == 0 {
		return notFound("user", id)
	}
	logger.DebugF("User state saved: id=%d, state=%s, modified=%d", id, state, result.ModifiedCount)
	return nil
}

func (s *MongoStore) ResetOnlineUsers(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.Collection(UserCollectionName).UpdateMany(ctx,
		bson.D{{Key: "state", Value: StateOnline}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "state", Value: StateOffline}}}})
	if err != nil {
		return 0, handleErr("reset online users", err)
	}
	return result.ModifiedCount, nil
}

func (s *MongoStore) InsertOfflineMessage(ctx context.Context, recipientID, senderID int64, payload []byte) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.nextSequence(ctx, OfflineMessageCollectionName)
	if err != nil {
		return 0, err
	}
	msg := OfflineMessage{
		Seq:         seq,
		RecipientID: recipientID,
		SenderID:    senderID,
		Payload:     payload,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := s.db.Collection(OfflineMessageCollectionName).InsertOne(ctx, msg); err != nil {
		return 0, handleErr("insert offline message", err)
	}
	return seq, nil
}

func (s *MongoStore) DrainOfflineMessages(ctx context.Context, userID int64) ([]OfflineMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	session, err := s.client.StartSession()
	if err != nil {
		return nil, operationError("drain offline messages", err)
	}
	defer session.EndSession(ctx)

	collection := s.db.Collection(OfflineMessageCollectionName)
	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		cursor, err := collection.Find(sc,
			bson.D{{Key: "recipient_id", Value: userID}},
			options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
		if err != nil {
			return nil, err
		}
		var messages []OfflineMessage
		if err := cursor.All(sc, &messages); err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			return messages, nil
		}
		last := messages[len(messages)-1].Seq
		if _, err := collection.DeleteMany(sc, bson.D{
			{Key: "recipient_id", Value: userID},
			{Key: "seq", Value: bson.D{{Key: "$lte", Value: last}}},
		}); err != nil {
			return nil, err
		}
		return messages, nil
	})
	if err != nil {
		return nil, operationError("drain offline messages", err)
	}
	messages, _ := result.([]OfflineMessage)
	return messages, nil
}

func (s *MongoStore) CountOfflineMessages(ctx context.Context, userID int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.db.Collection(OfflineMessageCollectionName).CountDocuments(ctx, bson.D{{Key: "recipient_id", Value: userID}})
	if err != nil {
		return 0, operationError("count offline messages", err)
	}
	return n, nil
}

func (s *MongoStore) AddFriend(ctx context.Context, userID, friendID int64) error {
	if _, err := s.FindUserByID(ctx, friendID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := friendDoc{UserID: userID, FriendID: friendID}
	_, err := s.db.Collection(FriendCollectionName).UpdateOne(ctx,
		bson.D{{Key: "user_id", Value: userID}, {Key: "friend_id", Value: friendID}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.Update().SetUpsert(true))
	if err != nil {
		return handleErr("add friend", err)
	}
	return nil
}

func (s *MongoStore) usersByID(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.db.Collection(UserCollectionName).Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var users []User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *MongoStore) ListFriends(ctx context.Context, userID int64) ([]User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.db.Collection(FriendCollectionName).Find(ctx, bson.D{{Key: "user_id", Value: userID}})
	if err != nil {
		return nil, operationError("list friends", err)
	}
	var docs []friendDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, operationError("list friends", err)
	}
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.FriendID)
	}
	friends, err := s.usersByID(ctx, ids)
	if err != nil {
		return nil, operationError("list friends", err)
	}
	return friends, nil
}

func (s *MongoStore) CreateGroup(ctx context.Context, name, desc string, creatorID int64) (*Group, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id, err := s.nextSequence(ctx, GroupCollectionName)
	if err != nil {
		return nil, err
	}
	group := &Group{ID: id, Name: name, Desc: desc}
	if _, err := s.db.Collection(GroupCollectionName).InsertOne(ctx, group); err != nil {
		return nil, handleErr("create group", err)
	}
	member := memberDoc{GroupID: id, UserID: creatorID, Role: RoleCreator}
	if _, err := s.db.Collection(GroupMemberCollectionName).InsertOne(ctx, member); err != nil {
		_, _ = s.db.Collection(GroupCollectionName).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
		return nil, handleErr("create group", err)
	}
	return group, nil
}

func (s *MongoStore) FindGroup(ctx context.Context, groupID int64) (*Group, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var group Group
	if err := s.db.Collection(GroupCollectionName).FindOne(ctx, bson.D{{Key: "_id", Value: groupID}}).Decode(&group); err != nil {
		return nil, handleErr("find group", err)
	}
	return &group, nil
}

func (s *MongoStore) JoinGroup(ctx context.Context, groupID, userID int64, role Role) error {
	if _, err := s.FindGroup(ctx, groupID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := memberDoc{GroupID: groupID, UserID: userID, Role: role}
	_, err := s.db.Collection(GroupMemberCollectionName).UpdateOne(ctx,
		bson.D{{Key: "group_id", Value: groupID}, {Key: "user_id", Value: userID}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.Update().SetUpsert(true))
	if err != nil {
		return handleErr("join group", err)
	}
	return nil
}

func (s *MongoStore) ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	if _, err := s.FindGroup(ctx, groupID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.db.Collection(GroupMemberCollectionName).Find(ctx, bson.D{{Key: "group_id", Value: groupID}})
	if err != nil {
		return nil, operationError("list group members", err)
	}
	var docs []memberDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, operationError("list group members", err)
	}
	roles := make(map[int64]Role, len(docs))
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		roles[doc.UserID] = doc.Role
		ids = append(ids, doc.UserID)
	}
	users, err := s.usersByID(ctx, ids)
	if err != nil {
		return nil, operationError("list group members", err)
	}
	members := make([]GroupMember, 0, len(users))
	for _, user := range users {
		members = append(members, GroupMember{User: user, Role: roles[user.ID]})
	}
	return members, nil
}

func (s *MongoStore) ListUserGroups(ctx context.Context, userID int64) ([]Group, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cursor, err := s.db.Collection(GroupMemberCollectionName).Find(ctx, bson.D{{Key: "user_id", Value: userID}})
	if err != nil {
		return nil, operationError("list user groups", err)
	}
	var docs []memberDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, operationError("list user groups", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.GroupID)
	}
	cursor, err = s.db.Collection(GroupCollectionName).Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, operationError("list user groups", err)
	}
	var groups []Group
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, operationError("list user groups", err)
	}
	return groups, nil
}

var _ Store = (*MongoStore)(nil)
