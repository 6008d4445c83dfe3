package protocol

import "encoding/json"

type LoginRequest struct {
	Header
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password"`
}

type UserInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type GroupMemberInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Role  string `json:"role"`
}

type GroupInfo struct {
	ID      int64             `json:"id"`
	Name    string            `json:"name"`
	Desc    string            `json:"desc,omitempty"`
	Members []GroupMemberInfo `json:"members,omitempty"`
}

type LoginAck struct {
	Header
	Status  Status            `json:"errno"`
	Message string            `json:"errmsg,omitempty"`
	ID      int64             `json:"id,omitempty"`
	Name    string            `json:"name,omitempty"`
	Friends []UserInfo        `json:"friends,omitempty"`
	Groups  []GroupInfo       `json:"groups,omitempty"`
	Offline []json.RawMessage `json:"offline,omitempty"`
}

type RegisterRequest struct {
	Header
	Name     string `json:"name"`
	Password string `json:"password"`
}

type RegisterAck struct {
	Header
	Status  Status `json:"errno"`
	Message string `json:"errmsg,omitempty"`
	ID      int64  `json:"id,omitempty"`
}

// DirectMessage is both the client request and the server push; From, FromName and
// Time are always filled by the server.
type DirectMessage struct {
	Header
	From     int64  `json:"from"`
	FromName string `json:"from_name,omitempty"`
	To       int64  `json:"to"`
	Text     string `json:"text"`
	Time     int64  `json:"time"`
}

type AddFriendRequest struct {
	Header
	FriendID int64 `json:"friend_id"`
}

type CreateGroupRequest struct {
	Header
	Name string `json:"name"`
	Desc string `json:"desc"`
}

type JoinGroupRequest struct {
	Header
	GroupID int64 `json:"group_id"`
}

type GroupMessage struct {
	Header
	From     int64  `json:"from"`
	FromName string `json:"from_name,omitempty"`
	GroupID  int64  `json:"group_id"`
	Text     string `json:"text"`
	Time     int64  `json:"time"`
}

// Ack answers every request type without a dedicated ack message.
type Ack struct {
	Header
	AckOf   MsgType `json:"ack_of"`
	Status  Status  `json:"errno"`
	Message string  `json:"errmsg,omitempty"`
	Stored  bool    `json:"stored,omitempty"`
	GroupID int64   `json:"group_id,omitempty"`
	// Failed counts group members whose copy could not be pushed or stored.
	Failed int `json:"failed,omitempty"`
}

// NewAck builds an ACK envelope for a request of type of. A blank message is
// filled from the status text for failures.
func NewAck(of MsgType, status Status, message string) *Ack {
	if message == "" && status != StatusOK {
		message = status.String()
	}
	return &Ack{AckOf: of, Status: status, Message: message}
}
