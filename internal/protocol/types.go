// Package protocol defines the chat wire vocabulary: message type ids, status
// codes, the Envelope and the JSON codec that turns frames into envelopes.
package protocol

import "fmt"

// MsgType is the integer carried in every envelope's "msgid" field.
type MsgType int

const (
	LOGIN MsgType = iota + 1
	LOGIN_ACK
	LOGOUT
	REGISTER
	REGISTER_ACK
	DIRECT_MESSAGE
	ADD_FRIEND
	CREATE_GROUP
	JOIN_GROUP
	GROUP_MESSAGE
	ACK
)

var MsgTypeMap = map[MsgType]string{
	LOGIN:          "LOGIN",
	LOGIN_ACK:      "LOGIN_ACK",
	LOGOUT:         "LOGOUT",
	REGISTER:       "REGISTER",
	REGISTER_ACK:   "REGISTER_ACK",
	DIRECT_MESSAGE: "DIRECT_MESSAGE",
	ADD_FRIEND:     "ADD_FRIEND",
	CREATE_GROUP:   "CREATE_GROUP",
	JOIN_GROUP:     "JOIN_GROUP",
	GROUP_MESSAGE:  "GROUP_MESSAGE",
	ACK:            "ACK",
}

func (t MsgType) String() string {
	if name, ok := MsgTypeMap[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", int(t))
}

// Status is the numeric result carried by acks. Zero is success.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidCredentials
	StatusAlreadyOnline
	StatusStoreFailure
	StatusNotAuthenticated
	StatusBadRequest
	StatusNameTaken
	StatusNotFound
	StatusAlreadyAuthenticated
	StatusNotMember
)

var statusText = map[Status]string{
	StatusOK:                   "ok",
	StatusInvalidCredentials:   "invalid credentials",
	StatusAlreadyOnline:        "user is already online",
	StatusStoreFailure:         "storage unavailable",
	StatusNotAuthenticated:     "login required",
	StatusBadRequest:           "bad request",
	StatusNameTaken:            "name is already taken",
	StatusNotFound:             "not found",
	StatusAlreadyAuthenticated: "connection is already logged in",
	StatusNotMember:            "not a member of this group",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("status %d", int(s))
}
