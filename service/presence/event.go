package presence

import "time"

// 服务端 → 客户端事件
const (
	EventNewMessage  = "new_message"
	EventMessageRead = "message_read"
	EventUserStatus  = "user_status"
	EventTyping      = "typing_status"
	EventError       = "error"
	EventAck         = "ack"
)

// Event is one server→client frame before encoding.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

type UserStatus struct {
	UserID     string     `json:"userId"`
	Status     Status     `json:"status"`
	LastOnline *time.Time `json:"lastOnline,omitempty"`
}

type TypingStatus struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// RoomEvent is a room broadcast as it travels between replicas.
type RoomEvent struct {
	Origin         string   `json:"origin"`
	ConversationID string   `json:"conversationId"`
	Event          Event    `json:"event"`
	Allow          []string `json:"allow,omitempty"`  // empty: everyone in the room
	Except         string   `json:"except,omitempty"` // user skipped, e.g. the typist
}

func (e RoomEvent) accepts(userID string) bool {
	if e.Except != "" && userID == e.Except {
		return false
	}
	if len(e.Allow) == 0 {
		return true
	}
	for _, id := range e.Allow {
		if id == userID {
			return true
		}
	}
	return false
}
