package model

import (
	"strconv"
	"time"
)

type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationJob     ConversationType = "job"
	ConversationSupport ConversationType = "support"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationJob, ConversationSupport:
		return true
	}
	return false
}

// ParticipantEvent is one entry of the membership audit trail.
type ParticipantEvent struct {
	UserID string    `bson:"user_id" json:"userId"`
	Action string    `bson:"action" json:"action"` // joined / left / removed / promoted / demoted
	By     string    `bson:"by,omitempty" json:"by,omitempty"`
	At     time.Time `bson:"at" json:"at"`
}

const (
	ActionJoined   = "joined"
	ActionLeft     = "left"
	ActionRemoved  = "removed"
	ActionPromoted = "promoted"
	ActionDemoted  = "demoted"
)

// Conversation 会话：参与者集合 + 每用户标记 + 最后一条消息摘要
type Conversation struct {
	ID    string           `bson:"_id" json:"id"`
	Type  ConversationType `bson:"type" json:"type"`
	Title string           `bson:"title,omitempty" json:"title,omitempty"`

	Participants UserSet `bson:"participants" json:"participants"`     // join order = tenure
	AdminUserIDs UserSet `bson:"admin_user_ids" json:"adminUserIds"`   // ⊆ participants
	ArchivedBy   UserSet `bson:"archived_by" json:"archivedByUserIds"` // per-user flag
	MutedBy      UserSet `bson:"muted_by" json:"mutedByUserIds"`       // per-user flag
	CreatedBy    string  `bson:"created_by" json:"createdBy"`

	// idempotence keys; only one is set, per type
	DirectKey string `bson:"direct_key,omitempty" json:"-"`
	JobID     string `bson:"job_id,omitempty" json:"jobId,omitempty"`

	ContractID  string `bson:"contract_id,omitempty" json:"contractId,omitempty"`
	Description string `bson:"description,omitempty" json:"description,omitempty"`
	Avatar      string `bson:"avatar,omitempty" json:"avatar,omitempty"`
	ReadOnly    bool   `bson:"read_only" json:"readOnly"`   // only admins may send
	IsPrivate   bool   `bson:"is_private" json:"isPrivate"` // hidden from discovery

	ParticipantHistory []ParticipantEvent `bson:"participant_history,omitempty" json:"participantHistory,omitempty"`

	// 摘要：只由消息创建顺带写入
	LastMessageAt       time.Time `bson:"last_message_at,omitempty" json:"lastMessageAt,omitempty"`
	LastMessageID       string    `bson:"last_message_id,omitempty" json:"lastMessageId,omitempty"`
	LastMessagePreview  string    `bson:"last_message_preview,omitempty" json:"lastMessagePreview,omitempty"`
	LastMessageSenderID string    `bson:"last_message_sender_id,omitempty" json:"lastMessageSenderId,omitempty"`

	Deleted   bool       `bson:"deleted" json:"deleted,omitempty"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`

	Version   int64     `bson:"version" json:"-"` // bumped on every write, used for CAS
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func (c *Conversation) GetTableName() string { return "conversations" }

func (c *Conversation) IsParticipant(userID string) bool { return c.Participants.Contains(userID) }

func (c *Conversation) IsAdmin(userID string) bool { return c.AdminUserIDs.Contains(userID) }

// Clone returns a deep copy safe to mutate.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = c.Participants.Clone()
	cp.AdminUserIDs = c.AdminUserIDs.Clone()
	cp.ArchivedBy = c.ArchivedBy.Clone()
	cp.MutedBy = c.MutedBy.Clone()
	cp.ParticipantHistory = append([]ParticipantEvent(nil), c.ParticipantHistory...)
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// Other returns the counterpart of userID in a direct conversation.
func (c *Conversation) Other(userID string) string {
	if c.Type != ConversationDirect {
		return ""
	}
	id, _ := c.Participants.First(func(id string) bool { return id != userID })
	return id
}

// DirectKey is the order-independent identity of a user pair. The first id
// is length-prefixed so ids containing the separator cannot collide.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// LastMessage is the denormalised summary written alongside a message insert.
type LastMessage struct {
	MessageID string
	SenderID  string
	Preview   string
	At        time.Time
}

// Apply writes s when it is newer than the current summary. Equal timestamps
// fall back to id order so replays are no-ops.
func (c *Conversation) Apply(s LastMessage) bool {
	if !c.LastMessageAt.IsZero() {
		if s.At.Before(c.LastMessageAt) {
			return false
		}
		if s.At.Equal(c.LastMessageAt) && s.MessageID <= c.LastMessageID {
			return false
		}
	}
	c.LastMessageAt = s.At
	c.LastMessageID = s.MessageID
	c.LastMessagePreview = s.Preview
	c.LastMessageSenderID = s.SenderID
	return true
}

// ListFilter narrows ListForUser.
type ListFilter struct {
	Archived bool // true: only archived, false: only active
	Type     ConversationType
	Page     int
	Limit    int
}
