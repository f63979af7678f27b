package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

type MessageStatus string

// sending → sent → delivered; sending|sent → failed. delivered/failed are terminal.
const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) Terminal() bool { return s == StatusDelivered || s == StatusFailed }

// CanMove reports whether s → to is a legal transition.
func (s MessageStatus) CanMove(to MessageStatus) bool {
	switch s {
	case StatusSending:
		return to == StatusSent || to == StatusFailed
	case StatusSent:
		return to == StatusDelivered || to == StatusFailed
	}
	return false
}

const DeletedPlaceholder = "This message has been deleted"

// Attachment references a file owned by the storage service.
type Attachment struct {
	URL      string `bson:"url" json:"url" mapstructure:"url"`
	Name     string `bson:"name" json:"name" mapstructure:"name"`
	MimeType string `bson:"mime_type" json:"mimeType" mapstructure:"mimeType"`
	Size     int64  `bson:"size" json:"size" mapstructure:"size"`
}

// Kind is the coarse attachment class used for previews and message type.
func (a Attachment) Kind() string {
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		return "image"
	case strings.HasPrefix(a.MimeType, "video/"):
		return "video"
	case strings.HasPrefix(a.MimeType, "audio/"):
		return "audio"
	}
	return "file"
}

type EditEntry struct {
	Content  string    `bson:"content" json:"content"`
	EditedAt time.Time `bson:"edited_at" json:"editedAt"`
}

// Message 会话内的一条消息（追加写）
type Message struct {
	ID             string      `bson:"_id" json:"id"`
	ConversationID string      `bson:"conversation_id" json:"conversationId"`
	SenderID       string      `bson:"sender_id" json:"senderId"` // empty for system messages
	Type           MessageType `bson:"type" json:"type"`

	Content     string       `bson:"content,omitempty" json:"content,omitempty"`
	Attachments []Attachment `bson:"attachments,omitempty" json:"attachments,omitempty"`

	ReadStatus  map[string]time.Time `bson:"read_status" json:"readStatus"` // userId → first view
	Status      MessageStatus        `bson:"status" json:"status"`
	DeliveredAt *time.Time           `bson:"delivered_at,omitempty" json:"deliveredAt,omitempty"`

	Edited      bool        `bson:"edited" json:"edited"`
	EditHistory []EditEntry `bson:"edit_history,omitempty" json:"editHistory,omitempty"`

	ReplyToID     string `bson:"reply_to_id,omitempty" json:"replyToId,omitempty"`
	ForwardedFrom string `bson:"forwarded_from,omitempty" json:"forwardedFrom,omitempty"`

	Deleted   bool       `bson:"deleted" json:"deleted,omitempty"`
	DeletedAt *time.Time `bson:"deleted_at,omitempty" json:"deletedAt,omitempty"`

	Version   int64     `bson:"version" json:"-"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
}

func (m *Message) GetTableName() string { return "messages" }

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.EditHistory = append([]EditEntry(nil), m.EditHistory...)
	cp.ReadStatus = make(map[string]time.Time, len(m.ReadStatus))
	for k, v := range m.ReadStatus {
		cp.ReadStatus[k] = v
	}
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		cp.DeliveredAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// HasBody is the content-or-attachments invariant.
func HasBody(content string, attachments []Attachment) bool {
	return strings.TrimSpace(content) != "" || len(attachments) > 0
}

// ValidateAttachments checks the fields the storage contract guarantees.
func ValidateAttachments(as []Attachment) error {
	for i, a := range as {
		if strings.TrimSpace(a.URL) == "" || strings.TrimSpace(a.Name) == "" {
			return fmt.Errorf("attachment %d: url and name are required", i)
		}
		if a.Size < 0 {
			return fmt.Errorf("attachment %d: negative size", i)
		}
	}
	return nil
}

// TypeFor picks text/image/file from the body.
func TypeFor(content string, attachments []Attachment) MessageType {
	if len(attachments) == 0 {
		return MessageText
	}
	if strings.TrimSpace(content) == "" && attachments[0].Kind() == "image" {
		return MessageImage
	}
	if strings.TrimSpace(content) == "" {
		return MessageFile
	}
	return MessageText
}

// Move applies a status transition; delivered stamps DeliveredAt once.
func (m *Message) Move(to MessageStatus, now time.Time) bool {
	if !m.Status.CanMove(to) {
		return false
	}
	m.Status = to
	if to == StatusDelivered && m.DeliveredAt == nil {
		t := now
		m.DeliveredAt = &t
	}
	m.UpdatedAt = now
	return true
}

// Edit appends the current content to history, then overwrites it.
func (m *Message) Edit(content string, now time.Time) {
	m.EditHistory = append(m.EditHistory, EditEntry{Content: m.Content, EditedAt: now})
	m.Content = content
	m.Edited = true
	m.UpdatedAt = now
}

// MarkRead records the first view of userID; later calls keep the first stamp.
func (m *Message) MarkRead(userID string, now time.Time) (time.Time, bool) {
	if at, ok := m.ReadStatus[userID]; ok {
		return at, false
	}
	if m.ReadStatus == nil {
		m.ReadStatus = make(map[string]time.Time)
	}
	m.ReadStatus[userID] = now
	return now, true
}

// Preview renders the conversation-list summary of a message, truncated to max runes.
func Preview(m *Message, max int) string {
	text := strings.TrimSpace(m.Content)
	if text == "" && len(m.Attachments) > 0 {
		a := m.Attachments[0]
		text = fmt.Sprintf("[%s] %s", a.Kind(), a.Name)
	}
	if max <= 3 || utf8.RuneCountInString(text) <= max {
		return text
	}
	r := []rune(text)
	return string(r[:max-3]) + "..."
}

// Page is the pagination window for message listing.
type Page struct {
	Page   int
	Limit  int
	Before time.Time
	After  time.Time
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Skip() int64 { return int64((p.Page - 1) * p.Limit) }

type MessagePage struct {
	Items   []*Message `json:"items"`
	Total   int64      `json:"total"`
	Page    int        `json:"page"`
	Limit   int        `json:"limit"`
	HasMore bool       `json:"hasMore"`
}
