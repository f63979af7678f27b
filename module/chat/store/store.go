package store

import (
	"context"
	"time"

	"KelmahIM/module/chat/model"
	"KelmahIM/tools/errs"
)

// ConversationRepo persists conversations. Every mutating method is a single
// per-conversation atomic update.
type ConversationRepo interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)

	// FindOrCreateDirect returns the conversation keyed by c.DirectKey, inserting c when absent.
	FindOrCreateDirect(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error)
	// FindOrCreateJob returns the conversation keyed by c.JobID, inserting c when absent.
	FindOrCreateJob(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error)
	InsertConversation(ctx context.Context, c *model.Conversation) error

	// UpdateConversation reads, applies fn to a private copy and writes it back
	// unless a concurrent writer got there first (then it retries). fn may be
	// called more than once and must not have side effects.
	UpdateConversation(ctx context.Context, id string, fn func(c *model.Conversation) error) (*model.Conversation, error)

	// ApplyLastMessage writes s only if it is newer than the stored summary.
	ApplyLastMessage(ctx context.Context, id string, s model.LastMessage) (*model.Conversation, bool, error)

	ListForUser(ctx context.Context, userID string, f model.ListFilter) ([]*model.Conversation, int64, error)
}

// MessageRepo persists the message log.
type MessageRepo interface {
	GetMessage(ctx context.Context, id string) (*model.Message, error)

	// InsertMessage stores m and applies s to its conversation in one atomic
	// step, re-checking that the sender may post. Nothing is stored on error.
	InsertMessage(ctx context.Context, m *model.Message, s model.LastMessage) error

	UpdateMessage(ctx context.Context, id string, fn func(m *model.Message) error) (*model.Message, error)

	// MarkRead sets readStatus[userID] if unset and returns the stored stamp.
	MarkRead(ctx context.Context, id, userID string, at time.Time) (time.Time, bool, error)
	// MarkConversationRead marks all messages not sent by userID. Returns ids newly marked.
	MarkConversationRead(ctx context.Context, conversationID, userID string, at time.Time) ([]string, error)

	ListMessages(ctx context.Context, conversationID string, p model.Page) ([]*model.Message, int64, error)
	SearchMessages(ctx context.Context, conversationID, query string, limit int) ([]*model.Message, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int64, error)
}

// Repository is what the chat services need from a storage engine.
type Repository interface {
	ConversationRepo
	MessageRepo
}

// senderAllowed is the send check both engines apply inside the insert.
// System messages have no sender and skip it.
func senderAllowed(c *model.Conversation, sender string) error {
	if sender == "" {
		return nil
	}
	if !c.IsParticipant(sender) {
		return errs.ErrNotParticipant.WrapMsg("not a participant", "conversation", c.ID, "user", sender)
	}
	if c.ReadOnly && !c.IsAdmin(sender) {
		return errs.ErrNotAdmin.WrapMsg("conversation is read-only", "conversation", c.ID)
	}
	return nil
}
