package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"KelmahIM/logger"
	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/store"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/ids"

	"go.uber.org/zap"
)

const (
	DefaultEditWindow  = 24 * time.Hour
	DefaultSearchLimit = 50
	MinSearchQueryLen  = 2
)

// AttachmentReleaser is the storage service's cleanup hook for deleted messages.
type AttachmentReleaser interface {
	Release(ctx context.Context, attachments []model.Attachment) error
}

type MessageOptions struct {
	EditWindow    time.Duration
	AllowSelfRead bool // whether a sender may stamp their own message as read
	SearchLimit   int
	Clock         func() time.Time
}

// MessageStore owns the per-conversation message log.
type MessageStore struct {
	repo     store.MessageRepo
	convs    *ConversationStore
	releaser AttachmentReleaser
	opts     MessageOptions
}

func NewMessageStore(repo store.MessageRepo, convs *ConversationStore, releaser AttachmentReleaser, opts MessageOptions) *MessageStore {
	if opts.EditWindow <= 0 {
		opts.EditWindow = DefaultEditWindow
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &MessageStore{repo: repo, convs: convs, releaser: releaser, opts: opts}
}

func (s *MessageStore) now() time.Time { return s.opts.Clock().UTC().Truncate(time.Millisecond) }

type CreateMessage struct {
	ConversationID string             `json:"conversationId"`
	SenderID       string             `json:"-"`
	Content        string             `json:"content"`
	Attachments    []model.Attachment `json:"attachments"`
	ReplyToID      string             `json:"replyToId"`
	ForwardedFrom  string             `json:"-"`
}

// Create validates and persists a message; it is all-or-nothing.
func (s *MessageStore) Create(ctx context.Context, in CreateMessage) (*model.Message, error) {
	content := strings.TrimSpace(in.Content)
	if err := model.ValidateAttachments(in.Attachments); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg(err.Error())
	}
	if !model.HasBody(content, in.Attachments) {
		return nil, errs.ErrEmptyMessage.WrapMsg("content or attachments required")
	}
	conv, err := s.convs.Require(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}
	if conv.ReadOnly && !conv.IsAdmin(in.SenderID) {
		return nil, errs.ErrNotAdmin.WrapMsg("conversation is read-only", "conversation", conv.ID)
	}
	if in.ReplyToID != "" {
		parent, err := s.repo.GetMessage(ctx, in.ReplyToID)
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != conv.ID {
			return nil, errs.ErrInvalidArgument.WrapMsg("reply target belongs to another conversation", "replyToId", in.ReplyToID)
		}
	}

	now := s.now()
	m := &model.Message{
		ID:             ids.GenerateString(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		Type:           model.TypeFor(content, in.Attachments),
		Content:        content,
		Attachments:    in.Attachments,
		ReadStatus:     map[string]time.Time{},
		Status:         model.StatusSending,
		ReplyToID:      in.ReplyToID,
		ForwardedFrom:  in.ForwardedFrom,
		CreatedAt:      now,
	}
	m.Move(model.StatusSent, now)
	if err := s.repo.InsertMessage(ctx, m, s.convs.Summary(m)); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateSystem records a membership notice. It has no sender, so it skips
// the participant check and cannot be edited.
func (s *MessageStore) CreateSystem(ctx context.Context, conversationID, text string) (*model.Message, error) {
	now := s.now()
	m := &model.Message{
		ID:             ids.GenerateString(),
		ConversationID: conversationID,
		Type:           model.MessageSystem,
		Content:        text,
		ReadStatus:     map[string]time.Time{},
		Status:         model.StatusSent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertMessage(ctx, m, s.convs.Summary(m)); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MessageStore) FindByConversation(ctx context.Context, conversationID, actor string, p model.Page) (*model.MessagePage, error) {
	if _, err := s.convs.Require(ctx, conversationID, actor); err != nil {
		return nil, err
	}
	p = p.Normalize()
	items, total, err := s.repo.ListMessages(ctx, conversationID, p)
	if err != nil {
		return nil, err
	}
	return &model.MessagePage{
		Items:   items,
		Total:   total,
		Page:    p.Page,
		Limit:   p.Limit,
		HasMore: p.Skip()+int64(len(items)) < total,
	}, nil
}

func (s *MessageStore) SearchByContent(ctx context.Context, conversationID, actor, query string) ([]*model.Message, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < MinSearchQueryLen {
		return nil, errs.ErrInvalidArgument.WrapMsg("search query must be at least 2 characters")
	}
	if _, err := s.convs.Require(ctx, conversationID, actor); err != nil {
		return nil, err
	}
	return s.repo.SearchMessages(ctx, conversationID, query, s.opts.SearchLimit)
}

// Get returns one message to a participant of its conversation.
func (s *MessageStore) Get(ctx context.Context, messageID, actor string) (*model.Message, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.Require(ctx, m.ConversationID, actor); err != nil {
		return nil, err
	}
	return m, nil
}

type ReadReceipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
	Changed        bool      `json:"-"`
}

// MarkRead is idempotent: the first stamp wins and repeats report Changed=false.
func (s *MessageStore) MarkRead(ctx context.Context, messageID, userID string) (ReadReceipt, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return ReadReceipt{}, err
	}
	if _, err := s.convs.Require(ctx, m.ConversationID, userID); err != nil {
		return ReadReceipt{}, err
	}
	rr := ReadReceipt{MessageID: m.ID, ConversationID: m.ConversationID, UserID: userID}
	if m.SenderID == userID && !s.opts.AllowSelfRead {
		return rr, nil
	}
	at, changed, err := s.repo.MarkRead(ctx, messageID, userID, s.now())
	if err != nil {
		return ReadReceipt{}, err
	}
	rr.ReadAt, rr.Changed = at, changed
	return rr, nil
}

// MarkConversationRead stamps every unread message from other senders.
func (s *MessageStore) MarkConversationRead(ctx context.Context, conversationID, userID string) ([]ReadReceipt, error) {
	if _, err := s.convs.Require(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	now := s.now()
	marked, err := s.repo.MarkConversationRead(ctx, conversationID, userID, now)
	if err != nil {
		return nil, err
	}
	out := make([]ReadReceipt, 0, len(marked))
	for _, id := range marked {
		out = append(out, ReadReceipt{MessageID: id, ConversationID: conversationID, UserID: userID, ReadAt: now, Changed: true})
	}
	return out, nil
}

// EditContent is limited to the sender, inside the edit window, on non-system messages.
func (s *MessageStore) EditContent(ctx context.Context, messageID, actor, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	cur, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.convs.Require(ctx, cur.ConversationID, actor); err != nil {
		return nil, err
	}
	return s.repo.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		now := s.now()
		switch {
		case m.Deleted:
			return errs.ErrMessageNotFound.WrapMsg("message deleted", "id", m.ID)
		case m.Type == model.MessageSystem:
			return errs.ErrForbidden.WrapMsg("system messages cannot be edited", "id", m.ID)
		case m.SenderID != actor:
			return errs.ErrNotSender.WrapMsg("only the sender can edit", "id", m.ID)
		case now.Sub(m.CreatedAt) > s.opts.EditWindow:
			return errs.ErrEditWindow.WrapMsg("edit window elapsed", "id", m.ID, "window", s.opts.EditWindow)
		case !model.HasBody(content, m.Attachments):
			return errs.ErrEmptyMessage.WrapMsg("content or attachments required")
		}
		m.Edit(content, now)
		return nil
	})
}

// SoftDelete blanks a message. The sender may delete; group admins may delete anyone's.
func (s *MessageStore) SoftDelete(ctx context.Context, messageID, actor string) (*model.Message, error) {
	cur, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.convs.Require(ctx, cur.ConversationID, actor)
	if err != nil {
		return nil, err
	}
	if cur.SenderID != actor && !(conv.Type == model.ConversationGroup && conv.IsAdmin(actor)) {
		return nil, errs.ErrNotSender.WrapMsg("only the sender or a group admin can delete", "id", messageID)
	}

	var released []model.Attachment
	m, err := s.repo.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		released = nil
		if m.Deleted {
			return nil
		}
		now := s.now()
		released = m.Attachments
		m.Deleted = true
		m.DeletedAt = &now
		m.Content = model.DeletedPlaceholder
		m.Attachments = nil
		m.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(released) > 0 && s.releaser != nil {
		if err := s.releaser.Release(ctx, released); err != nil {
			logger.Warn("release attachments failed", zap.String("message", messageID), zap.Error(err))
		}
	}
	return m, nil
}

// Forward copies a readable message into another conversation as a new row.
func (s *MessageStore) Forward(ctx context.Context, messageID, targetConversationID, senderID string) (*model.Message, error) {
	src, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if src.Deleted {
		return nil, errs.ErrMessageNotFound.WrapMsg("message deleted", "id", messageID)
	}
	if _, err := s.convs.Require(ctx, src.ConversationID, senderID); err != nil {
		return nil, err
	}
	return s.Create(ctx, CreateMessage{
		ConversationID: targetConversationID,
		SenderID:       senderID,
		Content:        src.Content,
		Attachments:    src.Attachments,
		ForwardedFrom:  src.ID,
	})
}

// MarkDelivered moves sent → delivered once; later calls report false.
func (s *MessageStore) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	var moved bool
	_, err := s.repo.UpdateMessage(ctx, messageID, func(m *model.Message) error {
		moved = m.Move(model.StatusDelivered, s.now())
		return nil
	})
	return moved, err
}

func (s *MessageStore) UnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	return s.repo.CountUnread(ctx, conversationID, userID)
}
