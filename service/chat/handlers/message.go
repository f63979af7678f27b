package handlers

import (
	"KelmahIM/logger"
	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/service"
	"KelmahIM/service/chat"
	"KelmahIM/service/delivery"
	"KelmahIM/tools/errs"

	"go.uber.org/zap"
)

type SendMessageHandler struct{}

func (SendMessageHandler) Type() string { return chat.EventSendMessage }

// Handle stores the message first; delivery problems after that are logged
// and the ack still carries the stored message.
func (SendMessageHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	if !ctx.Client.Allow() {
		return nil, errs.ErrRateLimited.WrapMsg("too many messages, slow down", "user", ctx.UserID())
	}
	in, err := chat.Payload[service.CreateMessage](f)
	if err != nil {
		return nil, err
	}
	in.SenderID = ctx.UserID()
	in.ForwardedFrom = ""
	deps := ctx.S.Deps()
	m, err := deps.Msgs.Create(ctx.Ctx, *in)
	if err != nil {
		return nil, err
	}
	if deps.Coord != nil {
		if _, err := deps.Coord.Deliver(ctx.Ctx, m); err != nil {
			logger.Warn("deliver failed", zap.String("message", m.ID), zap.Error(err))
		}
	}
	return m, nil
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type conversationRead struct {
	ConversationID string                `json:"conversationId"`
	Marked         int                   `json:"marked"`
	Receipts       []service.ReadReceipt `json:"receipts"`
}

type MarkReadHandler struct{}

func (MarkReadHandler) Type() string { return chat.EventMarkRead }

// Handle marks one message, or every unread message of the conversation when
// messageId is absent. Receipts are announced only the first time.
func (MarkReadHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	p, err := chat.Payload[markReadPayload](f)
	if err != nil {
		return nil, err
	}
	deps := ctx.S.Deps()
	if p.MessageID == "" {
		if p.ConversationID == "" {
			return nil, errs.ErrInvalidArgument.WrapMsg("messageId or conversationId is required")
		}
		rs, err := deps.Msgs.MarkConversationRead(ctx.Ctx, p.ConversationID, ctx.UserID())
		if err != nil {
			return nil, err
		}
		announce(ctx, p.ConversationID, rs...)
		return conversationRead{ConversationID: p.ConversationID, Marked: len(rs), Receipts: rs}, nil
	}
	r, err := deps.Msgs.MarkRead(ctx.Ctx, p.MessageID, ctx.UserID())
	if err != nil {
		return nil, err
	}
	if r.Changed {
		announce(ctx, r.ConversationID, r)
	}
	return r, nil
}

func announce(ctx *chat.ChatContext, conversationID string, rs ...service.ReadReceipt) {
	deps := ctx.S.Deps()
	if deps.Coord == nil || len(rs) == 0 {
		return
	}
	conv, err := deps.Convs.Require(ctx.Ctx, conversationID, ctx.UserID())
	if err != nil {
		return
	}
	reads := make([]delivery.MessageRead, 0, len(rs))
	for _, r := range rs {
		reads = append(reads, delivery.MessageRead{
			MessageID:      r.MessageID,
			ConversationID: r.ConversationID,
			UserID:         r.UserID,
			ReadAt:         r.ReadAt,
		})
	}
	deps.Coord.AnnounceRead(ctx.Ctx, conv, reads...)
}

type searchPayload struct {
	ConversationID string `json:"conversationId"`
	Query          string `json:"query"`
}

type searchResult struct {
	ConversationID string           `json:"conversationId"`
	Query          string           `json:"query"`
	Items          []*model.Message `json:"items"`
}

type SearchMessagesHandler struct{}

func (SearchMessagesHandler) Type() string { return chat.EventSearchMessages }

func (SearchMessagesHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	p, err := chat.Payload[searchPayload](f)
	if err != nil {
		return nil, err
	}
	items, err := ctx.S.Deps().Msgs.SearchByContent(ctx.Ctx, p.ConversationID, ctx.UserID(), p.Query)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.Message{}
	}
	return searchResult{ConversationID: p.ConversationID, Query: p.Query, Items: items}, nil
}
