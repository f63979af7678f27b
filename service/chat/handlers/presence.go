package handlers

import (
	"KelmahIM/service/chat"
	"KelmahIM/service/presence"
)

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type TypingHandler struct{}

func (TypingHandler) Type() string { return chat.EventTypingStatus }

func (TypingHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	p, err := chat.Payload[typingPayload](f)
	if err != nil {
		return nil, err
	}
	if err := ctx.S.Deps().Hub.Typing(ctx.Ctx, ctx.Session, p.ConversationID, p.IsTyping); err != nil {
		return nil, err
	}
	return p, nil
}

type statusPayload struct {
	Status presence.Status `json:"status"`
}

type UpdateStatusHandler struct{}

func (UpdateStatusHandler) Type() string { return chat.EventUpdateStatus }

func (UpdateStatusHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	p, err := chat.Payload[statusPayload](f)
	if err != nil {
		return nil, err
	}
	if err := ctx.S.Deps().Hub.SetStatus(ctx.Ctx, ctx.Session, p.Status); err != nil {
		return nil, err
	}
	return p, nil
}
