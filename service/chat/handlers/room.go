package handlers

import (
	"KelmahIM/service/chat"
)

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type JoinRoomHandler struct{}

func (JoinRoomHandler) Type() string { return chat.EventJoinRoom }

// Handle re-checks participation through the hub on every join.
func (JoinRoomHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	p, err := chat.Payload[roomPayload](f)
	if err != nil {
		return nil, err
	}
	if err := ctx.S.Deps().Hub.JoinRoom(ctx.Ctx, ctx.Session, p.ConversationID); err != nil {
		return nil, err
	}
	return p, nil
}

type LeaveRoomHandler struct{}

func (LeaveRoomHandler) Type() string { return chat.EventLeaveRoom }

func (LeaveRoomHandler) Handle(ctx *chat.ChatContext, f *chat.Frame) (any, error) {
	p, err := chat.Payload[roomPayload](f)
	if err != nil {
		return nil, err
	}
	ctx.S.Deps().Hub.LeaveRoom(ctx.Ctx, ctx.Session, p.ConversationID)
	return p, nil
}
