package chat

import (
	"context"

	"KelmahIM/module/chat/service"
	"KelmahIM/service/delivery"
	"KelmahIM/service/presence"
)

// Handler serves one client event type. The returned value becomes the ack
// data when the frame carried a reqId.
type Handler interface {
	Type() string
	Handle(ctx *ChatContext, f *Frame) (any, error)
}

// Deps are the components every handler may reach.
type Deps struct {
	Hub   *presence.Hub
	Convs *service.ConversationStore
	Msgs  *service.MessageStore
	Coord *delivery.Coordinator
}

// ChatContext is built per frame.
type ChatContext struct {
	Ctx     context.Context
	S       *Server
	Session *presence.Session
	Client  *Client
}

func (c *ChatContext) UserID() string { return c.Session.UserID }
