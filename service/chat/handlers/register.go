package handlers

import "KelmahIM/service/chat"

// All returns every client event handler.
func All() []chat.Handler {
	return []chat.Handler{
		JoinRoomHandler{},
		LeaveRoomHandler{},
		SendMessageHandler{},
		MarkReadHandler{},
		TypingHandler{},
		SearchMessagesHandler{},
		UpdateStatusHandler{},
	}
}
