package chat

import (
	"encoding/json"

	"KelmahIM/service/presence"
	"KelmahIM/tools/decode"
	"KelmahIM/tools/errs"
)

// 客户端 → 服务端事件
const (
	EventJoinRoom       = "join_room"
	EventLeaveRoom      = "leave_room"
	EventSendMessage    = "send_message"
	EventMarkRead       = "mark_read"
	EventTypingStatus   = "typing_status"
	EventSearchMessages = "search_messages"
	EventUpdateStatus   = "update_status"
)

// Frame is one inbound frame: {type, reqId?, data}.
type Frame struct {
	Type  string          `json:"type"`
	ReqID string          `json:"reqId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame mirrors presence.Event with an optional reqId.
type outFrame struct {
	Type  string `json:"type"`
	ReqID string `json:"reqId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Ack answers exactly one frame carrying a reqId.
type Ack struct {
	ReqID   string `json:"reqId"`
	OK      bool   `json:"ok"`
	Code    int    `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func ParseFrameJSON(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("malformed frame", "err", err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("frame type is required")
	}
	return &f, nil
}

// Payload decodes a frame's data into T.
func Payload[T any](f *Frame) (*T, error) {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil, errs.ErrInvalidArgument.WrapMsg("data is required", "type", f.Type)
	}
	v, err := decode.JSON[T](f.Data)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad data", "type", f.Type, "err", err.Error())
	}
	return v, nil
}

func BuildAck(reqID string, data any, err error) Ack {
	if err == nil {
		return Ack{ReqID: reqID, OK: true, Data: data}
	}
	ce, msg := describe(err)
	return Ack{ReqID: reqID, Code: ce.Code, Error: ce.Msg, Message: msg}
}

func BuildError(err error) presence.Event {
	ce, msg := describe(err)
	return presence.Event{Type: presence.EventError, Data: ErrorPayload{Message: msg, Code: ce.Code}}
}

// describe hides internal details; everything else reports its detail.
func describe(err error) (errs.CodeError, string) {
	ce := errs.Response(err)
	if ce.Code == errs.ServerInternalError {
		return errs.ErrInternal, "internal error"
	}
	if ce.Detail != "" {
		return ce, ce.Detail
	}
	return ce, ce.Msg
}
