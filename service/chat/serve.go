package chat

import (
	"context"
	"time"

	"KelmahIM/logger"
	"KelmahIM/service/presence"
	"KelmahIM/tools/errs"

	"go.uber.org/zap"
)

const frameTimeout = 10 * time.Second

// serveFrame runs one inbound frame. Frames with a reqId get exactly one ack;
// failures on frames without one become an error event. Either way only the
// originating connection hears about it.
func (s *Server) serveFrame(cl *Client, sess *presence.Session, raw []byte) {
	f, err := ParseFrameJSON(raw)
	if err != nil {
		cl.Push(BuildError(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	data, err := s.dispatch(&ChatContext{Ctx: ctx, S: s, Session: sess, Client: cl}, f)
	if err != nil && errs.Code(err) == errs.ServerInternalError {
		logger.Error("ws frame failed", zap.String("type", f.Type), zap.String("user", sess.UserID), zap.Error(err))
	}
	if f.ReqID != "" {
		cl.Ack(BuildAck(f.ReqID, data, err))
		return
	}
	if err != nil {
		cl.Push(BuildError(err))
	}
}

func (s *Server) dispatch(ctx *ChatContext, f *Frame) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, errs.ErrPanic(r)
		}
	}()
	return s.disp.Dispatch(ctx, f)
}
