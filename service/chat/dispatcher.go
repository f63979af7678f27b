package chat

import (
	"github.com/golang/glog"

	"KelmahIM/tools/errs"
)

type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

func (d *Dispatcher) Dispatch(ctx *ChatContext, f *Frame) (any, error) {
	h := d.GetHandler(f.Type)
	if h == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("unknown event", "type", f.Type)
	}
	return h.Handle(ctx, f)
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	h, ok := d.handlers[typ]
	if !ok {
		glog.Infof("no handler for type=%v", typ)
		return nil
	}
	return h
}
