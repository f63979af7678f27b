package natsx

import (
	"context"
	"strings"

	"KelmahIM/tools/errs"

	"github.com/nats-io/nats.go"
)

// NatsxProducer 生产端
type NatsxProducer struct{ c *NatsxClient }

func NewNatsxProducer(c *NatsxClient) *NatsxProducer { return &NatsxProducer{c: c} }

// Publish 按 Biz 路由发送；suffix 替换路由 subject 末尾的通配符
func (p *NatsxProducer) Publish(ctx context.Context, biz, suffix string, data []byte, hdr map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := p.c.route(biz)
	if !ok {
		return errs.ErrInternal.WrapMsg("route not found", "biz", biz)
	}
	subject, err := concrete(r.Subject, suffix)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	if err := p.c.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "publish failed", "subject", subject)
	}
	return nil
}

// concrete turns "kim.room.*" + "42" into "kim.room.42".
func concrete(pattern, suffix string) (string, error) {
	if !strings.HasSuffix(pattern, ".*") && !strings.HasSuffix(pattern, ".>") {
		return pattern, nil
	}
	if suffix == "" || strings.ContainsAny(suffix, ".*> \t\r\n") {
		return "", errs.ErrInvalidArgument.WrapMsg("invalid subject token", "token", suffix)
	}
	return pattern[:len(pattern)-1] + suffix, nil
}
