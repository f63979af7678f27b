package natsx

import (
	"context"
	"encoding/json"

	"KelmahIM/service/presence"
	"KelmahIM/tools/errs"
)

const (
	BizRoom     = "chat.room"
	RoomSubject = "kim.room.*"
)

// RoomReceiver is the local side of the bus, normally *presence.Hub.
type RoomReceiver interface {
	Receive(ev presence.RoomEvent)
}

// RoomBus relays room broadcasts between replicas over core NATS.
// Delivery is best effort; clients recover missed events through paging.
type RoomBus struct {
	nodeID   string
	producer *NatsxProducer
	consumer *NatsxConsumer
}

func NewRoomBus(c *NatsxClient, nodeID string) (*RoomBus, error) {
	if err := c.RegisterRoute(NatsxRoute{Biz: BizRoom, Subject: RoomSubject}); err != nil {
		return nil, err
	}
	return &RoomBus{
		nodeID:   nodeID,
		producer: NewNatsxProducer(c),
		consumer: NewNatsxConsumer(c, Recover(), SkipOrigin(nodeID)),
	}, nil
}

// PublishRoom implements presence.Bus.
func (b *RoomBus) PublishRoom(ctx context.Context, ev presence.RoomEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.WrapMsg(err, "encode room event")
	}
	return b.producer.Publish(ctx, BizRoom, ev.ConversationID, data, map[string]string{HeaderOrigin: b.nodeID})
}

// Start subscribes every replica (no queue group) and hands events to r.
func (b *RoomBus) Start(r RoomReceiver) error {
	return b.consumer.Subscribe(BizRoom, RoomHandler(r))
}

// RoomHandler decodes a bus message into a room event for r.
func RoomHandler(r RoomReceiver) NatsxHandler {
	return func(_ context.Context, msg NatsxMessage) error {
		var ev presence.RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return errs.ErrInvalidArgument.WrapMsg("bad room event", "subject", msg.Subject, "err", err)
		}
		if ev.ConversationID == "" {
			return errs.ErrInvalidArgument.WrapMsg("room event without conversation", "subject", msg.Subject)
		}
		r.Receive(ev)
		return nil
	}
}
