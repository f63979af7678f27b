package notify

import (
	"context"
	"encoding/json"

	"KelmahIM/tools/errs"

	"github.com/Shopify/sarama"
)

// InboxWriter is the per-user in-app queue, e.g. *storage.Inbox.
type InboxWriter interface {
	Push(ctx context.Context, user string, payload []byte) error
}

// InAppSender queues the record into the user's in-app inbox.
type InAppSender struct {
	inbox InboxWriter
}

func NewInAppSender(inbox InboxWriter) *InAppSender { return &InAppSender{inbox: inbox} }

func (s *InAppSender) Send(ctx context.Context, r *Record) error {
	b, err := json.Marshal(wireRecord(r, ChannelInApp))
	if err != nil {
		return errs.Wrap(err)
	}
	return s.inbox.Push(ctx, r.UserID, b)
}

// KafkaSender hands the record to the delivery workers of one external
// channel (push/email/sms) through a topic; the user id is the message key.
type KafkaSender struct {
	producer sarama.SyncProducer
	topic    string
	channel  Channel
}

func NewKafkaSender(p sarama.SyncProducer, topic string, ch Channel) *KafkaSender {
	return &KafkaSender{producer: p, topic: topic, channel: ch}
}

func (s *KafkaSender) Send(ctx context.Context, r *Record) error {
	b, err := json.Marshal(wireRecord(r, s.channel))
	if err != nil {
		return errs.Wrap(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(r.UserID),
		Value: sarama.ByteEncoder(b),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(r.Type)},
			{Key: []byte("record"), Value: []byte(r.ID)},
		},
	}

	// SendMessage has no context; run it aside so the channel timeout still holds
	done := make(chan error, 1)
	go func() {
		_, _, err := s.producer.SendMessage(msg)
		done <- err
	}()
	select {
	case err := <-done:
		return errs.Wrap(err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type wire struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Type      string  `json:"type"`
	Channel   Channel `json:"channel"`
	Payload   Payload `json:"payload"`
	CreatedAt int64   `json:"createdAt"`
}

func wireRecord(r *Record, ch Channel) wire {
	return wire{ID: r.ID, UserID: r.UserID, Type: r.Type, Channel: ch, Payload: r.Payload, CreatedAt: r.CreatedAt.UnixMilli()}
}
