package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"KelmahIM/logger"
	"KelmahIM/module/chat/model"
	"KelmahIM/service/notify"
	"KelmahIM/service/presence"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const attachmentFallback = "Sent an attachment"

// Summarizer applies a message to its conversation summary and returns the
// conversation as it stands afterwards.
type Summarizer interface {
	UpdateLastMessage(ctx context.Context, m *model.Message) (*model.Conversation, error)
}

// Rooms is the live fan-out side, normally *presence.Hub.
type Rooms interface {
	Publish(ctx context.Context, ev presence.RoomEvent) []string
	RoomUsers(ctx context.Context, conversationID string) []string
}

type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, messageID string) (bool, error)
}

// Notifier is the notification contract.
type Notifier interface {
	SendNotification(ctx context.Context, req notify.Request) (*notify.Record, error)
}

type Options struct {
	Timeout     time.Duration // bound on each notification call
	Concurrency int           // parallel notification calls per message
}

type NewMessage struct {
	Message        *model.Message `json:"message"`
	ConversationID string         `json:"conversationId"`
}

// Report describes what one Deliver call did.
type Report struct {
	Broadcast []string         // users reached through the room
	Delivered bool             // message moved sent → delivered
	Notified  []*notify.Record // one per offline participant
}

type Coordinator struct {
	summary  Summarizer
	rooms    Rooms
	marker   DeliveryMarker
	notifier Notifier
	opts     Options
}

func NewCoordinator(summary Summarizer, rooms Rooms, marker DeliveryMarker, notifier Notifier, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	return &Coordinator{summary: summary, rooms: rooms, marker: marker, notifier: notifier, opts: opts}
}

// Deliver runs after a message is stored. Only the summary step can fail the
// call; broadcast and notification problems are logged and reported.
func (c *Coordinator) Deliver(ctx context.Context, m *model.Message) (*Report, error) {
	// 1. summary (idempotent when the insert already applied it); yields current participants
	conv, err := c.summary.UpdateLastMessage(ctx, m)
	if err != nil {
		return nil, err
	}
	participants := conv.Participants.Slice()

	// 2. room broadcast to users who are still participants
	rep := &Report{}
	rep.Broadcast = c.rooms.Publish(ctx, presence.RoomEvent{
		ConversationID: m.ConversationID,
		Event:          presence.Event{Type: presence.EventNewMessage, Data: NewMessage{Message: m, ConversationID: m.ConversationID}},
		Allow:          participants,
	})
	if c.marker != nil && reachedOther(rep.Broadcast, m.SenderID) {
		moved, err := c.marker.MarkDelivered(ctx, m.ID)
		if err != nil {
			logger.Warn("mark delivered failed", zap.String("message", m.ID), zap.Error(err))
		}
		rep.Delivered = moved
	}

	// 3. notify participants with no connection in the room; system notices only go live
	if c.notifier == nil || m.Type == model.MessageSystem {
		return rep, nil
	}
	inRoom := make(map[string]struct{})
	for _, id := range c.rooms.RoomUsers(ctx, m.ConversationID) {
		inRoom[id] = struct{}{}
	}
	var offline []string
	for _, id := range participants {
		if _, ok := inRoom[id]; ok || id == m.SenderID {
			continue
		}
		offline = append(offline, id)
	}
	sort.Strings(offline)
	rep.Notified = c.notifyAll(ctx, conv, m, offline)
	return rep, nil
}

func reachedOther(users []string, sender string) bool {
	for _, u := range users {
		if u != sender {
			return true
		}
	}
	return false
}

// notifyAll calls the notifier once per user; each call has its own timeout
// and a failing call never cancels the others.
func (c *Coordinator) notifyAll(ctx context.Context, conv *model.Conversation, m *model.Message, users []string) []*notify.Record {
	if len(users) == 0 {
		return nil
	}
	payload := Payload(m)
	var (
		mu  sync.Mutex
		out []*notify.Record
		g   errgroup.Group
	)
	g.SetLimit(c.opts.Concurrency)
	for _, uid := range users {
		uid := uid
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
			defer cancel()
			rec, err := c.notifier.SendNotification(cctx, notify.Request{
				UserID:   uid,
				Type:     notify.TypeMessageReceived,
				Payload:  payload,
				Suppress: conv.MutedBy.Contains(uid),
			})
			if err != nil {
				logger.Warn("notification failed", zap.String("user", uid), zap.String("message", m.ID), zap.Error(err))
			}
			if rec != nil {
				mu.Lock()
				out = append(out, rec)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Payload is the message_received notification body for m.
func Payload(m *model.Message) notify.Payload {
	content := m.Content
	if content == "" && len(m.Attachments) > 0 {
		content = attachmentFallback
	}
	return notify.Payload{
		Title:     fmt.Sprintf("New message from %s", m.SenderID),
		Content:   content,
		ActionURL: "/messages/" + m.ConversationID,
		Data: map[string]any{
			"conversationId": m.ConversationID,
			"messageId":      m.ID,
			"senderId":       m.SenderID,
		},
	}
}

type MessageRead struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// AnnounceRead sends one message_read per receipt to the conversation room.
func (c *Coordinator) AnnounceRead(ctx context.Context, conv *model.Conversation, reads ...MessageRead) {
	for _, r := range reads {
		c.Announce(ctx, conv, presence.Event{Type: presence.EventMessageRead, Data: r})
	}
}

// Announce broadcasts a non-message event to a conversation's room, limited
// to its current participants.
func (c *Coordinator) Announce(ctx context.Context, conv *model.Conversation, ev presence.Event) []string {
	if conv == nil {
		return nil
	}
	return c.rooms.Publish(ctx, presence.RoomEvent{ConversationID: conv.ID, Event: ev, Allow: conv.Participants.Slice()})
}
