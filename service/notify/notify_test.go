package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"KelmahIM/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcSender func(ctx context.Context, r *Record) error

func (f funcSender) Send(ctx context.Context, r *Record) error { return f(ctx, r) }

type staticPrefs map[string]map[string]bool

func (p staticPrefs) Channels(_ context.Context, user string) (map[string]bool, error) {
	return p[user], nil
}

type memInbox struct {
	mu  sync.Mutex
	got map[string][][]byte
}

func (m *memInbox) Push(_ context.Context, user string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.got == nil {
		m.got = map[string][][]byte{}
	}
	m.got[user] = append(m.got[user], payload)
	return nil
}

func ok() Sender { return funcSender(func(context.Context, *Record) error { return nil }) }

func TestSendNotificationPartialDelivery(t *testing.T) {
	ctx := context.Background()
	records := NewMemoryRecords(0)
	n := NewNotifier(map[Channel]Sender{
		ChannelInApp: ok(),
		ChannelPush:  funcSender(func(context.Context, *Record) error { return errors.New("provider down") }),
		ChannelEmail: ok(),
	}, records, nil, Options{DefaultChannels: []Channel{ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS}})

	rec, err := n.SendNotification(ctx, Request{UserID: "u2", Type: TypeMessageReceived, Payload: Payload{Title: "New message from u1"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, rec.Channels[ChannelInApp].Status)
	assert.Equal(t, StatusSent, rec.Channels[ChannelEmail].Status)
	assert.Equal(t, StatusFailed, rec.Channels[ChannelPush].Status)
	assert.Contains(t, rec.Channels[ChannelPush].Error, "provider down")
	// no sender configured for sms
	assert.Equal(t, StatusFailed, rec.Channels[ChannelSMS].Status)
	assert.Equal(t, []Channel{ChannelPush, ChannelSMS}, rec.Failed())

	hist, err := n.History(ctx, "u2", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, rec.ID, hist[0].ID)
}

func TestSlowChannelIsBounded(t *testing.T) {
	ctx := context.Background()
	n := NewNotifier(map[Channel]Sender{
		ChannelInApp: ok(),
		ChannelPush: funcSender(func(ctx context.Context, _ *Record) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}, nil, nil, Options{Timeout: 30 * time.Millisecond})

	start := time.Now()
	rec, err := n.SendNotification(ctx, Request{UserID: "u2", Type: TypeMessageReceived})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusSent, rec.Channels[ChannelInApp].Status)
	assert.Equal(t, StatusFailed, rec.Channels[ChannelPush].Status)
}

func TestSuppressedRecordsWithoutSending(t *testing.T) {
	var calls int
	n := NewNotifier(map[Channel]Sender{
		ChannelInApp: funcSender(func(context.Context, *Record) error { calls++; return nil }),
		ChannelPush:  funcSender(func(context.Context, *Record) error { calls++; return nil }),
	}, nil, nil, Options{})

	rec, err := n.SendNotification(context.Background(), Request{UserID: "u2", Type: TypeMessageReceived, Suppress: true})
	require.NoError(t, err)
	assert.Zero(t, calls)
	require.Len(t, rec.Channels, 2)
	for _, res := range rec.Channels {
		assert.Equal(t, StatusSuppressed, res.Status)
	}
}

func TestPreferencesOverrideDefaults(t *testing.T) {
	prefs := staticPrefs{"u2": {"push": false, "email": true, "fax": true}}
	n := NewNotifier(map[Channel]Sender{ChannelInApp: ok(), ChannelEmail: ok()}, nil, prefs, Options{})

	rec, err := n.SendNotification(context.Background(), Request{UserID: "u2", Type: TypeMessageReceived})
	require.NoError(t, err)
	assert.Len(t, rec.Channels, 2)
	assert.Contains(t, rec.Channels, ChannelInApp)
	assert.Contains(t, rec.Channels, ChannelEmail)
	assert.NotContains(t, rec.Channels, ChannelPush)
}

func TestSendNotificationValidates(t *testing.T) {
	n := NewNotifier(nil, nil, nil, Options{})
	_, err := n.SendNotification(context.Background(), Request{Type: TypeMessageReceived})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestInAppSender(t *testing.T) {
	box := &memInbox{}
	rec := &Record{ID: "r1", UserID: "u2", Type: TypeMessageReceived, Payload: Payload{Title: "hi", ActionURL: "/messages/c1"}, CreatedAt: time.Now()}
	require.NoError(t, NewInAppSender(box).Send(context.Background(), rec))

	require.Len(t, box.got["u2"], 1)
	var w wire
	require.NoError(t, json.Unmarshal(box.got["u2"][0], &w))
	assert.Equal(t, ChannelInApp, w.Channel)
	assert.Equal(t, "/messages/c1", w.Payload.ActionURL)
}

func TestKafkaSender(t *testing.T) {
	p := mocks.NewSyncProducer(t, nil)
	defer func() { assert.NoError(t, p.Close()) }()

	p.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var w wire
		if err := json.Unmarshal(val, &w); err != nil {
			return err
		}
		if w.Channel != ChannelEmail || w.UserID != "u2" {
			return errors.New("unexpected record")
		}
		return nil
	})
	p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	s := NewKafkaSender(p, "kim.notify.email", ChannelEmail)
	rec := &Record{ID: "r1", UserID: "u2", Type: TypeMessageReceived, CreatedAt: time.Now()}
	assert.NoError(t, s.Send(context.Background(), rec))
	assert.ErrorIs(t, s.Send(context.Background(), rec), sarama.ErrOutOfBrokers)
}

func TestMemoryRecordsCap(t *testing.T) {
	m := NewMemoryRecords(2)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Save(ctx, &Record{ID: id, UserID: "u"}))
	}
	got, err := m.ListByUser(ctx, "u", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
