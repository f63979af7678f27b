package chat

import (
	"errors"
	"testing"

	"KelmahIM/service/presence"
	"KelmahIM/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrameJSON(t *testing.T) {
	f, err := ParseFrameJSON([]byte(`{"type":"join_room","reqId":"1","data":{"conversationId":"c1"}}`))
	require.NoError(t, err)
	assert.Equal(t, EventJoinRoom, f.Type)
	assert.Equal(t, "1", f.ReqID)

	p, err := Payload[struct {
		ConversationID string `json:"conversationId"`
	}](f)
	require.NoError(t, err)
	assert.Equal(t, "c1", p.ConversationID)

	_, err = ParseFrameJSON([]byte(`{"reqId":"1"}`))
	assert.True(t, errs.Is(err, errs.ErrInvalidArgument))
	_, err = ParseFrameJSON([]byte(`{{`))
	assert.True(t, errs.Is(err, errs.ErrInvalidArgument))
}

func TestBuildAck(t *testing.T) {
	a := BuildAck("r", "data", nil)
	assert.True(t, a.OK)
	assert.Equal(t, "data", a.Data)

	a = BuildAck("r", nil, errs.ErrNotParticipant.WrapMsg("not a participant"))
	assert.False(t, a.OK)
	assert.Equal(t, errs.NotParticipantError, a.Code)
	assert.Equal(t, "NotParticipant", a.Error)
	assert.Equal(t, "not a participant", a.Message)

	a = BuildAck("r", nil, errors.New("mongo: connection refused"))
	assert.Equal(t, errs.ServerInternalError, a.Code)
	assert.Equal(t, "internal error", a.Message)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	c := NewClient("c1", nil, 1, 0)
	assert.True(t, c.Push(presence.Event{Type: presence.EventTyping}))
	assert.False(t, c.Push(presence.Event{Type: presence.EventTyping}))
	assert.Equal(t, CloseSlowConsumer, c.code)
	assert.False(t, c.Push(presence.Event{Type: presence.EventTyping}), "closed client accepts nothing")
}

func TestClientRateLimit(t *testing.T) {
	c := NewClient("c1", nil, 1, 2)
	assert.True(t, c.Allow())
	assert.True(t, c.Allow())
	assert.False(t, c.Allow())

	assert.True(t, NewClient("c2", nil, 1, 0).Allow())
}

func TestConnManager(t *testing.T) {
	m := NewConnManager()
	a, b := NewClient("a", nil, 1, 0), NewClient("b", nil, 1, 0)
	a.UserID, b.UserID = "u1", "u1"
	m.Add(a)
	m.Add(b)
	assert.Equal(t, 2, m.Len())
	assert.Len(t, m.UserConns("u1"), 2)

	m.Remove("a")
	assert.Nil(t, m.Get("a"))
	assert.Len(t, m.UserConns("u1"), 1)

	m.CloseAll("bye")
	assert.False(t, b.Push(presence.Event{Type: presence.EventTyping}))
}

type echo struct{}

func (echo) Type() string { return "echo" }
func (echo) Handle(_ *ChatContext, f *Frame) (any, error) {
	return string(f.Data), nil
}

func TestDispatcher(t *testing.T) {
	d := NewDispatcher()
	d.Register(echo{})
	out, err := d.Dispatch(&ChatContext{}, &Frame{Type: "echo", Data: []byte(`1`)})
	require.NoError(t, err)
	assert.Equal(t, "1", out)

	_, err = d.Dispatch(&ChatContext{}, &Frame{Type: "nope"})
	assert.True(t, errs.Is(err, errs.ErrInvalidArgument))
	assert.Nil(t, d.GetHandler("nope"))
}
