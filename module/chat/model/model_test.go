package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestUserSet(t *testing.T) {
	s := NewUserSet("a", "b", "a", "")
	assert.Equal(t, []string{"a", "b"}, s.Slice())
	assert.True(t, s.Contains("b"))
	assert.False(t, s.Add("b"))
	assert.True(t, s.Add("c"))

	clone := s.Clone()
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.Equal(t, []string{"b", "c"}, s.Slice())
	assert.Equal(t, []string{"a", "b", "c"}, clone.Slice())

	first, ok := clone.First(func(id string) bool { return id != "a" })
	assert.True(t, ok)
	assert.Equal(t, "b", first)

	assert.True(t, NewUserSet("x", "y").Equal(NewUserSet("y", "x")))
	assert.False(t, NewUserSet("x", "y").Equal(NewUserSet("x")))
}

func TestUserSetEncoding(t *testing.T) {
	type doc struct {
		Members UserSet `bson:"members" json:"members"`
	}
	in := doc{Members: NewUserSet("u2", "u1")}

	j, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"members":["u2","u1"]}`, string(j))
	var outJ doc
	require.NoError(t, json.Unmarshal(j, &outJ))
	assert.True(t, outJ.Members.Contains("u1"))

	b, err := bson.Marshal(in)
	require.NoError(t, err)
	var outB doc
	require.NoError(t, bson.Unmarshal(b, &outB))
	assert.Equal(t, []string{"u2", "u1"}, outB.Members.Slice())

	empty, err := json.Marshal(doc{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"members":[]}`, string(empty))
}

func TestDirectKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DirectKey("u1", "u2"), DirectKey("u2", "u1"))
	assert.NotEqual(t, DirectKey("a:b", "c"), DirectKey("a", "b:c"))
	assert.NotEqual(t, DirectKey("x:1", "y"), DirectKey("x", "1:y"))
}

func TestConversationApply(t *testing.T) {
	now := time.Now()
	c := &Conversation{}
	assert.True(t, c.Apply(LastMessage{MessageID: "2", At: now, Preview: "b"}))
	assert.False(t, c.Apply(LastMessage{MessageID: "1", At: now.Add(-time.Second), Preview: "a"}))
	assert.False(t, c.Apply(LastMessage{MessageID: "2", At: now, Preview: "b"}))
	assert.True(t, c.Apply(LastMessage{MessageID: "3", At: now.Add(time.Second), Preview: "c"}))
	assert.Equal(t, "c", c.LastMessagePreview)
}

func TestMessageStatusMachine(t *testing.T) {
	now := time.Now()
	m := &Message{Status: StatusSending}
	assert.False(t, m.Move(StatusDelivered, now))
	assert.True(t, m.Move(StatusSent, now))
	assert.True(t, m.Move(StatusDelivered, now))
	first := *m.DeliveredAt
	assert.False(t, m.Move(StatusDelivered, now.Add(time.Minute)))
	assert.False(t, m.Move(StatusFailed, now))
	assert.Equal(t, first, *m.DeliveredAt)
}

func TestEditKeepsHistory(t *testing.T) {
	m := &Message{Content: "v0"}
	for i := 1; i <= 3; i++ {
		prev := m.Content
		m.Edit(strings.Repeat("v", 1)+string(rune('0'+i)), time.Now())
		require.Len(t, m.EditHistory, i)
		assert.Equal(t, prev, m.EditHistory[i-1].Content)
	}
	assert.Equal(t, "v3", m.Content)
	assert.True(t, m.Edited)
}

func TestMarkReadKeepsFirstStamp(t *testing.T) {
	m := &Message{}
	t1 := time.Now()
	at, changed := m.MarkRead("u2", t1)
	assert.True(t, changed)
	at2, changed := m.MarkRead("u2", t1.Add(time.Hour))
	assert.False(t, changed)
	assert.Equal(t, at, at2)
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("x", 150)
	p := Preview(&Message{Content: long}, 100)
	assert.Len(t, p, 100)
	assert.True(t, strings.HasSuffix(p, "..."))

	assert.Equal(t, "hello", Preview(&Message{Content: " hello "}, 100))
	assert.Equal(t, "[image] cat.png", Preview(&Message{Attachments: []Attachment{{Name: "cat.png", MimeType: "image/png"}}}, 100))
}

func TestBodyAndType(t *testing.T) {
	assert.False(t, HasBody("  ", nil))
	assert.True(t, HasBody("", []Attachment{{URL: "u", Name: "n"}}))
	assert.Error(t, ValidateAttachments([]Attachment{{URL: "u"}}))
	assert.Equal(t, MessageImage, TypeFor("", []Attachment{{MimeType: "image/jpeg"}}))
	assert.Equal(t, MessageFile, TypeFor("", []Attachment{{MimeType: "application/pdf"}}))
	assert.Equal(t, MessageText, TypeFor("hi", nil))
}

func TestPageNormalize(t *testing.T) {
	p := Page{Page: 0, Limit: 500}.Normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, MaxPageLimit, p.Limit)
	assert.Equal(t, int64(100), Page{Page: 3, Limit: 50}.Normalize().Skip())
}
