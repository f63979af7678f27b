package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"KelmahIM/middleware"
	"KelmahIM/middleware/security"
	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/service"
	"KelmahIM/module/chat/store"
	"KelmahIM/service/delivery"
	"KelmahIM/service/notify"
	"KelmahIM/service/presence"
	"KelmahIM/tools/errs"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokens are "ok:<userId>"
type tokens struct{}

func (tokens) VerifyToken(token string) (string, error) {
	if id, ok := strings.CutPrefix(token, "ok:"); ok && id != "" {
		return id, nil
	}
	return "", errs.ErrTokenInvalid.Wrap()
}

type sink struct {
	mu     sync.Mutex
	events []presence.Event
}

func (s *sink) Push(ev presence.Event) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return true
}

func (s *sink) Close(int, string) {}

func (s *sink) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	engine   *gin.Engine
	hub      *presence.Hub
	convs    *service.ConversationStore
	notifier *notify.Notifier
}

func newHarness(t *testing.T) *harness {
	gin.SetMode(gin.TestMode)
	repo := store.NewMemory()
	convs := service.NewConversationStore(repo, service.ConversationOptions{})
	msgs := service.NewMessageStore(repo, convs, nil, service.MessageOptions{})
	hub := presence.NewHub(tokens{}, convs, presence.HubConf{NodeID: "test"})
	t.Cleanup(func() { hub.Close(context.Background()) })
	ok := senderFunc(func(context.Context, *notify.Record) error { return nil })
	n := notify.NewNotifier(map[notify.Channel]notify.Sender{notify.ChannelInApp: ok, notify.ChannelPush: ok},
		notify.NewMemoryRecords(0), nil, notify.Options{})
	coord := delivery.NewCoordinator(convs, hub, msgs, n, delivery.Options{})

	r := gin.New()
	api := New(convs, msgs, coord, hub, n)
	api.Register(middleware.NewRouter(r.Group("/api"), security.Middleware(tokens{}, nil)))
	return &harness{t: t, engine: r, hub: hub, convs: convs, notifier: n}
}

type senderFunc func(ctx context.Context, r *notify.Record) error

func (f senderFunc) Send(ctx context.Context, r *notify.Record) error { return f(ctx, r) }

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Detail string          `json:"detail"`
	Data   json.RawMessage `json:"data"`
}

func (h *harness) do(user, method, path string, body any) (int, envelope) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer ok:"+user)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	var env envelope
	require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

type convOut struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Participants []string `json:"participants"`
	AdminUserIDs []string `json:"adminUserIds"`
	UnreadCount  int64    `json:"unreadCount"`
	IsArchived   bool     `json:"isArchived"`
	IsMuted      bool     `json:"isMuted"`
	Other        *struct {
		UserID string `json:"userId"`
		Online bool   `json:"online"`
	} `json:"otherParticipant"`
}

func TestRequiresToken(t *testing.T) {
	h := newHarness(t)
	code, env := h.do("", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, errs.TokenMissingError, env.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDirectConversationFlow(t *testing.T) {
	h := newHarness(t)

	code, env := h.do("u1", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u2"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, 0, env.Code)
	assert.Equal(t, "ok", env.Msg)
	conv := decode[convOut](t, env.Data)
	assert.Equal(t, "direct", conv.Type)
	require.NotNil(t, conv.Other)
	assert.Equal(t, "u2", conv.Other.UserID)

	// idempotent
	code, env = h.do("u2", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, conv.ID, decode[convOut](t, env.Data).ID)

	code, env = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", gin.H{"content": "hello there"})
	require.Equal(t, http.StatusCreated, code)
	msg := decode[model.Message](t, env.Data)
	assert.Equal(t, "hello there", msg.Content)

	code, env = h.do("u2", http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[struct {
		Items []convOut `json:"items"`
		Total int64     `json:"total"`
	}](t, env.Data)
	require.Len(t, list.Items, 1)
	assert.Equal(t, int64(1), list.Items[0].UnreadCount)

	code, env = h.do("u2", http.MethodPost, "/api/conversations/"+conv.ID+"/read", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, decode[struct {
		Marked int `json:"marked"`
	}](t, env.Data).Marked)

	code, env = h.do("u2", http.MethodGet, "/api/conversations/"+conv.ID+"/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	page := decode[model.MessagePage](t, env.Data)
	require.Len(t, page.Items, 1)
	assert.Contains(t, page.Items[0].ReadStatus, "u2")

	// offline recipient got a notification record
	hist, err := h.notifier.History(context.Background(), "u2", 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestOutsiderIsForbidden(t *testing.T) {
	h := newHarness(t)
	_, env := h.do("u1", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u2"})
	conv := decode[convOut](t, env.Data)

	code, env := h.do("u3", http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, errs.NotParticipantError, env.Code)

	code, _ = h.do("u3", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = h.do("u1", http.MethodGet, "/api/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, env.Detail)
}

func TestMessageValidation(t *testing.T) {
	h := newHarness(t)
	_, env := h.do("u1", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u2"})
	conv := decode[convOut](t, env.Data)

	code, env := h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", gin.H{"content": "   "})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, errs.EmptyMessageError, env.Code)

	code, _ = h.do("u1", http.MethodGet, "/api/conversations/"+conv.ID+"/search?query=a", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do("u1", http.MethodGet, "/api/conversations/"+conv.ID+"/messages?before=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEditDeleteForward(t *testing.T) {
	h := newHarness(t)
	_, env := h.do("u1", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u2"})
	conv := decode[convOut](t, env.Data)
	_, env = h.do("u1", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u3"})
	other := decode[convOut](t, env.Data)
	_, env = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", gin.H{"content": "draft"})
	msg := decode[model.Message](t, env.Data)

	code, _ := h.do("u2", http.MethodPut, "/api/messages/"+msg.ID, gin.H{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env = h.do("u1", http.MethodPut, "/api/messages/"+msg.ID, gin.H{"content": "final"})
	require.Equal(t, http.StatusOK, code)
	edited := decode[model.Message](t, env.Data)
	assert.Equal(t, "final", edited.Content)
	require.Len(t, edited.EditHistory, 1)
	assert.Equal(t, "draft", edited.EditHistory[0].Content)

	code, env = h.do("u1", http.MethodPost, "/api/messages/"+msg.ID+"/forward", gin.H{"conversationId": other.ID})
	require.Equal(t, http.StatusCreated, code)
	fwd := decode[model.Message](t, env.Data)
	assert.Equal(t, other.ID, fwd.ConversationID)
	assert.Equal(t, msg.ID, fwd.ForwardedFrom)

	code, env = h.do("u1", http.MethodDelete, "/api/messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.DeletedPlaceholder, decode[model.Message](t, env.Data).Content)
}

func TestGroupMembershipAndEviction(t *testing.T) {
	h := newHarness(t)
	code, env := h.do("u1", http.MethodPost, "/api/conversations/group", gin.H{"title": "Roof job", "participantIds": []string{"u2", "u3"}})
	require.Equal(t, http.StatusCreated, code)
	conv := decode[convOut](t, env.Data)
	assert.Equal(t, []string{"u1"}, conv.AdminUserIDs)

	// u3 is live in the room
	s3 := &sink{}
	sess, err := h.hub.Connect(context.Background(), "ok:u3", s3)
	require.NoError(t, err)
	require.NoError(t, h.hub.JoinRoom(context.Background(), sess, conv.ID))

	code, _ = h.do("u2", http.MethodDelete, "/api/conversations/"+conv.ID+"/participants/u3", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do("u1", http.MethodDelete, "/api/conversations/"+conv.ID+"/participants/u3", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, h.hub.InRoom(sess, conv.ID))

	before := s3.count(presence.EventNewMessage)
	code, _ = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", gin.H{"content": "after"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, before, s3.count(presence.EventNewMessage))

	code, env = h.do("u1", http.MethodPut, "/api/conversations/"+conv.ID+"/participants/u2/role", gin.H{"role": "admin"})
	require.Equal(t, http.StatusOK, code)
	assert.ElementsMatch(t, []string{"u1", "u2"}, decode[convOut](t, env.Data).AdminUserIDs)

	code, _ = h.do("u1", http.MethodPut, "/api/conversations/"+conv.ID+"/participants/u2/role", gin.H{"role": "owner"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = h.do("u2", http.MethodPost, "/api/conversations/"+conv.ID+"/participants", gin.H{"userId": "u4"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, decode[convOut](t, env.Data).Participants, "u4")
}

func TestArchiveAndMute(t *testing.T) {
	h := newHarness(t)
	_, env := h.do("u1", http.MethodPost, "/api/conversations/direct", gin.H{"participantId": "u2"})
	conv := decode[convOut](t, env.Data)

	code, env := h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[convOut](t, env.Data).IsArchived)

	_, env = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/mute", nil)
	got := decode[convOut](t, env.Data)
	assert.True(t, got.IsMuted)
	assert.True(t, got.IsArchived)

	_, env = h.do("u1", http.MethodGet, "/api/conversations?archived=true", nil)
	assert.Len(t, decode[struct {
		Items []convOut `json:"items"`
	}](t, env.Data).Items, 1)

	_, env = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/unarchive", nil)
	assert.False(t, decode[convOut](t, env.Data).IsArchived)
	_, env = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/unmute", nil)
	assert.False(t, decode[convOut](t, env.Data).IsMuted)
}

func TestJobConversationNeedsAParty(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do("u9", http.MethodPost, "/api/conversations/job", gin.H{"jobId": "j1", "hirerId": "u1", "workerId": "u2"})
	assert.Equal(t, http.StatusForbidden, code)

	code, env := h.do("u1", http.MethodPost, "/api/conversations/job", gin.H{"jobId": "j1", "hirerId": "u1", "workerId": "u2", "title": "Fix sink"})
	require.Equal(t, http.StatusCreated, code)
	first := decode[convOut](t, env.Data)
	code, env = h.do("u2", http.MethodPost, "/api/conversations/job", gin.H{"jobId": "j1", "hirerId": "u1", "workerId": "u2"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, first.ID, decode[convOut](t, env.Data).ID)
}

func TestGetMessageAndParticipants(t *testing.T) {
	h := newHarness(t)
	_, env := h.do("u1", http.MethodPost, "/api/conversations/group", gin.H{"title": "Crew", "participantIds": []string{"u2"}})
	conv := decode[convOut](t, env.Data)
	_, env = h.do("u1", http.MethodPost, "/api/conversations/"+conv.ID+"/messages", gin.H{"content": "morning"})
	msg := decode[model.Message](t, env.Data)

	code, env := h.do("u2", http.MethodGet, "/api/messages/"+msg.ID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "morning", decode[model.Message](t, env.Data).Content)

	code, _ = h.do("u3", http.MethodGet, "/api/messages/"+msg.ID, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = h.do("u1", http.MethodGet, "/api/messages/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)

	_, err := h.hub.Connect(context.Background(), "ok:u2", &sink{})
	require.NoError(t, err)

	code, env = h.do("u1", http.MethodGet, "/api/conversations/"+conv.ID+"/participants", nil)
	require.Equal(t, http.StatusOK, code)
	members := decode[[]struct {
		UserID  string `json:"userId"`
		IsAdmin bool   `json:"isAdmin"`
		Online  bool   `json:"online"`
	}](t, env.Data)
	require.Len(t, members, 2)
	assert.Equal(t, "u1", members[0].UserID)
	assert.True(t, members[0].IsAdmin)
	assert.False(t, members[0].Online)
	assert.Equal(t, "u2", members[1].UserID)
	assert.False(t, members[1].IsAdmin)
	assert.True(t, members[1].Online)

	code, _ = h.do("u3", http.MethodGet, "/api/conversations/"+conv.ID+"/participants", nil)
	assert.Equal(t, http.StatusForbidden, code)
}
