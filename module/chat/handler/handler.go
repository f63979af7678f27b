package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"KelmahIM/logger"
	"KelmahIM/middleware"
	"KelmahIM/middleware/security"
	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/service"
	"KelmahIM/service/delivery"
	"KelmahIM/service/notify"
	"KelmahIM/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Presence is what the REST surface needs from the hub.
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
	LastSeen(userID string) (time.Time, bool)
	EvictUser(ctx context.Context, conversationID, userID string) int
}

type History interface {
	History(ctx context.Context, userID string, limit int) ([]*notify.Record, error)
}

type API struct {
	convs    *service.ConversationStore
	msgs     *service.MessageStore
	coord    *delivery.Coordinator
	presence Presence
	history  History
}

func New(convs *service.ConversationStore, msgs *service.MessageStore, coord *delivery.Coordinator, presence Presence, history History) *API {
	return &API{convs: convs, msgs: msgs, coord: coord, presence: presence, history: history}
}

// Register mounts every route; all but /healthz require a token.
func (a *API) Register(rt *middleware.Router) {
	auth := middleware.RouteOpt{IsAuth: true}

	rt.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) }, middleware.RouteOpt{})

	rt.GET("/conversations", handle(a.listConversations), auth)
	rt.GET("/conversations/:id", handle(a.getConversation), auth)
	rt.POST("/conversations/direct", handle(a.createDirect), auth)
	rt.POST("/conversations/job", handle(a.createJob), auth)
	rt.POST("/conversations/group", handle(a.createGroup), auth)
	rt.POST("/conversations/support", handle(a.createSupport), auth)
	rt.PUT("/conversations/:id", handle(a.updateConversation), auth)
	rt.GET("/conversations/:id/participants", handle(a.listParticipants), auth)
	rt.POST("/conversations/:id/participants", handle(a.addParticipant), auth)
	rt.DELETE("/conversations/:id/participants/:userId", handle(a.removeParticipant), auth)
	rt.PUT("/conversations/:id/participants/:userId/role", handle(a.updateRole), auth)
	rt.POST("/conversations/:id/archive", handle(a.flag(true, true)), auth)
	rt.POST("/conversations/:id/unarchive", handle(a.flag(true, false)), auth)
	rt.POST("/conversations/:id/mute", handle(a.flag(false, true)), auth)
	rt.POST("/conversations/:id/unmute", handle(a.flag(false, false)), auth)

	rt.GET("/conversations/:id/messages", handle(a.listMessages), auth)
	rt.POST("/conversations/:id/messages", handle(a.sendMessage), auth)
	rt.POST("/conversations/:id/read", handle(a.markConversationRead), auth)
	rt.GET("/conversations/:id/search", handle(a.search), auth)
	rt.GET("/messages/:id", handle(a.getMessage), auth)
	rt.PUT("/messages/:id", handle(a.editMessage), auth)
	rt.DELETE("/messages/:id", handle(a.deleteMessage), auth)
	rt.POST("/messages/:id/forward", handle(a.forwardMessage), auth)

	rt.GET("/notifications", handle(a.notifications), auth)
}

// reply is the success envelope; failures use errs.CodeError.
type reply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
}

type created struct{ v any }

// handle adapts a handler returning (data, error) to the envelope.
func handle(fn func(c *gin.Context) (any, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := fn(c)
		if err != nil {
			status := errs.HTTPStatus(err)
			if status >= http.StatusInternalServerError {
				logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
			}
			c.AbortWithStatusJSON(status, errs.Response(err))
			return
		}
		status := http.StatusOK
		if cr, ok := data.(created); ok {
			status, data = http.StatusCreated, cr.v
		}
		c.JSON(status, reply{Code: 0, Msg: "ok", Data: data})
	}
}

func bind(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errs.ErrInvalidArgument.WrapMsg("bad request body", "err", err.Error())
	}
	return nil
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errs.ErrInvalidArgument.WrapMsg("bad integer", key, s)
	}
	return n, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	s := c.Query(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errs.ErrInvalidArgument.WrapMsg("bad timestamp", key, s)
	}
	return t.UTC(), nil
}

func actor(c *gin.Context) string { return security.UserID(c) }

// deliver runs the coordinator for a freshly stored message. The message is
// already committed, so a failure here is logged rather than returned.
func (a *API) deliver(ctx context.Context, m *model.Message) {
	if a.coord == nil {
		return
	}
	if _, err := a.coord.Deliver(ctx, m); err != nil {
		logger.Warn("deliver failed", zap.String("message", m.ID), zap.Error(err))
	}
}

func (a *API) notice(ctx context.Context, conversationID, text string) {
	m, err := a.msgs.CreateSystem(ctx, conversationID, text)
	if err != nil {
		logger.Warn("system message failed", zap.String("conversation", conversationID), zap.Error(err))
		return
	}
	a.deliver(ctx, m)
}

func (a *API) notifications(c *gin.Context) (any, error) {
	if a.history == nil {
		return []*notify.Record{}, nil
	}
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return nil, err
	}
	return a.history.History(c.Request.Context(), actor(c), limit)
}
