package handler

import (
	"context"
	"time"

	"KelmahIM/logger"
	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/service"
	"KelmahIM/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	noticeCreated = "Conversation created"
	noticeAdded   = "User was added to the conversation"
	noticeRemoved = "User was removed from the conversation"
	noticeLeft    = "User left the conversation"
)

type participantView struct {
	UserID   string     `json:"userId"`
	IsAdmin  bool       `json:"isAdmin,omitempty"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// conversationView is a conversation as seen by one user.
type conversationView struct {
	*model.Conversation
	UnreadCount int64            `json:"unreadCount"`
	IsArchived  bool             `json:"isArchived"`
	IsMuted     bool             `json:"isMuted"`
	Other       *participantView `json:"otherParticipant,omitempty"`
}

func (a *API) participant(ctx context.Context, user string) *participantView {
	pv := &participantView{UserID: user}
	if a.presence != nil {
		pv.Online = a.presence.IsOnline(ctx, user)
		if at, ok := a.presence.LastSeen(user); ok {
			pv.LastSeen = &at
		}
	}
	return pv
}

func (a *API) view(ctx context.Context, c *model.Conversation, user string) conversationView {
	v := conversationView{
		Conversation: c,
		IsArchived:   c.ArchivedBy.Contains(user),
		IsMuted:      c.MutedBy.Contains(user),
	}
	if n, err := a.msgs.UnreadCount(ctx, c.ID, user); err == nil {
		v.UnreadCount = n
	} else {
		logger.Warn("unread count failed", zap.String("conversation", c.ID), zap.Error(err))
	}
	if other := c.Other(user); other != "" {
		v.Other = a.participant(ctx, other)
	}
	return v
}

type conversationList struct {
	Items   []conversationView `json:"items"`
	Total   int64              `json:"total"`
	Page    int                `json:"page"`
	Limit   int                `json:"limit"`
	HasMore bool               `json:"hasMore"`
}

func (a *API) listConversations(c *gin.Context) (any, error) {
	ctx, user := c.Request.Context(), actor(c)
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return nil, err
	}
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		return nil, err
	}
	f := model.ListFilter{
		Archived: c.Query("archived") == "true",
		Type:     model.ConversationType(c.Query("type")),
		Page:     page,
		Limit:    limit,
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, errs.ErrInvalidArgument.WrapMsg("unknown conversation type", "type", f.Type)
	}
	list, total, err := a.convs.List(ctx, user, f)
	if err != nil {
		return nil, err
	}
	out := conversationList{Items: make([]conversationView, 0, len(list)), Total: total, Page: page, Limit: limit}
	for _, conv := range list {
		out.Items = append(out.Items, a.view(ctx, conv, user))
	}
	out.HasMore = int64(page*limit) < total
	return out, nil
}

func (a *API) getConversation(c *gin.Context) (any, error) {
	ctx, user := c.Request.Context(), actor(c)
	conv, err := a.convs.Require(ctx, c.Param("id"), user)
	if err != nil {
		return nil, err
	}
	return a.view(ctx, conv, user), nil
}

// listParticipants lists members in join order with their presence.
func (a *API) listParticipants(c *gin.Context) (any, error) {
	ctx := c.Request.Context()
	conv, err := a.convs.Require(ctx, c.Param("id"), actor(c))
	if err != nil {
		return nil, err
	}
	out := make([]*participantView, 0, conv.Participants.Len())
	for _, u := range conv.Participants.Slice() {
		pv := a.participant(ctx, u)
		pv.IsAdmin = conv.IsAdmin(u)
		out = append(out, pv)
	}
	return out, nil
}

func (a *API) createDirect(c *gin.Context) (any, error) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	ctx, user := c.Request.Context(), actor(c)
	conv, isNew, err := a.convs.FindOrCreateDirect(ctx, user, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if isNew {
		return created{a.view(ctx, conv, user)}, nil
	}
	return a.view(ctx, conv, user), nil
}

func (a *API) createJob(c *gin.Context) (any, error) {
	var req struct {
		JobID    string `json:"jobId"`
		HirerID  string `json:"hirerId"`
		WorkerID string `json:"workerId"`
		Title    string `json:"title"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	ctx, user := c.Request.Context(), actor(c)
	if user != req.HirerID && user != req.WorkerID {
		return nil, errs.ErrForbidden.WrapMsg("only the hirer or the worker may open a job conversation", "job", req.JobID)
	}
	conv, isNew, err := a.convs.FindOrCreateJob(ctx, req.JobID, req.HirerID, req.WorkerID, req.Title)
	if err != nil {
		return nil, err
	}
	if isNew {
		return created{a.view(ctx, conv, user)}, nil
	}
	return a.view(ctx, conv, user), nil
}

func (a *API) createGroup(c *gin.Context) (any, error) {
	var req struct {
		Title          string   `json:"title"`
		ParticipantIDs []string `json:"participantIds"`
		Description    string   `json:"description"`
		Avatar         string   `json:"avatar"`
		ReadOnly       bool     `json:"readOnly"`
		IsPrivate      bool     `json:"isPrivate"`
		AdminIDs       []string `json:"adminIds"`
		ContractID     string   `json:"contractId"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	ctx, user := c.Request.Context(), actor(c)
	conv, err := a.convs.CreateGroup(ctx, req.Title, user, req.ParticipantIDs, service.GroupOptions{
		Description: req.Description,
		Avatar:      req.Avatar,
		ReadOnly:    req.ReadOnly,
		IsPrivate:   req.IsPrivate,
		AdminIDs:    req.AdminIDs,
		ContractID:  req.ContractID,
	})
	if err != nil {
		return nil, err
	}
	a.notice(ctx, conv.ID, noticeCreated)
	return created{a.view(ctx, conv, user)}, nil
}

func (a *API) createSupport(c *gin.Context) (any, error) {
	var req struct {
		AgentIDs []string `json:"agentIds"`
		Title    string   `json:"title"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	ctx, user := c.Request.Context(), actor(c)
	conv, err := a.convs.CreateSupport(ctx, user, req.AgentIDs, req.Title)
	if err != nil {
		return nil, err
	}
	return created{a.view(ctx, conv, user)}, nil
}

func (a *API) updateConversation(c *gin.Context) (any, error) {
	var patch service.ConversationPatch
	if err := bind(c, &patch); err != nil {
		return nil, err
	}
	ctx, user := c.Request.Context(), actor(c)
	conv, err := a.convs.Update(ctx, c.Param("id"), user, patch)
	if err != nil {
		return nil, err
	}
	return a.view(ctx, conv, user), nil
}

func (a *API) addParticipant(c *gin.Context) (any, error) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	ctx, user := c.Request.Context(), actor(c)
	conv, added, err := a.convs.AddParticipant(ctx, c.Param("id"), user, req.UserID)
	if err != nil {
		return nil, err
	}
	if added {
		a.notice(ctx, conv.ID, noticeAdded)
	}
	return a.view(ctx, conv, user), nil
}

// removeParticipant also drops the removed user's live room membership so
// nothing sent afterwards reaches them.
func (a *API) removeParticipant(c *gin.Context) (any, error) {
	ctx, user := c.Request.Context(), actor(c)
	id, target := c.Param("id"), c.Param("userId")
	conv, deleted, err := a.convs.RemoveParticipant(ctx, id, user, target)
	if err != nil {
		return nil, err
	}
	if a.presence != nil {
		a.presence.EvictUser(ctx, id, target)
	}
	if !deleted {
		text := noticeRemoved
		if target == user {
			text = noticeLeft
		}
		a.notice(ctx, id, text)
	}
	if target == user || deleted {
		return gin.H{"conversationId": id, "left": true, "deleted": deleted}, nil
	}
	return a.view(ctx, conv, user), nil
}

func (a *API) updateRole(c *gin.Context) (any, error) {
	var req struct {
		Role string `json:"role"` // admin | member
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	if req.Role != "admin" && req.Role != "member" {
		return nil, errs.ErrInvalidArgument.WrapMsg("role must be admin or member", "role", req.Role)
	}
	ctx, user := c.Request.Context(), actor(c)
	conv, err := a.convs.UpdateRole(ctx, c.Param("id"), user, c.Param("userId"), req.Role == "admin")
	if err != nil {
		return nil, err
	}
	return a.view(ctx, conv, user), nil
}

// flag builds the archive/unarchive/mute/unmute handlers.
func (a *API) flag(archive, on bool) func(c *gin.Context) (any, error) {
	return func(c *gin.Context) (any, error) {
		ctx, user := c.Request.Context(), actor(c)
		set := a.convs.SetMuted
		if archive {
			set = a.convs.SetArchived
		}
		conv, err := set(ctx, c.Param("id"), user, on)
		if err != nil {
			return nil, err
		}
		return a.view(ctx, conv, user), nil
	}
}
