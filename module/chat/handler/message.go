package handler

import (
	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/service"
	"KelmahIM/service/delivery"

	"github.com/gin-gonic/gin"
)

func (a *API) listMessages(c *gin.Context) (any, error) {
	var (
		p   model.Page
		err error
	)
	if p.Page, err = queryInt(c, "page", 1); err != nil {
		return nil, err
	}
	if p.Limit, err = queryInt(c, "limit", model.DefaultPageLimit); err != nil {
		return nil, err
	}
	if p.Before, err = queryTime(c, "before"); err != nil {
		return nil, err
	}
	if p.After, err = queryTime(c, "after"); err != nil {
		return nil, err
	}
	return a.msgs.FindByConversation(c.Request.Context(), c.Param("id"), actor(c), p)
}

func (a *API) getMessage(c *gin.Context) (any, error) {
	return a.msgs.Get(c.Request.Context(), c.Param("id"), actor(c))
}

func (a *API) sendMessage(c *gin.Context) (any, error) {
	var req service.CreateMessage
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	req.ConversationID = c.Param("id")
	req.SenderID = actor(c)
	m, err := a.msgs.Create(c.Request.Context(), req)
	if err != nil {
		return nil, err
	}
	a.deliver(c.Request.Context(), m)
	return created{m}, nil
}

func (a *API) markConversationRead(c *gin.Context) (any, error) {
	ctx, user := c.Request.Context(), actor(c)
	receipts, err := a.msgs.MarkConversationRead(ctx, c.Param("id"), user)
	if err != nil {
		return nil, err
	}
	var reads []delivery.MessageRead
	for _, r := range receipts {
		if r.Changed {
			reads = append(reads, delivery.MessageRead{MessageID: r.MessageID, ConversationID: r.ConversationID, UserID: r.UserID, ReadAt: r.ReadAt})
		}
	}
	if len(reads) > 0 && a.coord != nil {
		if conv, err := a.convs.Require(ctx, c.Param("id"), user); err == nil {
			a.coord.AnnounceRead(ctx, conv, reads...)
		}
	}
	return gin.H{"conversationId": c.Param("id"), "marked": len(reads)}, nil
}

func (a *API) search(c *gin.Context) (any, error) {
	items, err := a.msgs.SearchByContent(c.Request.Context(), c.Param("id"), actor(c), c.Query("query"))
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*model.Message{}
	}
	return gin.H{"items": items, "query": c.Query("query")}, nil
}

func (a *API) editMessage(c *gin.Context) (any, error) {
	var req struct {
		Content string `json:"content"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	return a.msgs.EditContent(c.Request.Context(), c.Param("id"), actor(c), req.Content)
}

func (a *API) deleteMessage(c *gin.Context) (any, error) {
	return a.msgs.SoftDelete(c.Request.Context(), c.Param("id"), actor(c))
}

func (a *API) forwardMessage(c *gin.Context) (any, error) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := bind(c, &req); err != nil {
		return nil, err
	}
	m, err := a.msgs.Forward(c.Request.Context(), c.Param("id"), req.ConversationID, actor(c))
	if err != nil {
		return nil, err
	}
	a.deliver(c.Request.Context(), m)
	return created{m}, nil
}
