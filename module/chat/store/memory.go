package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"KelmahIM/module/chat/model"
	"KelmahIM/tools/errs"
)

// Memory is a process-local Repository. A single lock makes every write
// atomic; it backs tests and single-node deployments without Mongo.
type Memory struct {
	mu       sync.RWMutex
	convs    map[string]*model.Conversation
	byDirect map[string]string
	byJob    map[string]string
	msgs     map[string]*model.Message
	byConv   map[string][]string
}

var _ Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		convs:    make(map[string]*model.Conversation),
		byDirect: make(map[string]string),
		byJob:    make(map[string]string),
		msgs:     make(map[string]*model.Message),
		byConv:   make(map[string][]string),
	}
}

// ===== conversations =====

func (s *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", id)
	}
	return c.Clone(), nil
}

func (s *Memory) FindOrCreateDirect(_ context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	return s.findOrCreate(s.byDirect, c.DirectKey, c)
}

func (s *Memory) FindOrCreateJob(_ context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	return s.findOrCreate(s.byJob, c.JobID, c)
}

func (s *Memory) findOrCreate(index map[string]string, key string, c *model.Conversation) (*model.Conversation, bool, error) {
	if key == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("empty idempotence key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a soft-deleted conversation gives its key back
	if id, ok := index[key]; ok && !s.convs[id].Deleted {
		return s.convs[id].Clone(), false, nil
	}
	if _, dup := s.convs[c.ID]; dup {
		return nil, false, errs.ErrConflict.WrapMsg("duplicate conversation id", "id", c.ID)
	}
	index[key] = c.ID
	s.convs[c.ID] = c.Clone()
	return c.Clone(), true, nil
}

func (s *Memory) InsertConversation(_ context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.convs[c.ID]; dup {
		return errs.ErrConflict.WrapMsg("duplicate conversation id", "id", c.ID)
	}
	s.convs[c.ID] = c.Clone()
	return nil
}

func (s *Memory) UpdateConversation(_ context.Context, id string, fn func(c *model.Conversation) error) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.convs[id]
	if !ok {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.convs[id] = next
	return next.Clone(), nil
}

func (s *Memory) ApplyLastMessage(_ context.Context, id string, lm model.LastMessage) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(id, lm)
}

func (s *Memory) applyLocked(id string, lm model.LastMessage) (*model.Conversation, bool, error) {
	cur, ok := s.convs[id]
	if !ok {
		return nil, false, errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", id)
	}
	next := cur.Clone()
	if !next.Apply(lm) {
		return cur.Clone(), false, nil
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = lm.At
	s.convs[id] = next
	return next.Clone(), true, nil
}

func (s *Memory) ListForUser(_ context.Context, userID string, f model.ListFilter) ([]*model.Conversation, int64, error) {
	s.mu.RLock()
	var hits []*model.Conversation
	for _, c := range s.convs {
		if c.Deleted || !c.IsParticipant(userID) {
			continue
		}
		if c.ArchivedBy.Contains(userID) != f.Archived {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		hits = append(hits, c.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return listedBefore(hits[i], hits[j]) })
	p := model.Page{Page: f.Page, Limit: f.Limit}.Normalize()
	return window(hits, p), int64(len(hits)), nil
}

// listedBefore orders conversations with messages by their latest message,
// then silent ones by creation time, newest first.
func listedBefore(a, b *model.Conversation) bool {
	if a.LastMessageAt.IsZero() != b.LastMessageAt.IsZero() {
		return b.LastMessageAt.IsZero()
	}
	if !a.LastMessageAt.Equal(b.LastMessageAt) {
		return a.LastMessageAt.After(b.LastMessageAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// ===== messages =====

func (s *Memory) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
	}
	return m.Clone(), nil
}

func (s *Memory) InsertMessage(_ context.Context, m *model.Message, lm model.LastMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[m.ConversationID]
	if !ok || conv.Deleted {
		return errs.ErrConversationNotFound.WrapMsg("conversation not found", "id", m.ConversationID)
	}
	if err := senderAllowed(conv, m.SenderID); err != nil {
		return err
	}
	if _, dup := s.msgs[m.ID]; dup {
		return errs.ErrConflict.WrapMsg("duplicate message id", "id", m.ID)
	}
	s.msgs[m.ID] = m.Clone()
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m.ID)
	_, _, err := s.applyLocked(m.ConversationID, lm)
	return err
}

func (s *Memory) UpdateMessage(_ context.Context, id string, fn func(m *model.Message) error) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.msgs[id]
	if !ok {
		return nil, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.msgs[id] = next
	return next.Clone(), nil
}

func (s *Memory) MarkRead(_ context.Context, id, userID string, at time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return time.Time{}, false, errs.ErrMessageNotFound.WrapMsg("message not found", "id", id)
	}
	stamp, changed := m.MarkRead(userID, at)
	if changed {
		m.Version++
	}
	return stamp, changed, nil
}

func (s *Memory) MarkConversationRead(_ context.Context, conversationID, userID string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var marked []string
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderID == userID || m.Deleted || m.Type == model.MessageSystem {
			continue
		}
		if _, changed := m.MarkRead(userID, at); changed {
			m.Version++
			marked = append(marked, id)
		}
	}
	return marked, nil
}

func (s *Memory) ListMessages(_ context.Context, conversationID string, p model.Page) ([]*model.Message, int64, error) {
	p = p.Normalize()
	s.mu.RLock()
	var hits []*model.Message
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if !p.Before.IsZero() && !m.CreatedAt.Before(p.Before) {
			continue
		}
		if !p.After.IsZero() && !m.CreatedAt.After(p.After) {
			continue
		}
		hits = append(hits, m.Clone())
	}
	s.mu.RUnlock()

	newestFirst(hits)
	out := window(hits, p)
	reverse(out)
	return out, int64(len(hits)), nil
}

func (s *Memory) SearchMessages(_ context.Context, conversationID, query string, limit int) ([]*model.Message, error) {
	q := strings.ToLower(query)
	s.mu.RLock()
	var hits []*model.Message
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.Deleted || !strings.Contains(strings.ToLower(m.Content), q) {
			continue
		}
		hits = append(hits, m.Clone())
	}
	s.mu.RUnlock()

	newestFirst(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Memory) CountUnread(_ context.Context, conversationID, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, id := range s.byConv[conversationID] {
		m := s.msgs[id]
		if m.SenderID == userID || m.Deleted || m.Type == model.MessageSystem {
			continue
		}
		if _, read := m.ReadStatus[userID]; !read {
			n++
		}
	}
	return n, nil
}

func newestFirst(ms []*model.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.After(ms[j].CreatedAt)
		}
		return ms[i].ID > ms[j].ID
	})
}

func window[T any](items []T, p model.Page) []T {
	start := int(p.Skip())
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
