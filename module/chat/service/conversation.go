package service

import (
	"context"
	"strings"
	"time"

	"KelmahIM/module/chat/model"
	"KelmahIM/module/chat/store"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/ids"
)

const DefaultPreviewLength = 100

type ConversationOptions struct {
	PreviewLength int
	Clock         func() time.Time
}

// ConversationStore owns membership, roles, per-user flags and the summary.
type ConversationStore struct {
	repo          store.ConversationRepo
	previewLength int
	clock         func() time.Time
}

func NewConversationStore(repo store.ConversationRepo, opts ConversationOptions) *ConversationStore {
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = DefaultPreviewLength
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &ConversationStore{repo: repo, previewLength: opts.PreviewLength, clock: opts.Clock}
}

// now is UTC at millisecond precision so every engine orders stamps alike.
func (s *ConversationStore) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func (s *ConversationStore) newConversation(typ model.ConversationType, creator string, participants ...string) *model.Conversation {
	now := s.now()
	c := &model.Conversation{
		ID:           ids.GenerateString(),
		Type:         typ,
		Participants: model.NewUserSet(participants...),
		CreatedBy:    creator,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, id := range c.Participants.Slice() {
		c.ParticipantHistory = append(c.ParticipantHistory, model.ParticipantEvent{UserID: id, Action: model.ActionJoined, By: creator, At: now})
	}
	return c
}

// FindOrCreateDirect is idempotent on the unordered pair.
func (s *ConversationStore) FindOrCreateDirect(ctx context.Context, userA, userB string) (*model.Conversation, bool, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("both participants are required")
	}
	if userA == userB {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("cannot open a direct conversation with yourself")
	}
	c := s.newConversation(model.ConversationDirect, userA, userA, userB)
	c.DirectKey = model.DirectKey(userA, userB)
	return s.repo.FindOrCreateDirect(ctx, c)
}

// FindOrCreateJob is idempotent on jobID. The hirer creates and administers it.
func (s *ConversationStore) FindOrCreateJob(ctx context.Context, jobID, hirer, worker, title string) (*model.Conversation, bool, error) {
	if strings.TrimSpace(jobID) == "" || hirer == "" || worker == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("jobId, hirer and worker are required")
	}
	if hirer == worker {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("hirer and worker must differ")
	}
	c := s.newConversation(model.ConversationJob, hirer, hirer, worker)
	c.JobID = jobID
	c.Title = title
	c.AdminUserIDs = model.NewUserSet(hirer)
	return s.repo.FindOrCreateJob(ctx, c)
}

type GroupOptions struct {
	Description string
	Avatar      string
	ReadOnly    bool
	IsPrivate   bool
	AdminIDs    []string // extra admins; must be among the participants
	ContractID  string
}

// CreateGroup always makes the creator a participant and an admin.
func (s *ConversationStore) CreateGroup(ctx context.Context, title, creator string, participantIDs []string, opts GroupOptions) (*model.Conversation, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("group title is required")
	}
	if creator == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("creator is required")
	}
	c := s.newConversation(model.ConversationGroup, creator, append([]string{creator}, participantIDs...)...)
	c.Title = strings.TrimSpace(title)
	c.Description = opts.Description
	c.Avatar = opts.Avatar
	c.ReadOnly = opts.ReadOnly
	c.IsPrivate = opts.IsPrivate
	c.ContractID = opts.ContractID
	c.AdminUserIDs = model.NewUserSet(creator)
	for _, id := range opts.AdminIDs {
		if c.IsParticipant(id) {
			c.AdminUserIDs.Add(id)
		}
	}
	if err := s.repo.InsertConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateSupport opens a ticket-style conversation; agents administer it.
func (s *ConversationStore) CreateSupport(ctx context.Context, requester string, agents []string, title string) (*model.Conversation, error) {
	if requester == "" || len(agents) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("requester and at least one agent are required")
	}
	c := s.newConversation(model.ConversationSupport, requester, append([]string{requester}, agents...)...)
	c.Title = title
	for _, a := range agents {
		if a != requester {
			c.AdminUserIDs.Add(a)
		}
	}
	if c.AdminUserIDs.Len() == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("requester cannot be the only agent")
	}
	if err := s.repo.InsertConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a live conversation the actor participates in.
func (s *ConversationStore) Get(ctx context.Context, id, actor string) (*model.Conversation, error) {
	return s.Require(ctx, id, actor)
}

// Require re-reads the conversation and checks membership; it is the single
// authorization path for every conversation-scoped operation.
func (s *ConversationStore) Require(ctx context.Context, id, userID string) (*model.Conversation, error) {
	c, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return nil, errs.ErrNotParticipant.WrapMsg("not a participant", "conversation", id, "user", userID)
	}
	return c, nil
}

func (s *ConversationStore) IsParticipant(ctx context.Context, id, userID string) (bool, error) {
	c, err := s.live(ctx, id)
	if err != nil {
		return false, err
	}
	return c.IsParticipant(userID), nil
}

func (s *ConversationStore) live(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Deleted {
		return nil, errs.ErrConversationNotFound.WrapMsg("conversation deleted", "id", id)
	}
	return c, nil
}

func (s *ConversationStore) List(ctx context.Context, userID string, f model.ListFilter) ([]*model.Conversation, int64, error) {
	return s.repo.ListForUser(ctx, userID, f)
}

type ConversationPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Avatar      *string `json:"avatar"`
	ReadOnly    *bool   `json:"readOnly"`
	IsPrivate   *bool   `json:"isPrivate"`
}

// Update edits descriptive fields. Admins only; direct conversations have none.
func (s *ConversationStore) Update(ctx context.Context, id, actor string, p ConversationPatch) (*model.Conversation, error) {
	return s.repo.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		if err := s.mutable(c, actor); err != nil {
			return err
		}
		if p.Title != nil {
			if strings.TrimSpace(*p.Title) == "" && c.Type == model.ConversationGroup {
				return errs.ErrInvalidArgument.WrapMsg("group title cannot be empty")
			}
			c.Title = strings.TrimSpace(*p.Title)
		}
		if p.Description != nil {
			c.Description = *p.Description
		}
		if p.Avatar != nil {
			c.Avatar = *p.Avatar
		}
		if p.ReadOnly != nil {
			c.ReadOnly = *p.ReadOnly
		}
		if p.IsPrivate != nil {
			c.IsPrivate = *p.IsPrivate
		}
		c.UpdatedAt = s.now()
		return nil
	})
}

// mutable: live, not direct, actor is an admin.
func (s *ConversationStore) mutable(c *model.Conversation, actor string) error {
	if c.Deleted {
		return errs.ErrConversationNotFound.WrapMsg("conversation deleted", "id", c.ID)
	}
	if c.Type == model.ConversationDirect {
		return errs.ErrDirectImmutable.WrapMsg("direct conversations have fixed membership", "id", c.ID)
	}
	if !c.IsParticipant(actor) {
		return errs.ErrNotParticipant.WrapMsg("not a participant", "conversation", c.ID, "user", actor)
	}
	if !c.IsAdmin(actor) {
		return errs.ErrNotAdmin.WrapMsg("admin required", "conversation", c.ID, "user", actor)
	}
	return nil
}

// AddParticipant is a no-op when userID is already a member.
func (s *ConversationStore) AddParticipant(ctx context.Context, id, actor, userID string) (*model.Conversation, bool, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, false, errs.ErrInvalidArgument.WrapMsg("userId is required")
	}
	var added bool
	c, err := s.repo.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		added = false
		if err := s.mutable(c, actor); err != nil {
			return err
		}
		if !c.Participants.Add(userID) {
			return nil
		}
		added = true
		now := s.now()
		c.ParticipantHistory = append(c.ParticipantHistory, model.ParticipantEvent{UserID: userID, Action: model.ActionJoined, By: actor, At: now})
		c.UpdatedAt = now
		return nil
	})
	return c, added, err
}

// RemoveParticipant removes userID. Members may leave; admins may remove
// non-admins. Losing the last admin promotes the longest-tenured remaining
// participant in the same update; losing the last participant soft-deletes.
func (s *ConversationStore) RemoveParticipant(ctx context.Context, id, actor, userID string) (*model.Conversation, bool, error) {
	var deleted bool
	c, err := s.repo.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		deleted = false
		if c.Deleted {
			return errs.ErrConversationNotFound.WrapMsg("conversation deleted", "id", c.ID)
		}
		if c.Type == model.ConversationDirect {
			return errs.ErrDirectImmutable.WrapMsg("cannot remove a participant from a direct conversation", "id", c.ID)
		}
		if !c.IsParticipant(userID) {
			return errs.ErrNotFound.WrapMsg("participant not found", "conversation", c.ID, "user", userID)
		}
		self := actor == userID
		if !self {
			if !c.IsAdmin(actor) {
				return errs.ErrNotAdmin.WrapMsg("admin required", "conversation", c.ID, "user", actor)
			}
			if c.IsAdmin(userID) {
				return errs.ErrForbidden.WrapMsg("admins cannot remove other admins", "conversation", c.ID, "user", userID)
			}
		}

		now := s.now()
		c.Participants.Remove(userID)
		c.AdminUserIDs.Remove(userID)
		c.ArchivedBy.Remove(userID)
		c.MutedBy.Remove(userID)
		action := model.ActionRemoved
		if self {
			action = model.ActionLeft
		}
		c.ParticipantHistory = append(c.ParticipantHistory, model.ParticipantEvent{UserID: userID, Action: action, By: actor, At: now})
		c.UpdatedAt = now

		if c.Participants.Len() == 0 {
			c.Deleted = true
			c.DeletedAt = &now
			deleted = true
			return nil
		}
		if c.AdminUserIDs.Len() == 0 {
			heir, _ := c.Participants.First(nil)
			c.AdminUserIDs.Add(heir)
			c.ParticipantHistory = append(c.ParticipantHistory, model.ParticipantEvent{UserID: heir, Action: model.ActionPromoted, At: now})
		}
		if c.CreatedBy == userID && c.Type == model.ConversationGroup {
			heir, _ := c.AdminUserIDs.First(nil)
			c.CreatedBy = heir
		}
		return nil
	})
	return c, deleted, err
}

// UpdateRole promotes or demotes a participant. The last admin cannot be demoted.
func (s *ConversationStore) UpdateRole(ctx context.Context, id, actor, userID string, admin bool) (*model.Conversation, error) {
	return s.repo.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		if err := s.mutable(c, actor); err != nil {
			return err
		}
		if !c.IsParticipant(userID) {
			return errs.ErrNotFound.WrapMsg("participant not found", "conversation", c.ID, "user", userID)
		}
		now := s.now()
		if admin {
			if c.AdminUserIDs.Add(userID) {
				c.ParticipantHistory = append(c.ParticipantHistory, model.ParticipantEvent{UserID: userID, Action: model.ActionPromoted, By: actor, At: now})
			}
			c.UpdatedAt = now
			return nil
		}
		if !c.IsAdmin(userID) {
			return nil
		}
		if c.AdminUserIDs.Len() == 1 {
			return errs.ErrLastAdmin.WrapMsg("a conversation must keep at least one admin", "conversation", c.ID)
		}
		c.AdminUserIDs.Remove(userID)
		c.ParticipantHistory = append(c.ParticipantHistory, model.ParticipantEvent{UserID: userID, Action: model.ActionDemoted, By: actor, At: now})
		c.UpdatedAt = now
		return nil
	})
}

func (s *ConversationStore) SetArchived(ctx context.Context, id, userID string, archived bool) (*model.Conversation, error) {
	return s.setFlag(ctx, id, userID, archived, func(c *model.Conversation) *model.UserSet { return &c.ArchivedBy })
}

func (s *ConversationStore) SetMuted(ctx context.Context, id, userID string, muted bool) (*model.Conversation, error) {
	return s.setFlag(ctx, id, userID, muted, func(c *model.Conversation) *model.UserSet { return &c.MutedBy })
}

func (s *ConversationStore) setFlag(ctx context.Context, id, userID string, on bool, set func(c *model.Conversation) *model.UserSet) (*model.Conversation, error) {
	return s.repo.UpdateConversation(ctx, id, func(c *model.Conversation) error {
		if c.Deleted {
			return errs.ErrConversationNotFound.WrapMsg("conversation deleted", "id", c.ID)
		}
		if !c.IsParticipant(userID) {
			return errs.ErrNotParticipant.WrapMsg("not a participant", "conversation", c.ID, "user", userID)
		}
		if on {
			set(c).Add(userID)
		} else {
			set(c).Remove(userID)
		}
		return nil
	})
}

// Summary builds the last-message summary for m.
func (s *ConversationStore) Summary(m *model.Message) model.LastMessage {
	return model.LastMessage{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Preview:   model.Preview(m, s.previewLength),
		At:        m.CreatedAt,
	}
}

// UpdateLastMessage applies m's summary if it is the newest and returns the
// current conversation either way.
func (s *ConversationStore) UpdateLastMessage(ctx context.Context, m *model.Message) (*model.Conversation, error) {
	c, _, err := s.repo.ApplyLastMessage(ctx, m.ConversationID, s.Summary(m))
	return c, err
}
