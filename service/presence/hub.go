package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"KelmahIM/logger"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/ids"

	"go.uber.org/zap"
)

// Sink is the outbound side of one live connection. Push must not block;
// it returns false when the connection is gone or its queue is full.
type Sink interface {
	Push(ev Event) bool
	Close(code int, reason string)
}

type Authenticator interface {
	VerifyToken(token string) (userID string, err error)
}

// Membership answers the participant question; every join goes through it.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Mirror shares room and online bookkeeping with other replicas.
type Mirror interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string, at time.Time) error
	JoinRoom(ctx context.Context, conversationID, userID string) error
	LeaveRoom(ctx context.Context, conversationID, userID string) error
	RoomUsers(ctx context.Context, conversationID string) ([]string, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Bus carries room broadcasts to other replicas.
type Bus interface {
	PublishRoom(ctx context.Context, ev RoomEvent) error
}

// CloseReplaced is sent to the oldest connection when MaxPerUser is exceeded.
const CloseReplaced = 4409

type HubConf struct {
	NodeID        string
	TypingTimeout time.Duration    // typing auto-stop, default 10s
	MaxPerUser    int              // <=0 unlimited; oldest connection is evicted
	Clock         func() time.Time // nil => time.Now
	Mirror        Mirror
	Bus           Bus
}

func (c *HubConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 10 * time.Second
	}
	if c.NodeID == "" {
		c.NodeID = ids.GenerateString()
	}
}

// Session is one authenticated connection.
type Session struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sink  Sink
	rooms map[string]struct{} // guarded by Hub.mu
	alive bool                // guarded by Hub.mu
}

// Hub tracks user → sessions and conversation → sessions for this process.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // sessionID -> session
	byUser   map[string]map[string]*Session // userID -> sessions
	rooms    map[string]map[string]*Session // conversationID -> sessions
	status   map[string]Status
	lastSeen map[string]time.Time

	tmu    sync.Mutex
	typing map[string]*time.Timer // conversationID/userID

	auth    Authenticator
	members Membership
	conf    HubConf
}

func NewHub(auth Authenticator, members Membership, conf HubConf) *Hub {
	conf.norm()
	return &Hub{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		status:   make(map[string]Status),
		lastSeen: make(map[string]time.Time),
		typing:   make(map[string]*time.Timer),
		auth:     auth,
		members:  members,
		conf:     conf,
	}
}

func (h *Hub) NodeID() string { return h.conf.NodeID }

// Connect authenticates token and registers the session. There are no
// anonymous sessions: any verification failure is returned as Unauthorized.
func (h *Hub) Connect(ctx context.Context, token string, sink Sink) (*Session, error) {
	userID, err := h.auth.VerifyToken(token)
	if err != nil {
		if !errs.Is(err, errs.ErrUnauthorized) {
			err = errs.ErrTokenInvalid.Wrap()
		}
		return nil, err
	}
	s := &Session{
		ID:          ids.GenerateString(),
		UserID:      userID,
		ConnectedAt: h.conf.Clock(),
		sink:        sink,
		rooms:       make(map[string]struct{}),
		alive:       true,
	}

	var evicted *Session
	h.mu.Lock()
	if h.conf.MaxPerUser > 0 && len(h.byUser[userID]) >= h.conf.MaxPerUser {
		evicted = h.oldestLocked(userID)
	}
	h.sessions[s.ID] = s
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[string]*Session)
	}
	h.byUser[userID][s.ID] = s
	first := len(h.byUser[userID]) == 1
	if first {
		h.status[userID] = StatusOnline
	}
	h.mu.Unlock()

	if evicted != nil {
		h.Disconnect(ctx, evicted)
		evicted.sink.Close(CloseReplaced, "replaced by a newer connection")
	}
	if first && h.conf.Mirror != nil {
		if err := h.conf.Mirror.Online(ctx, userID); err != nil {
			logger.Warn("presence mirror online failed", zap.String("user", userID), zap.Error(err))
		}
	}
	return s, nil
}

func (h *Hub) oldestLocked(userID string) *Session {
	var oldest *Session
	for _, s := range h.byUser[userID] {
		if oldest == nil || s.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = s
		}
	}
	return oldest
}

// JoinRoom re-checks participation on every call, so a user removed after
// connecting can never re-enter.
func (h *Hub) JoinRoom(ctx context.Context, s *Session, conversationID string) error {
	ok, err := h.members.IsParticipant(ctx, conversationID, s.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrNotParticipant.WrapMsg("not a participant", "conversation", conversationID, "user", s.UserID)
	}

	h.mu.Lock()
	if !s.alive {
		h.mu.Unlock()
		return errs.ErrUnauthorized.WrapMsg("session closed", "session", s.ID)
	}
	if _, in := s.rooms[conversationID]; in {
		h.mu.Unlock()
		return nil
	}
	entered := !h.userInRoomLocked(conversationID, s.UserID)
	s.rooms[conversationID] = struct{}{}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[string]*Session)
	}
	h.rooms[conversationID][s.ID] = s
	st := h.status[s.UserID]
	h.mu.Unlock()

	if !entered {
		return nil
	}
	if h.conf.Mirror != nil {
		if err := h.conf.Mirror.JoinRoom(ctx, conversationID, s.UserID); err != nil {
			logger.Warn("presence mirror join failed", zap.String("conversation", conversationID), zap.Error(err))
		}
	}
	h.Publish(ctx, RoomEvent{
		ConversationID: conversationID,
		Event:          Event{Type: EventUserStatus, Data: UserStatus{UserID: s.UserID, Status: st}},
		Except:         s.UserID,
	})
	return nil
}

func (h *Hub) LeaveRoom(ctx context.Context, s *Session, conversationID string) {
	h.mu.Lock()
	gone := h.leaveLocked(s, conversationID)
	h.mu.Unlock()
	if gone {
		h.stopTyping(ctx, conversationID, s.UserID, true)
		h.mirrorLeave(ctx, conversationID, s.UserID)
	}
}

// leaveLocked removes s from the room and reports whether its user has no
// other session left there.
func (h *Hub) leaveLocked(s *Session, conversationID string) bool {
	if _, in := s.rooms[conversationID]; !in {
		return false
	}
	delete(s.rooms, conversationID)
	if mm := h.rooms[conversationID]; mm != nil {
		delete(mm, s.ID)
		if len(mm) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	return !h.userInRoomLocked(conversationID, s.UserID)
}

func (h *Hub) userInRoomLocked(conversationID, userID string) bool {
	for _, x := range h.rooms[conversationID] {
		if x.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) mirrorLeave(ctx context.Context, conversationID, userID string) {
	if h.conf.Mirror == nil {
		return
	}
	if err := h.conf.Mirror.LeaveRoom(ctx, conversationID, userID); err != nil {
		logger.Warn("presence mirror leave failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}

// Disconnect releases every room of s before returning. When it was the
// user's last connection the remaining members of those rooms see them go
// offline with a last-online stamp.
func (h *Hub) Disconnect(ctx context.Context, s *Session) {
	h.mu.Lock()
	if !s.alive {
		h.mu.Unlock()
		return
	}
	s.alive = false
	delete(h.sessions, s.ID)
	if mm := h.byUser[s.UserID]; mm != nil {
		delete(mm, s.ID)
		if len(mm) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	var joined, emptied []string
	for conv := range s.rooms {
		joined = append(joined, conv)
	}
	for _, conv := range joined {
		if h.leaveLocked(s, conv) {
			emptied = append(emptied, conv)
		}
	}
	last := len(h.byUser[s.UserID]) == 0
	now := h.conf.Clock().UTC()
	if last {
		h.status[s.UserID] = StatusOffline
		h.lastSeen[s.UserID] = now
	}
	h.mu.Unlock()

	sort.Strings(joined)
	for _, conv := range emptied {
		h.stopTyping(ctx, conv, s.UserID, true)
		h.mirrorLeave(ctx, conv, s.UserID)
	}
	if !last {
		return
	}
	if h.conf.Mirror != nil {
		if err := h.conf.Mirror.Offline(ctx, s.UserID, now); err != nil {
			logger.Warn("presence mirror offline failed", zap.String("user", s.UserID), zap.Error(err))
		}
	}
	for _, conv := range joined {
		h.Publish(ctx, RoomEvent{
			ConversationID: conv,
			Event:          Event{Type: EventUserStatus, Data: UserStatus{UserID: s.UserID, Status: StatusOffline, LastOnline: &now}},
			Except:         s.UserID,
		})
	}
}

// Typing relays a transient indicator to the room. A started indicator stops
// by itself after TypingTimeout.
func (h *Hub) Typing(ctx context.Context, s *Session, conversationID string, isTyping bool) error {
	if !h.InRoom(s, conversationID) {
		return errs.ErrForbidden.WrapMsg("join the conversation first", "conversation", conversationID)
	}
	if !isTyping {
		h.stopTyping(ctx, conversationID, s.UserID, true)
		return nil
	}
	key := conversationID + "/" + s.UserID
	userID := s.UserID
	h.tmu.Lock()
	if t, ok := h.typing[key]; ok {
		t.Stop()
	}
	h.typing[key] = time.AfterFunc(h.conf.TypingTimeout, func() {
		h.stopTyping(context.Background(), conversationID, userID, true)
	})
	h.tmu.Unlock()

	h.Publish(ctx, typingEvent(conversationID, userID, true))
	return nil
}

func (h *Hub) stopTyping(ctx context.Context, conversationID, userID string, announce bool) {
	key := conversationID + "/" + userID
	h.tmu.Lock()
	t, ok := h.typing[key]
	if ok {
		t.Stop()
		delete(h.typing, key)
	}
	h.tmu.Unlock()
	if ok && announce {
		h.Publish(ctx, typingEvent(conversationID, userID, false))
	}
}

func typingEvent(conversationID, userID string, on bool) RoomEvent {
	return RoomEvent{
		ConversationID: conversationID,
		Event:          Event{Type: EventTyping, Data: TypingStatus{ConversationID: conversationID, UserID: userID, IsTyping: on}},
		Except:         userID,
	}
}

// SetStatus records a user-declared status and tells every room the user is in.
func (h *Hub) SetStatus(ctx context.Context, s *Session, st Status) error {
	if !st.Valid() {
		return errs.ErrInvalidArgument.WrapMsg("unknown status", "status", st)
	}
	h.mu.Lock()
	if !s.alive {
		h.mu.Unlock()
		return errs.ErrUnauthorized.WrapMsg("session closed", "session", s.ID)
	}
	h.status[s.UserID] = st
	rooms := make(map[string]struct{})
	for _, x := range h.byUser[s.UserID] {
		for conv := range x.rooms {
			rooms[conv] = struct{}{}
		}
	}
	h.mu.Unlock()

	for conv := range rooms {
		h.Publish(ctx, RoomEvent{
			ConversationID: conv,
			Event:          Event{Type: EventUserStatus, Data: UserStatus{UserID: s.UserID, Status: st}},
			Except:         s.UserID,
		})
	}
	return nil
}

// EvictUser drops every session of userID from the room, used after the
// user stops being a participant.
func (h *Hub) EvictUser(ctx context.Context, conversationID, userID string) int {
	h.mu.Lock()
	var n int
	for _, s := range h.rooms[conversationID] {
		if s.UserID == userID {
			h.leaveLocked(s, conversationID)
			n++
		}
	}
	h.mu.Unlock()
	if n > 0 {
		h.stopTyping(ctx, conversationID, userID, true)
		h.mirrorLeave(ctx, conversationID, userID)
	}
	return n
}

// Publish delivers ev to local room sessions and hands it to the bus for
// other replicas. It returns the distinct local users that accepted it.
func (h *Hub) Publish(ctx context.Context, ev RoomEvent) []string {
	ev.Origin = h.conf.NodeID
	reached := h.BroadcastLocal(ev)
	if h.conf.Bus != nil {
		if err := h.conf.Bus.PublishRoom(ctx, ev); err != nil {
			logger.Warn("room bus publish failed", zap.String("conversation", ev.ConversationID), zap.Error(err))
		}
	}
	return reached
}

// Receive handles a room event that arrived from the bus.
func (h *Hub) Receive(ev RoomEvent) {
	if ev.Origin == h.conf.NodeID {
		return
	}
	h.BroadcastLocal(ev)
}

// BroadcastLocal pushes to this process's sessions only. Sessions whose
// sink refuses the event are skipped.
func (h *Hub) BroadcastLocal(ev RoomEvent) []string {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[ev.ConversationID]))
	for _, s := range h.rooms[ev.ConversationID] {
		if s.alive && ev.accepts(s.UserID) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	seen := make(map[string]struct{}, len(targets))
	var reached []string
	for _, s := range targets {
		if !s.sink.Push(ev.Event) {
			continue
		}
		if _, dup := seen[s.UserID]; !dup {
			seen[s.UserID] = struct{}{}
			reached = append(reached, s.UserID)
		}
	}
	sort.Strings(reached)
	return reached
}

// SendUser pushes ev to every local session of userID.
func (h *Hub) SendUser(userID string, ev Event) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.byUser[userID]))
	for _, s := range h.byUser[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	n := 0
	for _, s := range targets {
		if s.sink.Push(ev) {
			n++
		}
	}
	return n
}

func (h *Hub) InRoom(s *Session, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, in := s.rooms[conversationID]
	return in && s.alive
}

// Rooms lists the conversations s has joined.
func (h *Hub) Rooms(s *Session) []string {
	h.mu.RLock()
	out := make([]string, 0, len(s.rooms))
	for conv := range s.rooms {
		out = append(out, conv)
	}
	h.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RoomUsers is the union of local room users and those mirrored by other replicas.
func (h *Hub) RoomUsers(ctx context.Context, conversationID string) []string {
	set := make(map[string]struct{})
	h.mu.RLock()
	for _, s := range h.rooms[conversationID] {
		set[s.UserID] = struct{}{}
	}
	h.mu.RUnlock()
	if h.conf.Mirror != nil {
		remote, err := h.conf.Mirror.RoomUsers(ctx, conversationID)
		if err != nil {
			logger.Warn("presence mirror room users failed", zap.String("conversation", conversationID), zap.Error(err))
		}
		for _, id := range remote {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) IsOnline(ctx context.Context, userID string) bool {
	h.mu.RLock()
	local := len(h.byUser[userID]) > 0
	h.mu.RUnlock()
	if local || h.conf.Mirror == nil {
		return local
	}
	on, err := h.conf.Mirror.IsOnline(ctx, userID)
	if err != nil {
		logger.Warn("presence mirror online check failed", zap.String("user", userID), zap.Error(err))
	}
	return on
}

// LastSeen is the time the user's last local connection closed.
func (h *Hub) LastSeen(userID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.lastSeen[userID]
	return t, ok
}

func (h *Hub) StatusOf(userID string) Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.status[userID]; ok {
		return st
	}
	return StatusOffline
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close disconnects every session, e.g. on shutdown.
func (h *Hub) Close(ctx context.Context) {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		h.Disconnect(ctx, s)
		s.sink.Close(1001, "server shutting down")
	}
}
