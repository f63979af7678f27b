package notify

import (
	"context"
	"sort"
	"time"

	"KelmahIM/logger"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/ids"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

const TypeMessageReceived = "message_received"

type Payload struct {
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	ActionURL string         `json:"actionUrl,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type ChannelResult struct {
	Status Status    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Record is one notification and the outcome of each channel.
type Record struct {
	ID        string                    `json:"id"`
	UserID    string                    `json:"userId"`
	Type      string                    `json:"type"`
	Payload   Payload                   `json:"payload"`
	Channels  map[Channel]ChannelResult `json:"channels"`
	CreatedAt time.Time                 `json:"createdAt"`
}

// Failed lists the channels that did not deliver.
func (r *Record) Failed() []Channel {
	var out []Channel
	for ch, res := range r.Channels {
		if res.Status == StatusFailed {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sender delivers one notification over one channel.
type Sender interface {
	Send(ctx context.Context, r *Record) error
}

type RecordStore interface {
	Save(ctx context.Context, r *Record) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)
}

// PreferenceSource returns per-user overrides of the default channel set.
type PreferenceSource interface {
	Channels(ctx context.Context, userID string) (map[string]bool, error)
}

type Options struct {
	DefaultChannels []Channel
	Timeout         time.Duration // per channel call
	Clock           func() time.Time
}

func (o *Options) norm() {
	if len(o.DefaultChannels) == 0 {
		o.DefaultChannels = []Channel{ChannelInApp, ChannelPush}
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Request struct {
	UserID   string
	Type     string
	Payload  Payload
	Suppress bool // record only; every channel is marked suppressed
}

// Notifier implements the notification contract with independent per-channel outcomes.
type Notifier struct {
	senders map[Channel]Sender
	records RecordStore
	prefs   PreferenceSource
	opts    Options
}

func NewNotifier(senders map[Channel]Sender, records RecordStore, prefs PreferenceSource, opts Options) *Notifier {
	opts.norm()
	if records == nil {
		records = NewMemoryRecords(0)
	}
	return &Notifier{senders: senders, records: records, prefs: prefs, opts: opts}
}

// SendNotification fans out over the resolved channels concurrently. A failing
// channel is recorded as ChannelDeliveryFailure and never fails the call.
func (n *Notifier) SendNotification(ctx context.Context, req Request) (*Record, error) {
	if req.UserID == "" || req.Type == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("userId and type are required")
	}
	channels := n.resolve(ctx, req.UserID)
	now := n.opts.Clock().UTC()
	rec := &Record{
		ID:        ids.GenerateString(),
		UserID:    req.UserID,
		Type:      req.Type,
		Payload:   req.Payload,
		Channels:  make(map[Channel]ChannelResult, len(channels)),
		CreatedAt: now,
	}

	if req.Suppress {
		for _, ch := range channels {
			rec.Channels[ch] = ChannelResult{Status: StatusSuppressed, At: now}
		}
		return rec, n.records.Save(ctx, rec)
	}

	results := make([]ChannelResult, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = n.deliver(ctx, ch, rec)
			return nil
		})
	}
	_ = g.Wait()
	for i, ch := range channels {
		rec.Channels[ch] = results[i]
	}

	if failed := rec.Failed(); len(failed) > 0 {
		logger.Warn("notification partially delivered", zap.String("user", rec.UserID), zap.String("record", rec.ID), zap.Any("failed", failed))
	}
	return rec, n.records.Save(ctx, rec)
}

func (n *Notifier) deliver(ctx context.Context, ch Channel, rec *Record) ChannelResult {
	s, ok := n.senders[ch]
	if !ok {
		err := errs.ErrChannelDeliveryFailure.WrapMsg("no sender for channel", "channel", ch)
		return ChannelResult{Status: StatusFailed, Error: err.Error(), At: n.opts.Clock().UTC()}
	}
	cctx, cancel := context.WithTimeout(ctx, n.opts.Timeout)
	defer cancel()
	if err := s.Send(cctx, rec); err != nil {
		err = errs.ErrChannelDeliveryFailure.WrapMsg("channel send failed", "channel", ch, "err", err)
		return ChannelResult{Status: StatusFailed, Error: err.Error(), At: n.opts.Clock().UTC()}
	}
	return ChannelResult{Status: StatusSent, At: n.opts.Clock().UTC()}
}

// resolve applies the user's overrides to the default channel set.
func (n *Notifier) resolve(ctx context.Context, userID string) []Channel {
	on := make(map[Channel]bool, 4)
	for _, ch := range n.opts.DefaultChannels {
		on[ch] = true
	}
	if n.prefs != nil {
		over, err := n.prefs.Channels(ctx, userID)
		if err != nil {
			logger.Warn("notification preferences unavailable, using defaults", zap.String("user", userID), zap.Error(err))
		}
		for name, enabled := range over {
			if ch := Channel(name); ch.Valid() {
				on[ch] = enabled
			}
		}
	}
	out := make([]Channel, 0, len(on))
	for ch, enabled := range on {
		if enabled {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (n *Notifier) History(ctx context.Context, userID string, limit int) ([]*Record, error) {
	return n.records.ListByUser(ctx, userID, limit)
}
