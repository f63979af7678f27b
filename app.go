package main

import (
	"context"
	"encoding/json"
	"net/http"

	"KelmahIM/data/database/pg"
	"KelmahIM/global/config"
	"KelmahIM/logger"
	"KelmahIM/module/chat/service"
	"KelmahIM/module/chat/store"
	"KelmahIM/service/chat"
	"KelmahIM/service/delivery"
	"KelmahIM/service/kafka"
	"KelmahIM/service/natsx"
	"KelmahIM/service/notify"
	"KelmahIM/service/presence"
	"KelmahIM/service/storage"
	storageredis "KelmahIM/service/storage/redis"
	"KelmahIM/tools/errs"
	"KelmahIM/tools/security"

	"github.com/Shopify/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

// app owns every long-lived component of one replica.
type app struct {
	cfg  *config.AppConfig
	live *config.Live

	rdb      *goredis.Client
	nats     *natsx.NatsxClient
	kafka    sarama.Client
	producer sarama.SyncProducer
	pgPool   *pgxpool.Pool

	verifier *security.Verifier
	convs    *service.ConversationStore
	msgs     *service.MessageStore
	hub      *presence.Hub
	notifier *notify.Notifier
	coord    *delivery.Coordinator
	gateway  *chat.Server

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
	fatal   chan error

	deregister func() // nacos naming, set once registered

	closers []func() // run in reverse order
}

func newApp(cfg *config.AppConfig) *app {
	return &app{cfg: cfg, live: config.NewLive(cfg.Chat), fatal: make(chan error, 2)}
}

func (a *app) onClose(f func()) { a.closers = append(a.closers, f) }

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openInfra(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Redis.Enabled() {
		rdb, err := storageredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.rdb = rdb
		a.onClose(func() { _ = rdb.Close() })
	}
	if cfg.NATS.Enabled() {
		if cfg.NATS.Name == "" {
			cfg.NATS.Name = "kelmah-im-" + cfg.Node.ID
		}
		nc, err := natsx.NewNatsxClient(cfg.NATS)
		if err != nil {
			return err
		}
		a.nats = nc
		a.onClose(func() { _ = nc.Close() })
	}
	if cfg.Kafka.Enabled() {
		if err := a.openKafka(); err != nil {
			return err
		}
	}
	if cfg.Postgres.Enabled() {
		pool, err := pg.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		a.pgPool = pool
		a.onClose(pool.Close)
	}
	return nil
}

var externalChannels = []notify.Channel{notify.ChannelPush, notify.ChannelEmail, notify.ChannelSMS}

func (a *app) openKafka() error {
	c := a.cfg.Kafka
	c.Norm()
	if c.AutoCreateTopics {
		scfg, err := kafka.BuildBaseConfig(c)
		if err != nil {
			return err
		}
		admin, err := sarama.NewClusterAdmin(c.Brokers, scfg)
		if err != nil {
			return errs.WrapMsg(err, "kafka admin", "brokers", c.Brokers)
		}
		topics := make([]string, 0, len(externalChannels))
		for _, ch := range externalChannels {
			topics = append(topics, c.Topic(string(ch)))
		}
		err = kafka.EnsureTopics(admin, topics, c)
		_ = admin.Close()
		if err != nil {
			return err
		}
	}
	cl, err := kafka.NewClient(c)
	if err != nil {
		return err
	}
	p, err := kafka.NewSyncProducer(cl)
	if err != nil {
		_ = cl.Close()
		return err
	}
	a.kafka, a.producer = cl, p
	a.cfg.Kafka = c
	a.onClose(func() {
		_ = p.Close()
		_ = cl.Close()
	})
	return nil
}

// buildDomain wires stores, presence, notifications and delivery.
func (a *app) buildDomain(ctx context.Context, repo store.Repository) error {
	cfg := a.cfg
	node := cfg.Node.ID

	a.convs = service.NewConversationStore(repo, service.ConversationOptions{PreviewLength: cfg.Chat.PreviewLength})
	var releaser service.AttachmentReleaser
	if a.nats != nil {
		r, err := natsx.NewAttachmentReleaser(a.nats, node)
		if err != nil {
			return err
		}
		releaser = r
	}
	a.msgs = service.NewMessageStore(repo, a.convs, releaser, service.MessageOptions{
		EditWindow:    cfg.Chat.EditWindow,
		AllowSelfRead: cfg.Chat.AllowSelfRead,
		SearchLimit:   cfg.Chat.SearchLimit,
	})

	a.verifier = security.NewVerifier(a.jwtOptions())

	hubConf := presence.HubConf{
		NodeID:        node,
		TypingTimeout: cfg.Chat.TypingTimeout,
		MaxPerUser:    cfg.Chat.MaxConnsPerUser,
	}
	if a.rdb != nil {
		hubConf.Mirror = storage.NewOnlineStore(a.rdb, node, storage.OnlineConfig{Prefix: cfg.Redis.Prefix})
	}
	var bus *natsx.RoomBus
	if a.nats != nil {
		b, err := natsx.NewRoomBus(a.nats, node)
		if err != nil {
			return err
		}
		bus, hubConf.Bus = b, b
	}
	a.hub = presence.NewHub(a.verifier, a.convs, hubConf)
	if bus != nil {
		if err := bus.Start(a.hub); err != nil {
			return err
		}
	}

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		return err
	}
	a.notifier = notifier
	a.coord = delivery.NewCoordinator(a.convs, a.hub, a.msgs, a.notifier, delivery.Options{Timeout: cfg.Notify.Timeout})
	return nil
}

func (a *app) jwtOptions() security.Options {
	c := a.cfg.JWT
	opts := security.DefaultOptions([]byte(c.Secret))
	if c.Alg != "" {
		opts.Alg = c.Alg
	}
	if c.TTL > 0 {
		opts.TTL = c.TTL
	}
	opts.Issuer = c.Issuer
	return opts
}

func (a *app) buildNotifier(ctx context.Context) (*notify.Notifier, error) {
	cfg := a.cfg
	senders := make(map[notify.Channel]notify.Sender, 4)
	if a.rdb != nil {
		senders[notify.ChannelInApp] = notify.NewInAppSender(storage.NewInbox(a.rdb, cfg.Redis.Prefix, int(cfg.Notify.InboxCap)))
	} else {
		senders[notify.ChannelInApp] = notify.NewInAppSender(liveInbox{hub: a.hub})
	}
	if a.producer != nil {
		for _, ch := range externalChannels {
			senders[ch] = notify.NewKafkaSender(a.producer, cfg.Kafka.Topic(string(ch)), ch)
		}
	}

	var records notify.RecordStore = notify.NewMemoryRecords(int(cfg.Notify.InboxCap))
	if cfg.Notify.Records == config.RecordsPostgres {
		pgr := notify.NewPgRecords(a.pgPool)
		if err := pgr.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		records = pgr
	}
	var prefs notify.PreferenceSource
	if a.rdb != nil {
		prefs = storage.NewPreferences(a.rdb, cfg.Redis.Prefix)
	}

	channels := make([]notify.Channel, 0, len(cfg.Notify.DefaultChannels))
	for _, name := range cfg.Notify.DefaultChannels {
		ch := notify.Channel(name)
		if !ch.Valid() {
			return nil, errs.ErrInvalidArgument.WrapMsg("unknown notification channel", "channel", name)
		}
		if _, ok := senders[ch]; !ok {
			logger.Warn("notification channel has no sender, deliveries will be recorded as failed", zap.String("channel", name))
		}
		channels = append(channels, ch)
	}
	return notify.NewNotifier(senders, records, prefs, notify.Options{
		DefaultChannels: channels,
		Timeout:         cfg.Notify.Timeout,
	}), nil
}

// EventNotification carries an in-app notification to a connected user when
// there is no Redis inbox to queue it in.
const EventNotification = "notification"

type liveInbox struct{ hub *presence.Hub }

// Push fails when the user has no live session: nothing is kept for later.
func (b liveInbox) Push(_ context.Context, user string, payload []byte) error {
	if b.hub.SendUser(user, presence.Event{Type: EventNotification, Data: json.RawMessage(payload)}) == 0 {
		return errs.ErrChannelDeliveryFailure.WrapMsg("user not connected", "user", user)
	}
	return nil
}

func (a *app) shutdown(ctx context.Context) {
	if a.deregister != nil {
		a.deregister()
	}
	if a.health != nil {
		a.health.Shutdown()
	}
	if a.gateway != nil {
		a.gateway.Shutdown("server shutting down")
	}
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if a.hub != nil {
		a.hub.Close(ctx)
	}
	if a.grpcSrv != nil {
		a.grpcSrv.GracefulStop()
	}
	logger.Info("kelmah-im stopped", zap.String("node", a.cfg.Node.ID))
}
