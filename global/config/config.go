package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"KelmahIM/logger"
	"KelmahIM/tools/errs"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Default returns a config that runs a single in-memory node.
func Default() *AppConfig {
	return &AppConfig{
		Node:  NodeConfig{Snowflake: 1},
		HTTP:  HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Store: StoreConfig{Engine: StoreMemory},
		JWT:   JWTConfig{Alg: "HS256", TTL: 2 * time.Hour},
		Chat: ChatConfig{
			EditWindow:         24 * time.Hour,
			TypingTimeout:      10 * time.Second,
			RateLimitPerMinute: 60,
			PreviewLength:      100,
			SearchLimit:        50,
			SendQueue:          256,
			MaxFrameBytes:      64 << 10,
		},
		Notify: NotifyConfig{
			Timeout:         5 * time.Second,
			DefaultChannels: []string{"in_app", "push"},
			Records:         RecordsMemory,
			InboxCap:        200,
		},
		Nacos: NacosConfig{Namespace: "public", Group: "DEFAULT_GROUP", DataID: "kelmah-im.yaml"},
		Log:   LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (optional) over the defaults, then applies KIM_* env overrides.
func Load(path string) (*AppConfig, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := c.Merge(b); err != nil {
			return nil, err
		}
	}
	c.ApplyEnv(os.LookupEnv)
	return c, c.Validate()
}

// Merge overlays YAML onto c; keys absent from b keep their value.
func (c *AppConfig) Merge(b []byte) error {
	if err := yaml.Unmarshal(b, c); err != nil {
		return errs.ErrInvalidArgument.WrapMsg("bad config yaml", "err", err.Error())
	}
	return nil
}

var envs = map[string]func(c *AppConfig, v string){
	"KIM_NODE_ID":        func(c *AppConfig, v string) { c.Node.ID = v },
	"KIM_HTTP_ADDR":      func(c *AppConfig, v string) { c.HTTP.Addr = v },
	"KIM_GRPC_ADDR":      func(c *AppConfig, v string) { c.GRPC.Addr = v },
	"KIM_STORE_ENGINE":   func(c *AppConfig, v string) { c.Store.Engine = v },
	"KIM_MONGO_URI":      func(c *AppConfig, v string) { c.Mongo.Uri = v },
	"KIM_MONGO_DATABASE": func(c *AppConfig, v string) { c.Mongo.Database = v },
	"KIM_REDIS_ADDR":     func(c *AppConfig, v string) { c.Redis.Addr = v },
	"KIM_REDIS_PASSWORD": func(c *AppConfig, v string) { c.Redis.Password = v },
	"KIM_POSTGRES_DSN":   func(c *AppConfig, v string) { c.Postgres.DSN = v },
	"KIM_NATS_SERVERS":   func(c *AppConfig, v string) { c.NATS.Servers = splitList(v) },
	"KIM_KAFKA_BROKERS":  func(c *AppConfig, v string) { c.Kafka.Brokers = splitList(v) },
	"KIM_JWT_SECRET":     func(c *AppConfig, v string) { c.JWT.Secret = v },
	"KIM_NACOS_ADDR":     func(c *AppConfig, v string) { c.Nacos.Addr = v },
	"KIM_LOG_LEVEL":      func(c *AppConfig, v string) { c.Log.Level = v },
	"KIM_CHAT_ALLOW_SELF_READ": func(c *AppConfig, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Chat.AllowSelfRead = b
		}
	},
	"KIM_CHAT_RATE_LIMIT": func(c *AppConfig, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			c.Chat.RateLimitPerMinute = n
		}
	},
}

// ApplyEnv applies every KIM_* override lookup finds.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) {
	for key, set := range envs {
		if v, ok := lookup(key); ok && v != "" {
			set(c, v)
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *AppConfig) Validate() error {
	if c.JWT.Secret == "" {
		return errs.ErrInvalidArgument.WrapMsg("jwt.secret is required")
	}
	switch c.Store.Engine {
	case StoreMemory:
	case StoreMongo:
		if c.Mongo.Uri == "" && len(c.Mongo.Address) == 0 {
			return errs.ErrInvalidArgument.WrapMsg("store.engine=mongo needs mongo.uri or mongo.address")
		}
	default:
		return errs.ErrInvalidArgument.WrapMsg("unknown store.engine", "engine", c.Store.Engine)
	}
	switch c.Notify.Records {
	case RecordsMemory:
	case RecordsPostgres:
		if !c.Postgres.Enabled() {
			return errs.ErrInvalidArgument.WrapMsg("notify.records=postgres needs postgres.dsn")
		}
	default:
		return errs.ErrInvalidArgument.WrapMsg("unknown notify.records", "records", c.Notify.Records)
	}
	if c.Node.Snowflake < 0 || c.Node.Snowflake > 1023 {
		return errs.ErrInvalidArgument.WrapMsg("node.snowflake out of range", "value", c.Node.Snowflake)
	}
	return c.Chat.Validate()
}

func (c ChatConfig) Validate() error {
	if c.RateLimitPerMinute <= 0 {
		return errs.ErrInvalidArgument.WrapMsg("chat.rateLimitPerMinute must be positive")
	}
	if c.EditWindow <= 0 || c.TypingTimeout <= 0 {
		return errs.ErrInvalidArgument.WrapMsg("chat durations must be positive")
	}
	return nil
}

// Live holds the chat section so a remote source can swap it at runtime.
type Live struct {
	chat atomic.Pointer[ChatConfig]
}

func NewLive(c ChatConfig) *Live {
	l := &Live{}
	l.chat.Store(&c)
	return l
}

func (l *Live) Chat() ChatConfig { return *l.chat.Load() }

// Reload takes a full YAML document and swaps the chat section when it is
// valid. Only the send rate limit is read live (at connect time);
// other fields and sections need a restart.
func (l *Live) Reload(doc []byte) error {
	var wrap struct {
		Chat *ChatConfig `yaml:"chat"`
	}
	cur := l.Chat()
	wrap.Chat = &cur
	if err := yaml.Unmarshal(doc, &wrap); err != nil {
		return errs.ErrInvalidArgument.WrapMsg("bad config yaml", "err", err.Error())
	}
	if err := cur.Validate(); err != nil {
		return err
	}
	l.chat.Store(&cur)
	logger.Info("chat config reloaded", zap.Int("rateLimitPerMinute", cur.RateLimitPerMinute))
	return nil
}
