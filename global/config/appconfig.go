package config

import (
	"time"

	"KelmahIM/data/database/mgo/mongoutil"
	"KelmahIM/data/database/pg"
	"KelmahIM/service/kafka"
	"KelmahIM/service/natsx"
	"KelmahIM/service/storage/redis"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"

	RecordsMemory   = "memory"
	RecordsPostgres = "postgres"
)

type AppConfig struct {
	Node     NodeConfig        `yaml:"node"`
	HTTP     HTTPConfig        `yaml:"http"`
	GRPC     GRPCConfig        `yaml:"grpc"`
	Store    StoreConfig       `yaml:"store"`
	Mongo    mongoutil.Config  `yaml:"mongo"`
	Redis    redis.Config      `yaml:"redis"`
	Postgres pg.Config         `yaml:"postgres"`
	NATS     natsx.NatsxConfig `yaml:"nats"`
	Kafka    kafka.Config      `yaml:"kafka"`
	JWT      JWTConfig         `yaml:"jwt"`
	Chat     ChatConfig        `yaml:"chat"`
	Notify   NotifyConfig      `yaml:"notify"`
	Nacos    NacosConfig       `yaml:"nacos"`
	Log      LogConfig         `yaml:"log"`
}

type NodeConfig struct {
	ID        string `yaml:"id"`        // 节点ID, origin of room bus events
	Snowflake int64  `yaml:"snowflake"` // snowflake worker id 0..1023
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowOrigins    []string      `yaml:"allowOrigins"` // empty => any
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"` // health service; empty disables
}

type StoreConfig struct {
	Engine       string `yaml:"engine"`       // memory | mongo
	Transactions bool   `yaml:"transactions"` // mongo replica set: insert + summary in one transaction
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
	Issuer string        `yaml:"issuer"`
}

// ChatConfig is the hot-reloadable section.
type ChatConfig struct {
	EditWindow         time.Duration `yaml:"editWindow"`
	TypingTimeout      time.Duration `yaml:"typingTimeout"`
	RateLimitPerMinute int           `yaml:"rateLimitPerMinute"`
	AllowSelfRead      bool          `yaml:"allowSelfRead"`
	PreviewLength      int           `yaml:"previewLength"`
	SearchLimit        int           `yaml:"searchLimit"`
	MaxConnsPerUser    int           `yaml:"maxConnsPerUser"`
	SendQueue          int           `yaml:"sendQueue"` // per-connection outbound buffer
	MaxFrameBytes      int64         `yaml:"maxFrameBytes"`
}

type NotifyConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	DefaultChannels []string      `yaml:"defaultChannels"`
	Records         string        `yaml:"records"` // memory | postgres
	InboxCap        int64         `yaml:"inboxCap"`
}

type NacosConfig struct {
	Addr      string `yaml:"addr"` // host:port; empty disables
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"dataId"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	Service   string `yaml:"service"` // naming registration, empty skips
	CacheDir  string `yaml:"cacheDir"`
	LogDir    string `yaml:"logDir"`
}

func (c NacosConfig) Enabled() bool { return c.Addr != "" }

type LogConfig struct {
	Level  string `yaml:"level"`  // debug/info/warn/error
	Format string `yaml:"format"` // console | json
}
