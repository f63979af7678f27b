package kafka

import (
	"strings"

	"KelmahIM/tools/errs"

	"github.com/Shopify/sarama"
)

// Config 由 global/config 的 kafka 段填充
type Config struct {
	Brokers             []string `yaml:"brokers"`
	ClientID            string   `yaml:"clientId"`
	Version             string   `yaml:"version"`     // e.g. "2.1.0"
	TopicPrefix         string   `yaml:"topicPrefix"` // notification topics: <prefix>.<channel>
	PartitionsPerTopic  int32    `yaml:"partitionsPerTopic"`
	ReplicationFactor   int16    `yaml:"replicationFactor"`
	ProducerRetries     int      `yaml:"producerRetries"`
	ProducerCompression string   `yaml:"producerCompression"` // none/snappy/lz4/zstd
	AutoCreateTopics    bool     `yaml:"autoCreateTopics"`
}

func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// Norm fills defaults in place.
func (c *Config) Norm() {
	if c.ClientID == "" {
		c.ClientID = "kelmah-im"
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "kim.notify"
	}
	if c.PartitionsPerTopic <= 0 {
		c.PartitionsPerTopic = 8
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.ProducerRetries <= 0 {
		c.ProducerRetries = 3
	}
}

// Topic names the topic a notification channel is published to.
func (c Config) Topic(channel string) string {
	return c.TopicPrefix + "." + channel
}

func (c Config) kafkaVersion() (sarama.KafkaVersion, error) {
	v, err := sarama.ParseKafkaVersion(strings.TrimPrefix(c.Version, "v"))
	if err != nil {
		return sarama.KafkaVersion{}, errs.ErrInvalidArgument.WrapMsg("bad kafka version", "version", c.Version)
	}
	return v, nil
}
