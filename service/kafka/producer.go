package kafka

import (
	"strings"
	"time"

	"KelmahIM/tools/errs"

	"github.com/Shopify/sarama"
)

func BuildBaseConfig(c Config) (*sarama.Config, error) {
	c.Norm()
	version, err := c.kafkaVersion()
	if err != nil {
		return nil, err
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = c.ClientID
	cfg.Version = version

	// Producer
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.ProducerRetries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key = userId keeps one user's notifications ordered
	switch strings.ToLower(c.ProducerCompression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg, nil
}

// NewClient connects to the cluster; the caller owns Close.
func NewClient(c Config) (sarama.Client, error) {
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka connect failed", "brokers", c.Brokers)
	}
	return cl, nil
}

func NewSyncProducer(cl sarama.Client) (sarama.SyncProducer, error) {
	p, err := sarama.NewSyncProducerFromClient(cl)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer")
	}
	return p, nil
}
