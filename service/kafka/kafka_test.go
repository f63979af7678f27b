package kafka

import (
	"os"
	"strings"
	"testing"

	"KelmahIM/tools/errs"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBaseConfig(t *testing.T) {
	cfg, err := BuildBaseConfig(Config{Brokers: []string{"x:9092"}, ProducerCompression: "LZ4"})
	require.NoError(t, err)
	assert.Equal(t, sarama.CompressionLZ4, cfg.Producer.Compression)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.Equal(t, 3, cfg.Producer.Retry.Max)
	assert.Equal(t, "kelmah-im", cfg.ClientID)
	assert.NoError(t, cfg.Validate())

	_, err = BuildBaseConfig(Config{Version: "not-a-version"})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestTopicNaming(t *testing.T) {
	c := Config{}
	c.Norm()
	assert.Equal(t, "kim.notify.email", c.Topic("email"))
	assert.False(t, c.Enabled())
}

// needs a broker: KIM_TEST_KAFKA_BROKERS=localhost:9092
func TestEnsureTopicsLive(t *testing.T) {
	brokers := os.Getenv("KIM_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KIM_TEST_KAFKA_BROKERS not set")
	}
	c := Config{Brokers: strings.Split(brokers, ","), TopicPrefix: "kimtest.notify"}
	cl, err := NewClient(c)
	require.NoError(t, err)
	defer cl.Close()
	admin, err := sarama.NewClusterAdminFromClient(cl)
	require.NoError(t, err)

	require.NoError(t, EnsureTopics(admin, []string{c.Topic("push")}, c))
	// second run sees the topic and is a no-op
	require.NoError(t, EnsureTopics(admin, []string{c.Topic("push")}, c))
}
