package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreeSideNomad/messaging-platform/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"localhost:19092"}, cfg.KafkaBrokers)
	assert.Equal(t, "APP.CMD.", cfg.CommandPrefix)
	assert.Equal(t, ".Q", cfg.QueueSuffix)
	assert.Equal(t, "APP.CMD.REPLY.Q", cfg.ReplyQueue)
	assert.Equal(t, 2, cfg.DispatcherWorkers)
	assert.Equal(t, 50, cfg.DispatcherBatch)
	assert.Equal(t, 5*time.Minute, cfg.OutboxClaimTimeout)
	assert.Equal(t, 30*time.Second, cfg.RecoveryInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("QUEUE_COMMAND_PREFIX", "PAY.CMD.")
	t.Setenv("QUEUE_REPLY", "PAY.CMD.REPLY.Q")
	t.Setenv("DISPATCHER_WORKERS", "8")
	t.Setenv("KAFKA_BROKERS", "b1:9092,b2:9092")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.DispatcherWorkers)
	assert.Equal(t, "PAY.CMD.RESERVE.Q", cfg.Naming().CommandTopic("Reserve"))
	assert.Equal(t, "PAY.CMD.REPLY.Q", cfg.Naming().ReplyQueue)
}

func TestQueueNaming_CommandTopic(t *testing.T) {
	t.Parallel()
	n := config.DefaultQueueNaming()
	// Topic is <prefix><UPPER(commandName)><suffix>.
	assert.Equal(t, "APP.CMD.RESERVEFUNDSCOMMAND.Q", n.CommandTopic("ReserveFundsCommand"))
	assert.Equal(t, "APP.CMD.SETTLE.Q", n.CommandTopic("Settle"))
}
