package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuoteStream/pkg/config"
	"QuoteStream/pkg/logger"
)

func TestOpenMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Driver = "memory"

	b, err := Open(context.Background(), cfg, "test", logger.Discard())
	require.NoError(t, err)
	assert.IsType(t, &MemoryBroker{}, b)
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Driver = "kafka"

	_, err := Open(context.Background(), cfg, "test", logger.Discard())
	require.Error(t, err)
}
