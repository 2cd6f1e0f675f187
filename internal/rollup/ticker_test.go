package rollup

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rilot/carbonproxy/internal/metrics"
)

func TestTickerEmitsLineForEachRoute(t *testing.T) {
	store := metrics.New()
	store.RecordRequest("api", "us-east", false, 100, 10, 1, 50)
	store.RecordRequest("billing", "eu-west", true, 200, 20, 2, 60)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ticker := NewTicker(5*time.Millisecond, []string{"api", "billing"}, store, logger)
	ctx, cancel := context.WithCancel(context.Background())
	ticker.Start(ctx)

	require.Eventually(t, func() bool {
		out := buf.String()
		return strings.Contains(out, `rollup=`) &&
			strings.Contains(out, `\"route\":\"api\"`) &&
			strings.Contains(out, `\"route\":\"billing\"`)
	}, time.Second, 5*time.Millisecond)

	cancel()
}

func TestTickerIsNoOpWhenIntervalNonPositive(t *testing.T) {
	store := metrics.New()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ticker := NewTicker(0, []string{"api"}, store, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticker.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, buf.String())
}
