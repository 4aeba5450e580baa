package monitor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-desk/internal/events"
	"trading-desk/pkg/logger"
)

func TestMonitorCountsAndForwardsAlerts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	bus := events.NewBus()
	got := make(chan events.Alert, 1)
	m := &Monitor{Bus: bus, Log: logger.NewWithWriter(&buf, "info"), AlertFn: func(a events.Alert) { got <- a }}
	m.Start(ctx)

	before := testutil.ToFloat64(OperationalAlerts.WithLabelValues(events.AlertStopTimeout))
	bus.Publish(events.EventOperationalAlert, events.Alert{Kind: events.AlertStopTimeout, Subject: "s1", Message: "worker abandoned"})

	select {
	case a := <-got:
		assert.Equal(t, "s1", a.Subject)
	case <-time.After(time.Second):
		t.Fatal("alert not forwarded")
	}
	assert.Equal(t, before+1, testutil.ToFloat64(OperationalAlerts.WithLabelValues(events.AlertStopTimeout)))
	assert.Contains(t, buf.String(), "worker abandoned")
}

func TestSetStrategyState(t *testing.T) {
	all := []string{"STOPPED", "RUNNING", "FAILED"}
	SetStrategyState("alpha", "RUNNING", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(StrategyState.WithLabelValues("alpha", "RUNNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(StrategyState.WithLabelValues("alpha", "STOPPED")))

	SetStrategyState("alpha", "FAILED", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(StrategyState.WithLabelValues("alpha", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(StrategyState.WithLabelValues("alpha", "FAILED")))
}

func TestCollectorsRegistered(t *testing.T) {
	SnapshotVersion.Set(7)
	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["desk_snapshot_version"])
}
