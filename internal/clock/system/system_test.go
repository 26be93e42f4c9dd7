package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClockNowIsUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.WithinRange(t, got, before, after)
}

func TestClockOrdersJobTimestamps(t *testing.T) {
	t.Parallel()

	clk := Clock{}
	created := clk.Now()
	started := clk.Now()
	require.False(t, started.Before(created), "started %v precedes created %v", started, created)
}
