package workerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionsWithDefaultsFillsZeroValues(t *testing.T) {
	o := Options{}.withDefaults()
	require.Equal(t, 2, o.Concurrency)
	require.Equal(t, 1*time.Second, o.MinPollInterval)
	require.Equal(t, 10*time.Second, o.MaxPollInterval)
	require.Equal(t, 1.5, o.PollBackoffRatio)
	require.Equal(t, 30*time.Minute, o.StuckClaimTimeout)
	require.Equal(t, 30*time.Second, o.ShutdownTimeout)
}

func TestOptionsWithDefaultsPreservesExplicitValues(t *testing.T) {
	o := Options{Concurrency: 8, MaxPollInterval: 2 * time.Second}.withDefaults()
	require.Equal(t, 8, o.Concurrency)
	require.Equal(t, 2*time.Second, o.MaxPollInterval)
}

func TestGrowIntervalCapsAtMax(t *testing.T) {
	p := &Pool{Opts: Options{MaxPollInterval: 1 * time.Second, PollBackoffRatio: 1.5}}
	next := p.growInterval(900 * time.Millisecond)
	require.Equal(t, 1*time.Second, next)
}

func TestGrowIntervalAppliesRatioBelowCap(t *testing.T) {
	p := &Pool{Opts: Options{MaxPollInterval: 10 * time.Second, PollBackoffRatio: 2}}
	next := p.growInterval(100 * time.Millisecond)
	require.Equal(t, 200*time.Millisecond, next)
}
