package ttl

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/storage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeStore struct {
	storage.Store

	sunk            map[string]time.Time
	demotedRunning  []string
	demotedStandby  []string
	gotStandbyIdle  time.Duration
	gotArchivedIdle time.Duration
}

func (f *fakeStore) SinkActivity(ctx context.Context, samples map[string]time.Time) (int, error) {
	f.sunk = samples
	return len(samples), nil
}

func (f *fakeStore) DemoteIdleRunning(ctx context.Context, idle time.Duration) ([]string, error) {
	f.gotStandbyIdle = idle
	return f.demotedRunning, nil
}

func (f *fakeStore) DemoteIdleStandby(ctx context.Context, idle time.Duration) ([]string, error) {
	f.gotArchivedIdle = idle
	return f.demotedStandby, nil
}

type fakeBroker struct {
	activity map[string]time.Time
	wakes    []string
}

func (f *fakeBroker) DrainActivity(ctx context.Context) (map[string]time.Time, error) {
	out := f.activity
	f.activity = nil
	return out, nil
}

func (f *fakeBroker) PublishWake(ctx context.Context, loop string) error {
	f.wakes = append(f.wakes, loop)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestTickSinksActivity(t *testing.T) {
	now := time.Now()
	store := &fakeStore{}
	b := &fakeBroker{activity: map[string]time.Time{"ws-1": now, "ws-2": now.Add(-time.Minute)}}

	l := New(store, b, testConfig(t))
	require.NoError(t, l.Tick(context.Background()))

	assert.Len(t, store.sunk, 2)
	assert.Equal(t, now, store.sunk["ws-1"])
}

func TestTickDemotesAndWakes(t *testing.T) {
	store := &fakeStore{
		demotedRunning: []string{"ws-1"},
		demotedStandby: []string{"ws-2", "ws-3"},
	}
	b := &fakeBroker{}
	cfg := testConfig(t)

	l := New(store, b, cfg)
	require.NoError(t, l.Tick(context.Background()))

	assert.Equal(t, cfg.StandbyTTL, store.gotStandbyIdle)
	assert.Equal(t, cfg.ArchiveTTL, store.gotArchivedIdle)
	assert.Equal(t, []string{"wc"}, b.wakes)
}

func TestTickQuietPassStaysSilent(t *testing.T) {
	store := &fakeStore{}
	b := &fakeBroker{}

	l := New(store, b, testConfig(t))
	require.NoError(t, l.Tick(context.Background()))

	assert.Nil(t, store.sunk, "no samples, no sink call")
	assert.Empty(t, b.wakes, "no demotion, no wake hint")
}
