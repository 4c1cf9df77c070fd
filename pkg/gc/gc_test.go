package gc

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/agent"
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

	prot *storage.GCProtection
	err  error
}

func (f *fakeStore) ComputeGCProtection(ctx context.Context) (*storage.GCProtection, error) {
	return f.prot, f.err
}

type fakeSweeper struct {
	req  *agent.GCRequest
	resp *agent.GCResponse
}

func (f *fakeSweeper) GC(ctx context.Context, req *agent.GCRequest) (*agent.GCResponse, error) {
	f.req = req
	return f.resp, nil
}

func TestTickHandsProtectionSetToAgent(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	store := &fakeStore{prot: &storage.GCProtection{
		ArchiveKeys:         []string{"ws-1/op-3/home.tar.zst"},
		ProtectedWorkspaces: []string{"ws-2"},
	}}
	sweeper := &fakeSweeper{resp: &agent.GCResponse{DeletedKeys: []string{"ws-9/op-1/home.tar.zst"}}}

	c := New(store, sweeper, cfg)
	require.NoError(t, c.Tick(context.Background()))

	require.NotNil(t, sweeper.req)
	assert.Equal(t, []string{"ws-1/op-3/home.tar.zst"}, sweeper.req.ArchiveKeys)
	assert.Equal(t, []string{"ws-2"}, sweeper.req.ProtectedWorkspaces)
	assert.Equal(t, cfg.GCRetentionCount, sweeper.req.RetentionCount)
	assert.Equal(t, int(cfg.GCOrphanGrace.Seconds()), sweeper.req.OrphanGraceSeconds)
}

func TestTickStopsOnProtectionFailure(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	store := &fakeStore{err: errors.New("db down")}
	sweeper := &fakeSweeper{}

	c := New(store, sweeper, cfg)
	require.Error(t, c.Tick(context.Background()))
	assert.Nil(t, sweeper.req, "no sweep without a protection set")
}
