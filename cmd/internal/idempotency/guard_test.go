package idempotency

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imchat/cmd/internal/cachemgr"
	"imchat/cmd/internal/durable"
	"imchat/cmd/internal/remote"
	"imchat/cmd/internal/remote/remotetest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	flaky   *remotetest.Flaky
	durable *durable.InMemoryStore
	guard   *Guard
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		flaky:   remotetest.NewFlaky(remote.NewMemoryStore()),
		durable: durable.NewInMemoryStore(),
	}
	f.guard = mustGuard(t, f.flaky, f.durable, cfg)
	return f
}

func mustGuard(t *testing.T, store remote.Store, ds durable.IdempotencyStore, cfg Config) *Guard {
	t.Helper()

	mgr, err := cachemgr.New(store, cachemgr.DefaultConfig(), cachemgr.WithLogger(discardLogger()))
	require.NoError(t, err)

	g, err := New(mgr, ds, cfg, WithLogger(discardLogger()))
	require.NoError(t, err)
	return g
}

func TestGuard_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	id, dup, err := f.guard.CheckAndRecord(ctx, "c", "m1", "101", "u")
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "101", id)

	id, dup, err = f.guard.CheckAndRecord(ctx, "c", "m1", "202", "u")
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, "101", id)

	id, ok, err := f.guard.CheckMessageExists(ctx, "c", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "101", id)
}

func TestGuard_ConcurrentSubmissionsAgree(t *testing.T) {
	ctx := context.Background()
	shared := remote.NewMemoryStore()
	ds := durable.NewInMemoryStore()
	guards := []*Guard{
		mustGuard(t, shared, ds, DefaultConfig()),
		mustGuard(t, shared, ds, DefaultConfig()),
	}

	const n = 40
	var (
		wg     sync.WaitGroup
		fresh  atomic.Int64
		mu     sync.Mutex
		winner = make(map[string]int)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, dup, err := guards[i%2].CheckAndRecord(ctx, "c", "m-race", fmt.Sprintf("srv-%d", i), "u")
			if err != nil {
				t.Errorf("check and record: %v", err)
				return
			}
			if !dup {
				fresh.Add(1)
			}
			mu.Lock()
			winner[id]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), fresh.Load())
	require.Len(t, winner, 1)

	cnt, err := ds.CountIdempotency(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), cnt)
}

func TestGuard_LostRaceReturnsWinner(t *testing.T) {
	ctx := context.Background()
	ds := &racyStore{InMemoryStore: durable.NewInMemoryStore()}
	ds.hideLookups.Store(1)
	g := mustGuard(t, remote.NewMemoryStore(), ds, DefaultConfig())

	_, err := ds.InsertIdempotency(ctx, durable.IdempotencyRecord{
		ConversationID: "c", ClientMsgID: "m", ServerMsgID: "winner",
	})
	require.NoError(t, err)

	id, dup, err := g.CheckAndRecord(ctx, "c", "m", "loser", "u")
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, "winner", id)
}

func TestGuard_UnresolvedConflict(t *testing.T) {
	ctx := context.Background()
	ds := &racyStore{InMemoryStore: durable.NewInMemoryStore()}
	ds.hideLookups.Store(1 << 30)
	g := mustGuard(t, remote.NewMemoryStore(), ds, DefaultConfig())

	_, err := ds.InsertIdempotency(ctx, durable.IdempotencyRecord{
		ConversationID: "c", ClientMsgID: "m", ServerMsgID: "ghost",
	})
	require.NoError(t, err)

	_, _, err = g.CheckAndRecord(ctx, "c", "m", "mine", "u")
	require.ErrorIs(t, err, ErrUnresolvedConflict)
}

func TestGuard_RemoteDownFallsBackToDurable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, _, err := f.guard.CheckAndRecord(ctx, "c", "m1", "101", "u")
	require.NoError(t, err)

	f.flaky.SetDown(true)

	id, ok, err := f.guard.CheckMessageExists(ctx, "c", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "101", id)

	id, dup, err := f.guard.CheckAndRecord(ctx, "c", "m2", "303", "u")
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "303", id)

	id, dup, err = f.guard.CheckAndRecord(ctx, "c", "m2", "404", "u")
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, "303", id)
}

func TestGuard_DurableErrorPropagates(t *testing.T) {
	ctx := context.Background()
	ds := durable.NewInMemoryStore()
	g := mustGuard(t, remote.NewMemoryStore(), ds, DefaultConfig())
	require.NoError(t, ds.Close())

	_, _, err := g.CheckAndRecord(ctx, "c", "m", "1", "u")
	require.ErrorIs(t, err, durable.ErrClosed)
}

func TestGuard_RemoveEvictsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, _, err := f.guard.CheckAndRecord(ctx, "c", "m1", "101", "u")
	require.NoError(t, err)

	deleted, err := f.guard.Remove(ctx, "c", "m1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := f.guard.CheckMessageExists(ctx, "c", "m1")
	require.NoError(t, err)
	require.False(t, ok)

	id, dup, err := f.guard.CheckAndRecord(ctx, "c", "m1", "202", "u")
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, "202", id)
}

func TestGuard_CleanExpiredRecordsInBatches(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.CleanupBatch = 10
	f := newFixture(t, cfg)

	old := time.Now().UTC().Add(-30 * 24 * time.Hour)
	for i := range 25 {
		_, err := f.durable.InsertIdempotency(ctx, durable.IdempotencyRecord{
			ConversationID: "c",
			ClientMsgID:    fmt.Sprintf("old-%d", i),
			ServerMsgID:    fmt.Sprintf("s-%d", i),
			CreatedAt:      old,
		})
		require.NoError(t, err)
	}
	_, _, err := f.guard.CheckAndRecord(ctx, "c", "fresh", "s-fresh", "u")
	require.NoError(t, err)

	n, err := f.guard.RunRetentionOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(25), n)

	cnt, err := f.guard.CountRecords(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), cnt)
}

func TestGuard_RunRetentionStops(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.guard.RunRetention(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention loop did not stop")
	}

	cfg := DefaultConfig()
	cfg.CleanupCron = ""
	disabled := newFixture(t, cfg)
	disabled.guard.RunRetention(context.Background()) // returns immediately
}

func TestGuard_InvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	_, _, err := f.guard.CheckMessageExists(ctx, "", "m")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.guard.RecordMessageIdempotency(ctx, "c", "m", "", "u")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.guard.CleanExpiredRecords(ctx, time.Time{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("IMCHAT_IDEM_CLEANUP_CRON", "off")
	t.Setenv("IMCHAT_IDEM_CLEANUP_BATCH", "50")
	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	require.Empty(t, cfg.CleanupCron)
	require.Equal(t, 50, cfg.CleanupBatch)

	t.Setenv("IMCHAT_IDEM_CLEANUP_CRON", "every tuesday")
	_, err = LoadConfigFromEnv()
	require.ErrorIs(t, err, ErrConfig)
}

// racyStore hides existing records from the first N lookups, reproducing a writer
// that commits between the check and the insert.
type racyStore struct {
	*durable.InMemoryStore
	hideLookups atomic.Int64
}

func (s *racyStore) LookupServerMsgID(ctx context.Context, conv, client string) (string, bool, error) {
	if s.hideLookups.Add(-1) >= 0 {
		return "", false, nil
	}
	return s.InMemoryStore.LookupServerMsgID(ctx, conv, client)
}
