package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imchat/cmd/internal/cachemgr"
	"imchat/cmd/internal/durable"
	"imchat/cmd/internal/idempotency"
	"imchat/cmd/internal/remote"
	"imchat/cmd/internal/sequence"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustAcceptor(t *testing.T, opts ...Option) *Acceptor {
	t.Helper()

	log := discardLogger()
	mgr, err := cachemgr.New(remote.NewMemoryStore(), cachemgr.DefaultConfig(), cachemgr.WithLogger(log))
	require.NoError(t, err)
	ds := durable.NewInMemoryStore()

	alloc, err := sequence.New(mgr, ds, sequence.DefaultConfig(), sequence.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Close(context.Background()) })

	guard, err := idempotency.New(mgr, ds, idempotency.DefaultConfig(), idempotency.WithLogger(log))
	require.NoError(t, err)

	a, err := NewAcceptor(alloc, guard, append([]Option{WithLogger(log)}, opts...)...)
	require.NoError(t, err)
	return a
}

func TestAcceptor_FreshThenDuplicate(t *testing.T) {
	ctx := context.Background()
	a := mustAcceptor(t)

	first, err := a.Accept(ctx, "conv", "m1", "u1")
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Equal(t, int64(1), first.Seq)
	require.NotEmpty(t, first.ServerMsgID)
	require.Equal(t, ShardOf("conv", DefaultShards), first.Shard)

	again, err := a.Accept(ctx, "conv", "m1", "u1")
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Zero(t, again.Seq)
	require.Equal(t, first.ServerMsgID, again.ServerMsgID)

	next, err := a.Accept(ctx, "conv", "m2", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), next.Seq)
}

func TestAcceptor_ConcurrentResubmissions(t *testing.T) {
	ctx := context.Background()
	a := mustAcceptor(t)

	const n = 30
	results := make([]Accepted, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := a.Accept(ctx, "conv", "same", "u1")
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			results[i] = r
		}()
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		require.Equal(t, results[0].ServerMsgID, r.ServerMsgID)
		if !r.Duplicate {
			fresh++
			require.Positive(t, r.Seq)
		}
	}
	require.Equal(t, 1, fresh)
}

func TestAcceptor_DistinctMessagesGetDenseSequences(t *testing.T) {
	ctx := context.Background()
	a := mustAcceptor(t)

	const n = 50
	var (
		mu   sync.Mutex
		seqs = make(map[int64]bool)
		wg   sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := a.Accept(ctx, "conv", fmt.Sprintf("m-%d", i), "u")
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			mu.Lock()
			seqs[r.Seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i := int64(1); i <= n; i++ {
		require.True(t, seqs[i], "missing seq %d", i)
	}
}

func TestAcceptor_IDGeneratorError(t *testing.T) {
	boom := errors.New("entropy")
	a := mustAcceptor(t, WithIDGenerator(func(time.Time) (string, error) { return "", boom }))

	_, err := a.Accept(context.Background(), "conv", "m", "u")
	require.ErrorIs(t, err, boom)
}

func TestAcceptor_InvalidInput(t *testing.T) {
	a := mustAcceptor(t)
	_, err := a.Accept(context.Background(), "", "m", "u")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestShardOf(t *testing.T) {
	require.Zero(t, ShardOf("anything", 1))
	for _, c := range []string{"a", "conv-1", "conv-2", "Ωmega"} {
		s := ShardOf(c, DefaultShards)
		require.GreaterOrEqual(t, s, 0)
		require.Less(t, s, DefaultShards)
		require.Equal(t, s, ShardOf(c, DefaultShards))
	}
}
