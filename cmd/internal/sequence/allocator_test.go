package sequence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"imchat/cmd/internal/cachemgr"
	"imchat/cmd/internal/durable"
	"imchat/cmd/internal/remote"
	"imchat/cmd/internal/remote/remotetest"
)

type fixture struct {
	remote  *remote.MemoryStore
	flaky   *remotetest.Flaky
	durable *durable.InMemoryStore
	alloc   *Allocator
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		remote:  remote.NewMemoryStore(),
		durable: durable.NewInMemoryStore(),
	}
	f.flaky = remotetest.NewFlaky(f.remote)
	f.alloc = mustAllocator(t, f.flaky, f.durable)
	return f
}

func mustAllocator(t *testing.T, store remote.Store, ds durable.SequenceStore) *Allocator {
	t.Helper()

	mgr, err := cachemgr.New(store, cachemgr.DefaultConfig(), cachemgr.WithLogger(discardLogger()))
	require.NoError(t, err)

	a, err := New(mgr, ds, DefaultConfig(), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestAllocator_ConcurrentAllocationsAreDenseAndUnique(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 200
	got := make([]int64, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := f.alloc.NextSequence(ctx, "conv-a")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			got[i] = seq
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, seq := range got {
		require.Equal(t, int64(i+1), seq)
	}
}

func TestAllocator_ConcurrentAcrossInstances(t *testing.T) {
	ctx := context.Background()
	shared := remote.NewMemoryStore()
	ds := durable.NewInMemoryStore()
	allocs := []*Allocator{
		mustAllocator(t, shared, ds),
		mustAllocator(t, shared, ds),
	}

	const n = 100
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
		wg   sync.WaitGroup
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := allocs[i%2].NextSequence(ctx, "conv-x")
			if err != nil {
				t.Errorf("next: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[seq] {
				t.Errorf("duplicate seq %d", seq)
			}
			seen[seq] = true
		}()
	}
	wg.Wait()

	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "missing seq %d", i)
	}
}

func TestAllocator_BootstrapFromDurable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.durable.SetSequence(ctx, "c", 50))

	for _, want := range []int64{51, 52, 53} {
		seq, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	raw, ok, err := f.remote.Get(ctx, "comm:seq:c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "53", string(raw))
}

func TestAllocator_ReseedsWhenCounterDisappears(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for range 3 {
		_, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
	}
	// Simulate expiry behind the allocator's back.
	require.NoError(t, f.remote.Delete(ctx, "comm:seq:c"))

	seq, err := f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(4), seq)
}

func TestAllocator_CounterDeletedDuringConcurrentAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var last int64
	for range 50 {
		seq, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
		last = seq
	}
	require.Equal(t, int64(50), last)

	// Slow replies widen the gap between an increment and the allocator acting on it.
	f.flaky.SetDelay(time.Millisecond)

	issued := make(map[int64]bool)
	for round := range 5 {
		require.NoError(t, f.remote.Delete(ctx, "comm:seq:c"))

		const workers = 16
		got := make([]int64, workers)
		var wg sync.WaitGroup
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				seq, err := f.alloc.NextSequence(ctx, "c")
				if err != nil {
					t.Errorf("round %d: next: %v", round, err)
					return
				}
				got[i] = seq
			}()
		}
		wg.Wait()

		for _, seq := range got {
			require.Greater(t, seq, last, "round %d: reissued %d (all: %v)", round, seq, got)
			require.False(t, issued[seq], "round %d: duplicate %d (all: %v)", round, seq, got)
			issued[seq] = true
		}
		for _, seq := range got {
			last = max(last, seq)
		}
	}
}

func TestAllocator_WriteBehindMergesMax(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for range 10 {
		_, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
	}
	require.NoError(t, f.alloc.Close(ctx))

	cur, err := f.durable.CurrentSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(10), cur)

	// A late, older value must not lower the durable counter.
	require.NoError(t, f.durable.MaxMergeSequence(ctx, "c", 4))
	cur, err = f.durable.CurrentSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(10), cur)
}

func TestAllocator_DegradedModeKeepsOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for want := int64(1); want <= 3; want++ {
		seq, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	f.flaky.SetDown(true)
	for want := int64(4); want <= 5; want++ {
		seq, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, want, seq)
	}

	f.flaky.SetDown(false)
	seq, err := f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(6), seq)

	seq, err = f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(7), seq)
}

func TestAllocator_DegradedWithDurableDownFails(t *testing.T) {
	ctx := context.Background()
	ds := &failingSeqStore{SequenceStore: durable.NewInMemoryStore()}
	flaky := remotetest.NewFlaky(remote.NewMemoryStore())
	a := mustAllocator(t, flaky, ds)

	flaky.SetDown(true)
	ds.failAll.Store(true)

	_, err := a.NextSequence(ctx, "c")
	require.Error(t, err)
	require.ErrorIs(t, err, errStoreDown)
}

func TestAllocator_BootstrapDurableFailureIsNotDegraded(t *testing.T) {
	ctx := context.Background()
	ds := &failingSeqStore{SequenceStore: durable.NewInMemoryStore()}
	ds.failAll.Store(true)
	a := mustAllocator(t, remote.NewMemoryStore(), ds)

	_, err := a.NextSequence(ctx, "c")
	require.ErrorIs(t, err, errStoreDown)
	require.Zero(t, ds.increments.Load())
}

func TestAllocator_WriteBehindRetries(t *testing.T) {
	ctx := context.Background()
	ds := &failingSeqStore{SequenceStore: durable.NewInMemoryStore()}
	ds.mergeFailures.Store(2)
	a := mustAllocator(t, remote.NewMemoryStore(), ds)

	seq, err := a.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	require.Eventually(t, func() bool {
		cur, err := ds.CurrentSequence(ctx, "c")
		return err == nil && cur == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAllocator_CurrentSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cur, err := f.alloc.CurrentSequence(ctx, "c")
	require.NoError(t, err)
	require.Zero(t, cur)

	for range 4 {
		_, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
	}
	cur, err = f.alloc.CurrentSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(4), cur)

	f.flaky.SetDown(true)
	cur, err = f.alloc.CurrentSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(4), cur)
}

func TestAllocator_ResetSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for range 5 {
		_, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
	}

	require.NoError(t, f.alloc.ResetSequence(ctx, "c", 100))
	seq, err := f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(101), seq)

	require.NoError(t, f.alloc.ResetSequence(ctx, "c", 0))
	seq, err = f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	require.ErrorIs(t, f.alloc.ResetSequence(ctx, "c", -1), ErrInvalidInput)
}

func TestAllocator_ResetWhileRemoteDownRebuildsLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)

	f.flaky.SetDown(true)
	require.Error(t, f.alloc.ResetSequence(ctx, "c", 40))
	f.flaky.SetDown(false)

	seq, err := f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(41), seq)
}

func TestAllocator_Preload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.durable.SetSequence(ctx, "c1", 5))

	n, err := f.alloc.Preload(ctx, "c1", "c2", "")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	raw, ok, err := f.remote.Get(ctx, "comm:seq:c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "5", string(raw))

	n, err = f.alloc.Preload(ctx, "c1", "c2")
	require.NoError(t, err)
	require.Zero(t, n)

	seq, err := f.alloc.NextSequence(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(6), seq)
}

func TestAllocator_PreloadSkipsFailingConversation(t *testing.T) {
	ctx := context.Background()
	ds := &failingSeqStore{SequenceStore: durable.NewInMemoryStore(), failConv: "bad"}
	store := remote.NewMemoryStore()
	a := mustAllocator(t, store, ds)

	n, err := a.Preload(ctx, "bad", "c1", "c2", "c3")
	require.ErrorIs(t, err, errStoreDown)
	require.Contains(t, err.Error(), "preload bad")
	require.Equal(t, 3, n)

	for _, conv := range []string{"c1", "c2", "c3"} {
		exists, err := store.Exists(ctx, "comm:seq:"+conv)
		require.NoError(t, err)
		require.True(t, exists, conv)
	}
	exists, err := store.Exists(ctx, "comm:seq:bad")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAllocator_ClearCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for range 3 {
		_, err := f.alloc.NextSequence(ctx, "c")
		require.NoError(t, err)
	}
	f.alloc.ClearCache(ctx, "c")

	exists, err := f.remote.Exists(ctx, "comm:seq:c")
	require.NoError(t, err)
	require.False(t, exists)

	seq, err := f.alloc.NextSequence(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(4), seq)

	f.flaky.SetDown(true)
	f.alloc.ClearCache(ctx, "c") // logged, not returned
}

func TestAllocator_InvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.alloc.NextSequence(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.alloc.CurrentSequence(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestAllocator_Collectors(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	for _, c := range f.alloc.Collectors() {
		require.NoError(t, reg.Register(c))
	}

	_, err := f.alloc.NextSequence(context.Background(), "c")
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, fam := range families {
		names[fam.GetName()] = true
	}
	require.True(t, names["imchat_seq_allocations_total"])
	require.True(t, names["imchat_seq_write_behind_pending"])
}

var errStoreDown = errors.New("durable down")

// failingSeqStore injects durable failures.
type failingSeqStore struct {
	durable.SequenceStore

	failAll       atomic.Bool
	failConv      string
	mergeFailures atomic.Int64
	increments    atomic.Int64
}

func (s *failingSeqStore) CurrentSequence(ctx context.Context, conv string) (int64, error) {
	if s.failAll.Load() || conv == s.failConv {
		return 0, errStoreDown
	}
	return s.SequenceStore.CurrentSequence(ctx, conv)
}

func (s *failingSeqStore) MaxMergeSequence(ctx context.Context, conv string, seq int64) error {
	if s.failAll.Load() {
		return errStoreDown
	}
	if s.mergeFailures.Add(-1) >= 0 {
		return errStoreDown
	}
	return s.SequenceStore.MaxMergeSequence(ctx, conv, seq)
}

func (s *failingSeqStore) IncrementSequence(ctx context.Context, conv string) (int64, error) {
	s.increments.Add(1)
	if s.failAll.Load() {
		return 0, errStoreDown
	}
	return s.SequenceStore.IncrementSequence(ctx, conv)
}
