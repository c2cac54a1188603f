package durable

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"imchat/cmd/internal/ids"
)

// testStoreContract exercises the Store semantics both implementations must share.
func testStoreContract(t *testing.T, st Store) {
	t.Helper()

	t.Run("sequence", func(t *testing.T) {
		ctx := context.Background()
		conv := "conv-seq-" + ids.NewRandomHex(6)

		cur, err := st.CurrentSequence(ctx, conv)
		require.NoError(t, err)
		require.Zero(t, cur)

		require.NoError(t, st.MaxMergeSequence(ctx, conv, 10))
		require.NoError(t, st.MaxMergeSequence(ctx, conv, 4))
		cur, err = st.CurrentSequence(ctx, conv)
		require.NoError(t, err)
		require.Equal(t, int64(10), cur)

		n, err := st.IncrementSequence(ctx, conv)
		require.NoError(t, err)
		require.Equal(t, int64(11), n)

		require.NoError(t, st.SetSequence(ctx, conv, 3))
		cur, err = st.CurrentSequence(ctx, conv)
		require.NoError(t, err)
		require.Equal(t, int64(3), cur)

		fresh := "conv-inc-" + ids.NewRandomHex(6)
		n, err = st.IncrementSequence(ctx, fresh)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	})

	t.Run("increment is atomic", func(t *testing.T) {
		ctx := context.Background()
		conv := "conv-atomic-" + ids.NewRandomHex(6)

		const workers = 20
		got := make(chan int64, workers)
		var wg sync.WaitGroup
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := st.IncrementSequence(ctx, conv)
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
				got <- n
			}()
		}
		wg.Wait()
		close(got)

		seen := make(map[int64]bool)
		for n := range got {
			require.False(t, seen[n], "duplicate seq %d", n)
			seen[n] = true
		}
		for i := int64(1); i <= workers; i++ {
			require.True(t, seen[i], "missing seq %d", i)
		}
	})

	t.Run("idempotency", func(t *testing.T) {
		ctx := context.Background()
		conv := "conv-idem-" + ids.NewRandomHex(6)

		_, ok, err := st.LookupServerMsgID(ctx, conv, "m1")
		require.NoError(t, err)
		require.False(t, ok)

		res, err := st.InsertIdempotency(ctx, IdempotencyRecord{
			ConversationID: conv, ClientMsgID: "m1", ServerMsgID: "101", SenderID: "u1",
		})
		require.NoError(t, err)
		require.Equal(t, InsertOK, res)

		res, err = st.InsertIdempotency(ctx, IdempotencyRecord{
			ConversationID: conv, ClientMsgID: "m1", ServerMsgID: "202", SenderID: "u1",
		})
		require.NoError(t, err)
		require.Equal(t, InsertDuplicate, res)

		id, ok, err := st.LookupServerMsgID(ctx, conv, "m1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "101", id)

		n, err := st.CountIdempotency(ctx, conv)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		deleted, err := st.DeleteIdempotency(ctx, conv, "m1")
		require.NoError(t, err)
		require.True(t, deleted)

		deleted, err = st.DeleteIdempotency(ctx, conv, "m1")
		require.NoError(t, err)
		require.False(t, deleted)
	})

	t.Run("retention batches", func(t *testing.T) {
		ctx := context.Background()
		conv := "conv-ret-" + ids.NewRandomHex(6)
		old := time.Now().UTC().Add(-48 * time.Hour)

		for i := range 5 {
			_, err := st.InsertIdempotency(ctx, IdempotencyRecord{
				ConversationID: conv,
				ClientMsgID:    fmt.Sprintf("old-%d", i),
				ServerMsgID:    fmt.Sprintf("s-%d", i),
				CreatedAt:      old,
			})
			require.NoError(t, err)
		}
		_, err := st.InsertIdempotency(ctx, IdempotencyRecord{
			ConversationID: conv, ClientMsgID: "new", ServerMsgID: "s-new",
		})
		require.NoError(t, err)

		cutoff := time.Now().UTC().Add(-24 * time.Hour)
		n, err := st.DeleteIdempotencyBefore(ctx, cutoff, 3)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		n, err = st.DeleteIdempotencyBefore(ctx, cutoff, 0)
		require.NoError(t, err)
		require.Equal(t, int64(2), n)

		left, err := st.CountIdempotency(ctx, conv)
		require.NoError(t, err)
		require.Equal(t, int64(1), left)
	})

	t.Run("invalid input", func(t *testing.T) {
		ctx := context.Background()

		_, err := st.CurrentSequence(ctx, "")
		require.True(t, IsInvalidInput(err))

		_, err = st.InsertIdempotency(ctx, IdempotencyRecord{ConversationID: "c"})
		require.True(t, IsInvalidInput(err))

		err = st.MaxMergeSequence(ctx, "c", -1)
		require.True(t, IsInvalidInput(err))
	})
}
