package sequence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"imchat/cmd/internal/durable"
)

// writeBehind coalesces allocated sequence numbers per conversation and merges them
// into the durable store from a fixed pool of workers. Only the highest pending value
// per conversation is kept; the durable upsert is GREATEST-merge, so a late or
// duplicated write never lowers the stored counter.
type writeBehind struct {
	store   durable.SequenceStore
	log     *slog.Logger
	retries int
	onWrite func(result string)

	mu       sync.Mutex
	pending  map[string]int64
	attempts map[string]int
	inflight map[string]*flight
	order    []string
	stopping bool

	wake    chan struct{}
	stop    chan struct{}
	hardCtx context.Context
	hard    context.CancelFunc
	group   *errgroup.Group
}

// flight tracks upserts currently executing for one conversation.
type flight struct {
	seq     int64
	writers int
}

func newWriteBehind(store durable.SequenceStore, workers, retries int, log *slog.Logger, onWrite func(string)) *writeBehind {
	hardCtx, hard := context.WithCancel(context.Background())
	w := &writeBehind{
		store:    store,
		log:      log,
		retries:  retries,
		onWrite:  onWrite,
		pending:  make(map[string]int64),
		attempts: make(map[string]int),
		inflight: make(map[string]*flight),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		hardCtx:  hardCtx,
		hard:     hard,
		group:    &errgroup.Group{},
	}
	for range workers {
		w.group.Go(w.run)
	}
	return w
}

// enqueue records seq as the latest allocation for conversationID.
// After close it writes synchronously.
func (w *writeBehind) enqueue(conversationID string, seq int64) {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		w.write(context.Background(), conversationID, seq)
		return
	}
	cur, ok := w.pending[conversationID]
	if !ok {
		w.order = append(w.order, conversationID)
	}
	w.pending[conversationID] = max(cur, seq)
	w.mu.Unlock()

	w.signal()
}

func (w *writeBehind) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *writeBehind) take() (string, int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.order) > 0 {
		conv := w.order[0]
		w.order = w.order[1:]
		seq, ok := w.pending[conv]
		if !ok {
			continue
		}
		delete(w.pending, conv)
		f := w.inflight[conv]
		if f == nil {
			f = &flight{}
			w.inflight[conv] = f
		}
		f.writers++
		f.seq = max(f.seq, seq)
		if len(w.order) > 0 {
			// Let another worker pick up the rest.
			w.signal()
		}
		return conv, seq, true
	}
	return "", 0, false
}

func (w *writeBehind) run() error {
	for {
		conv, seq, ok := w.take()
		if ok {
			w.flushOne(conv, seq)
			continue
		}
		select {
		case <-w.wake:
		case <-w.stop:
			// Drain whatever is left, then exit.
			for {
				conv, seq, ok := w.take()
				if !ok {
					return nil
				}
				w.flushOne(conv, seq)
			}
		}
	}
}

func (w *writeBehind) flushOne(conv string, seq int64) {
	err := w.store.MaxMergeSequence(w.hardCtx, conv, seq)

	w.mu.Lock()
	if f := w.inflight[conv]; f != nil {
		if f.writers--; f.writers <= 0 {
			delete(w.inflight, conv)
		}
	}
	if err == nil {
		delete(w.attempts, conv)
		w.mu.Unlock()
		w.onWrite("ok")
		return
	}

	w.attempts[conv]++
	n := w.attempts[conv]
	if n >= w.retries || w.hardCtx.Err() != nil {
		delete(w.attempts, conv)
		w.mu.Unlock()
		w.onWrite("dropped")
		w.log.Error("seq.write_behind.dropped",
			"conversation_id", conv, "seq", seq, "attempts", n, "err", err)
		return
	}

	cur, ok := w.pending[conv]
	if !ok {
		w.order = append(w.order, conv)
	}
	w.pending[conv] = max(cur, seq)
	w.mu.Unlock()

	w.onWrite("retry")
	w.log.Warn("seq.write_behind.retry", "conversation_id", conv, "seq", seq, "attempt", n, "err", err)

	// Brief pause so a failing store is not hammered in a tight loop.
	t := time.NewTimer(time.Duration(n) * 50 * time.Millisecond)
	select {
	case <-t.C:
	case <-w.hardCtx.Done():
		t.Stop()
	}
	w.signal()
}

// flushConversation synchronously merges the highest value pending or in flight for
// conversationID into the durable store.
func (w *writeBehind) flushConversation(ctx context.Context, conversationID string) error {
	w.mu.Lock()
	seq, ok := w.pending[conversationID]
	delete(w.pending, conversationID)
	delete(w.attempts, conversationID)
	if f, busy := w.inflight[conversationID]; busy {
		seq, ok = max(seq, f.seq), true
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	return w.store.MaxMergeSequence(ctx, conversationID, seq)
}

// settle forgets any pending value for conversationID and waits until no write for it
// is in flight, so a following durable write is not overtaken by a stale merge.
func (w *writeBehind) settle(ctx context.Context, conversationID string) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()

	for {
		w.mu.Lock()
		delete(w.pending, conversationID)
		delete(w.attempts, conversationID)
		_, busy := w.inflight[conversationID]
		w.mu.Unlock()
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// pendingFor returns the highest value not yet confirmed durable.
func (w *writeBehind) pendingFor(conversationID string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.pending[conversationID]
	if f := w.inflight[conversationID]; f != nil {
		n = max(n, f.seq)
	}
	return n
}

// size returns the number of conversations with pending values.
func (w *writeBehind) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *writeBehind) write(ctx context.Context, conv string, seq int64) {
	if err := w.store.MaxMergeSequence(ctx, conv, seq); err != nil {
		w.onWrite("dropped")
		w.log.Error("seq.write_behind.dropped", "conversation_id", conv, "seq", seq, "err", err)
		return
	}
	w.onWrite("ok")
}

// close stops accepting queued work and waits for the workers to drain. If ctx ends
// first, in-flight writes are canceled and ctx's error is returned.
func (w *writeBehind) close(ctx context.Context) error {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return nil
	}
	w.stopping = true
	w.mu.Unlock()
	close(w.stop)

	done := make(chan struct{})
	go func() {
		_ = w.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.hard()
		return nil
	case <-ctx.Done():
		w.hard()
		<-done
		if left := w.size(); left > 0 {
			w.log.Error("seq.write_behind.abandoned", "conversations", left)
		}
		return ctx.Err()
	}
}
