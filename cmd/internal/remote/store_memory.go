package remote

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const memorySubscriptionBuffer = 256

type memoryItem struct {
	value    []byte
	expireAt time.Time // zero = no expiry
}

// MemoryStore is an in-process Store. A single instance may be shared by several
// managers to simulate a multi-node deployment. Published payloads are delivered to
// subscribers asynchronously; a subscriber with a full buffer misses the payload.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]memoryItem
	subs   map[string]map[*memorySubscription]struct{}
	now    func() time.Time
	closed bool
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memoryItem),
		subs:  make(map[string]map[*memorySubscription]struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// getLocked returns the live item for key, dropping it if expired.
func (s *MemoryStore) getLocked(key string) (memoryItem, bool) {
	it, ok := s.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !it.expireAt.IsZero() && !s.now().Before(it.expireAt) {
		delete(s.items, key)
		return memoryItem{}, false
	}
	return it, true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	it, ok := s.getLocked(key)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(it.value), true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.items[key] = memoryItem{value: cloneBytes(value), expireAt: s.expiry(ttl)}
	return nil
}

// IncrIfExists implements Store.
func (s *MemoryStore) IncrIfExists(ctx context.Context, key string, step int64, ttl time.Duration) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}

	it, ok := s.getLocked(key)
	if !ok {
		return 0, false, nil
	}
	cur, err := strconv.ParseInt(string(it.value), 10, 64)
	if err != nil {
		return 0, false, ErrNotInteger
	}
	cur += step
	it.value = []byte(strconv.FormatInt(cur, 10))
	if ttl > 0 {
		it.expireAt = s.expiry(ttl)
	}
	s.items[key] = it
	return cur, true, nil
}

// SetNX implements Store.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	if _, ok := s.getLocked(key); ok {
		return false, nil
	}
	s.items[key] = memoryItem{value: cloneBytes(value), expireAt: s.expiry(ttl)}
	return true, nil
}

// Expire implements Store.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	it, ok := s.getLocked(key)
	if !ok {
		return nil
	}
	it.expireAt = s.expiry(ttl)
	s.items[key] = it
	return nil
}

// Exists implements Store.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	_, ok := s.getLocked(key)
	return ok, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for _, k := range keys {
		delete(s.items, k)
	}
	return nil
}

// CompareAndDelete implements Store.
func (s *MemoryStore) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	it, ok := s.getLocked(key)
	if !ok || string(it.value) != string(value) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// DeletePattern implements Store.
func (s *MemoryStore) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	match := CompilePattern(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int64
	for k := range s.items {
		if match(k) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

// Publish implements Store.
func (s *MemoryStore) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	for sub := range s.subs[topic] {
		select {
		case sub.ch <- cloneBytes(payload):
		default:
		}
	}
	return nil
}

// Subscribe implements Store.
func (s *MemoryStore) Subscribe(ctx context.Context, topic string, handler func([]byte)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errNilHandler
	}

	sub := &memorySubscription{
		store: s,
		topic: topic,
		ch:    make(chan []byte, memorySubscriptionBuffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := s.subs[topic]
	if !ok {
		set = make(map[*memorySubscription]struct{})
		s.subs[topic] = set
	}
	set[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		for {
			select {
			case <-sub.stop:
				return
			case p := <-sub.ch:
				handler(p)
			}
		}
	}()
	return sub, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store. Active subscriptions are stopped.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var subs []*memorySubscription
	for _, set := range s.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stopOnce()
	}
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.items {
		if _, ok := s.getLocked(k); ok {
			n++
		}
	}
	return n
}

type memorySubscription struct {
	store *MemoryStore
	topic string
	ch    chan []byte
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

func (m *memorySubscription) stopOnce() {
	m.once.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	if set, ok := m.store.subs[m.topic]; ok {
		delete(set, m)
		if len(set) == 0 {
			delete(m.store.subs, m.topic)
		}
	}
	m.store.mu.Unlock()

	m.stopOnce()
	return nil
}
