package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluele/gcache"
)

// Memory is an in-process Store. Expired entries are dropped when read and
// by a periodic sweep started with StartSweeper.
type Memory struct {
	cache gcache.Cache

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	stopped chan struct{}
}

// MemoryOption configures a Memory store
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	clock gcache.Clock
}

// WithClock overrides the clock used for expiry (tests use gcache.NewFakeClock)
func WithClock(clock gcache.Clock) MemoryOption {
	return func(o *memoryOptions) { o.clock = clock }
}

// NewMemory creates an in-process store. size <= 0 keeps every entry until it
// expires, like Redis without maxmemory. A positive size caps the store and
// evicts the least recently used entry once it is full.
func NewMemory(size int, opts ...MemoryOption) *Memory {
	o := memoryOptions{clock: gcache.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	if size < 0 {
		size = 0
	}

	b := gcache.New(size).Clock(o.clock)
	if size > 0 {
		b = b.LRU()
	} else {
		b = b.Simple()
	}
	return &Memory{cache: b.Build()}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	v, err := m.cache.GetIFPresent(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, ok := v.([]byte)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data := make([]byte, len(value))
	copy(data, value)
	if ttl <= 0 {
		return m.cache.Set(key, data)
	}
	return m.cache.SetWithExpire(key, data, ttl)
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.cache.Remove(key)
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	_, err := m.cache.GetIFPresent(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return false, nil
	}
	return err == nil, err
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones not yet swept
func (m *Memory) Len() int {
	return m.cache.Len(false)
}

// Sweep drops every expired entry and returns how many were removed
func (m *Memory) Sweep() int {
	before := m.cache.Len(false)
	for _, k := range m.cache.Keys(false) {
		// a lookup evicts the entry when it has expired
		_, _ = m.cache.GetIFPresent(k)
	}
	return before - m.cache.Len(false)
}

// StartSweeper runs Sweep every interval until ctx is done or Close is called
func (m *Memory) StartSweeper(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	if m.closed || m.stop != nil {
		m.mu.Unlock()
		return
	}
	m.stop = make(chan struct{})
	m.stopped = make(chan struct{})
	stop, stopped := m.stop, m.stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the sweeper and purges the store
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stop, stopped := m.stop, m.stopped
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-stopped
	}
	m.cache.Purge()
	return nil
}
