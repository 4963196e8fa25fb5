package rabbitmq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// DefaultChannelKey is the key of the channel opened by Connect.
const DefaultChannelKey = "default"

// ChannelOptions configures a channel created by the store
type ChannelOptions struct {
	// Prefetch is the QoS prefetch count. 0 uses the connection default prefetch.
	Prefetch int
	// Global applies the prefetch to the whole channel instead of per consumer.
	Global bool
}

// ManagedChannel wraps an AMQP channel with the store metadata
type ManagedChannel struct {
	Channel
	key       string
	id        string
	prefetch  int
	global    bool
	createdAt time.Time
}

// Key returns the name the channel is cached under.
func (c *ManagedChannel) Key() string { return c.key }

// ID returns a unique identifier for this channel instance.
func (c *ManagedChannel) ID() string { return c.id }

// Prefetch returns the prefetch count applied at creation.
func (c *ManagedChannel) Prefetch() int { return c.prefetch }

// Global reports whether the prefetch was applied globally.
func (c *ManagedChannel) Global() bool { return c.global }

// CreatedAt returns when the channel was opened.
func (c *ManagedChannel) CreatedAt() time.Time { return c.createdAt }

// connectionSource hands out the live connection to the store.
type connectionSource interface {
	channelConnection() (Connection, error)
	DefaultPrefetch() int
}

type channelEntry struct {
	ready chan struct{}
	ch    *ManagedChannel
	err   error
}

// ChannelStore creates and caches named channels over one connection.
type ChannelStore struct {
	source  connectionSource
	mu      sync.Mutex
	entries map[string]*channelEntry
}

// NewChannelStore creates a store bound to the manager's connection
func NewChannelStore(manager *ConnectionManager) *ChannelStore {
	return newChannelStore(manager)
}

func newChannelStore(source connectionSource) *ChannelStore {
	return &ChannelStore{
		source:  source,
		entries: make(map[string]*channelEntry),
	}
}

// Upsert returns the channel cached under key, creating it on first use.
// Concurrent upserts of the same key share a single creation.
func (s *ChannelStore) Upsert(ctx context.Context, key string, opts ChannelOptions) (*ManagedChannel, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	if !ok {
		entry = &channelEntry{ready: make(chan struct{})}
		s.entries[key] = entry
		s.mu.Unlock()

		entry.ch, entry.err = s.create(key, opts)
		if entry.err != nil {
			s.mu.Lock()
			if s.entries[key] == entry {
				delete(s.entries, key)
			}
			s.mu.Unlock()
		}
		close(entry.ready)
		return entry.ch, entry.err
	}
	s.mu.Unlock()

	select {
	case <-entry.ready:
		return entry.ch, entry.err
	case <-ctx.Done():
		return nil, &ChannelError{
			Op:        "upsert",
			Key:       key,
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	}
}

// Get returns a channel that has already been created
func (s *ChannelStore) Get(key string) (*ManagedChannel, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	select {
	case <-entry.ready:
		return entry.ch, entry.err == nil
	default:
		return nil, false
	}
}

// Len returns the number of cached channels
func (s *ChannelStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the cached channel keys, sorted
func (s *ChannelStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloseAll closes every cached channel and empties the store.
func (s *ChannelStore) CloseAll() error {
	entries := s.reset()

	var result error
	for key, entry := range entries {
		<-entry.ready
		if entry.ch == nil || entry.ch.IsClosed() {
			continue
		}
		if err := entry.ch.Close(); err != nil {
			result = multierror.Append(result, &ChannelError{
				Op:        "close",
				Key:       key,
				Err:       err,
				Timestamp: time.Now(),
			})
		}
	}
	return result
}

// reset forgets every channel without closing it; used when the connection died.
func (s *ChannelStore) reset() map[string]*channelEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries
	s.entries = make(map[string]*channelEntry)
	return entries
}

func (s *ChannelStore) create(key string, opts ChannelOptions) (*ManagedChannel, error) {
	conn, err := s.source.channelConnection()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create",
			Key:       key,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreation, err),
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create",
			Key:       key,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreation, err),
			Timestamp: time.Now(),
		}
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = s.source.DefaultPrefetch()
	}

	if err := ch.Qos(prefetch, 0, opts.Global); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{
			Op:        "qos",
			Key:       key,
			Err:       fmt.Errorf("%w: %w", ErrChannelCreation, err),
			Timestamp: time.Now(),
		}
	}

	return &ManagedChannel{
		Channel:   ch,
		key:       key,
		id:        uuid.New().String(),
		prefetch:  prefetch,
		global:    opts.Global,
		createdAt: time.Now(),
	}, nil
}
