package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/alecgard/creditgate/internal/authorizer"
	"github.com/alecgard/creditgate/internal/ledger"
)

// LedgerConn is an owned connection to the ledger.
type LedgerConn interface {
	ledger.Service
	Close()
}

// Dialer opens a ledger connection for a key.
type Dialer func(key ConnKey) (LedgerConn, error)

// ConnKey identifies a ledger connection. Connections are per ledger, agent
// and plan because the ledger scopes agent requests to all three.
type ConnKey struct {
	BaseURL string
	AgentID string
	PlanID  string
}

// Conn is a cached ledger connection with its authorizer.
type Conn struct {
	Ledger     LedgerConn
	Authorizer *authorizer.Authorizer
}

type connEntry struct {
	conn     *Conn
	expires  time.Time
	lastUsed time.Time
}

// ConnCache keeps ledger connections keyed by ConnKey. Entries expire after
// ttl and the least recently used entry is evicted beyond maxSize. Evicted
// connections are closed.
type ConnCache struct {
	dial    Dialer
	ttl     time.Duration
	maxSize int
	metrics authorizer.MetricsRecorder
	now     func() time.Time

	mu      sync.Mutex
	entries map[ConnKey]*connEntry
	closed  bool
}

// NewConnCache creates a ConnCache.
func NewConnCache(dial Dialer, ttl time.Duration, maxSize int) *ConnCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 128
	}
	return &ConnCache{
		dial:    dial,
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		entries: make(map[ConnKey]*connEntry),
	}
}

// SetMetrics sets the recorder handed to new authorizers.
func (c *ConnCache) SetMetrics(m authorizer.MetricsRecorder) { c.metrics = m }

// Get returns the connection for key, dialing one if needed.
func (c *ConnCache) Get(key ConnKey) (*Conn, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("ledger connection cache closed")
	}

	if e, ok := c.entries[key]; ok {
		if now.Before(e.expires) {
			e.lastUsed = now
			return e.conn, nil
		}
		delete(c.entries, key)
		e.conn.Ledger.Close()
	}

	lc, err := c.dial(key)
	if err != nil {
		return nil, err
	}
	az := authorizer.New(lc)
	if c.metrics != nil {
		az.SetMetrics(c.metrics)
	}
	conn := &Conn{Ledger: lc, Authorizer: az}
	c.entries[key] = &connEntry{conn: conn, expires: now.Add(c.ttl), lastUsed: now}
	c.evict(now)
	return conn, nil
}

// evict drops expired entries and then the least recently used ones until the
// cache fits. Must be called with c.mu held.
func (c *ConnCache) evict(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			e.conn.Ledger.Close()
		}
	}
	for len(c.entries) > c.maxSize {
		var oldest ConnKey
		var oldestAt time.Time
		first := true
		for k, e := range c.entries {
			if first || e.lastUsed.Before(oldestAt) {
				oldest, oldestAt, first = k, e.lastUsed, false
			}
		}
		c.entries[oldest].conn.Ledger.Close()
		delete(c.entries, oldest)
	}
}

// Len returns the number of cached connections.
func (c *ConnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close closes every cached connection. Later Gets fail.
func (c *ConnCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.conn.Ledger.Close()
		delete(c.entries, k)
	}
	c.closed = true
}

// SharedDialer returns a Dialer that hands out svc for every key. Close on
// the returned connections is a no-op; svc is owned by the caller.
func SharedDialer(svc ledger.Service) Dialer {
	return func(ConnKey) (LedgerConn, error) {
		return sharedConn{svc}, nil
	}
}

type sharedConn struct {
	ledger.Service
}

func (sharedConn) Close() {}

// ClientDialer returns a Dialer that opens an HTTP ledger client per key.
func ClientDialer(base ledger.ClientConfig) Dialer {
	return func(key ConnKey) (LedgerConn, error) {
		cfg := base
		if key.BaseURL != "" {
			cfg.BaseURL = key.BaseURL
		}
		cfg.AgentID = key.AgentID
		return ledger.NewClient(cfg), nil
	}
}
