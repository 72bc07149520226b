// Package pool implements the idle connection pool: a bounded, LIFO,
// per-key multimap of reusable connections with age and liveness eviction
// and a background cleanup sweep.
package pool

import (
	"net"
	"sync"
	"time"

	"github.com/arkveil/httpcore/pkg/constants"
)

// Key identifies a pool partition: scheme, host, port, and the identity of
// any upstream proxy in use, since a connection through one proxy cannot be
// reused for a request routed through another.
type Key struct {
	Scheme     string
	Host       string
	Port       int
	ProxyAddr  string // empty when no proxy is in play
}

// entry is one idle connection sitting in a host bucket.
type entry struct {
	conn    net.Conn
	idleAt  time.Time
}

// bucket holds the idle connections for a single Key, LIFO: most-recently
// released first, since a warm connection is more likely to still be alive
// than one that's been idle the longest. items[0] is always the oldest
// surviving entry in the bucket. Access is guarded by Pool.mu, not a lock of
// its own, so Put can compare ages across buckets without risking lock
// ordering deadlocks.
type bucket struct {
	items []*entry
}

// Config bounds the pool's size and idle lifetime.
type Config struct {
	MaxIdleAge           time.Duration
	MaxIdleConnections   int // global cap across all keys
	MaxIdlePerHost       int
	CleanupInterval      time.Duration
}

// DefaultConfig returns the standard pool sizing used when an Agent isn't
// configured with its own values.
func DefaultConfig() Config {
	return Config{
		MaxIdleAge:         constants.DefaultMaxIdleAge,
		MaxIdleConnections: constants.DefaultMaxIdleConnections,
		MaxIdlePerHost:     constants.DefaultMaxIdleConnectionsPerHost,
		CleanupInterval:    constants.PoolCleanupInterval,
	}
}

// Stats reports point-in-time pool occupancy.
type Stats struct {
	TotalIdle int
	PerHost   map[Key]int
}

// Pool is a bounded, keyed multimap of idle connections.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	buckets map[Key]*bucket
	total   int

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New starts a Pool and its background cleanup goroutine.
func New(cfg Config) *Pool {
	if cfg.MaxIdleAge <= 0 {
		cfg.MaxIdleAge = constants.DefaultMaxIdleAge
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = constants.DefaultMaxIdleConnections
	}
	if cfg.MaxIdlePerHost <= 0 {
		cfg.MaxIdlePerHost = constants.DefaultMaxIdleConnectionsPerHost
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = constants.PoolCleanupInterval
	}

	p := &Pool{
		cfg:     cfg,
		buckets: make(map[Key]*bucket),
		stopCh:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.cleanupLoop()
	return p
}

func (p *Pool) getBucket(k Key) *bucket {
	b, ok := p.buckets[k]
	if !ok {
		b = &bucket{}
		p.buckets[k] = b
	}
	return b
}

// Get pops the most recently released live connection for k, evicting stale
// or dead entries it encounters along the way. Returns nil, false if none is
// available.
func (p *Pool) Get(k Key) (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.getBucket(k)

	for len(b.items) > 0 {
		last := len(b.items) - 1
		e := b.items[last]
		b.items = b.items[:last]
		p.total--

		if time.Since(e.idleAt) > p.cfg.MaxIdleAge {
			e.conn.Close()
			continue
		}
		if !isAlive(e.conn) {
			e.conn.Close()
			continue
		}
		return e.conn, true
	}
	return nil, false
}

// Put releases conn back to the idle pool for k. If the per-host cap is
// already full, the bucket's oldest idle entry is evicted to make room. If
// the global cap is already full, the single oldest idle entry across every
// bucket is evicted instead. Either way conn itself is always kept.
func (p *Pool) Put(k Key, conn net.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.getBucket(k)

	if len(b.items) >= p.cfg.MaxIdlePerHost {
		evictOldest(b)
		p.total--
	}
	if p.total >= p.cfg.MaxIdleConnections {
		p.evictGlobalOldest()
	}

	b.items = append(b.items, &entry{conn: conn, idleAt: time.Now()})
	p.total++
}

// evictOldest closes and removes b's longest-idle entry (items[0]).
func evictOldest(b *bucket) {
	oldest := b.items[0]
	b.items = b.items[1:]
	oldest.conn.Close()
}

// evictGlobalOldest finds the single oldest idle entry across every bucket
// and evicts it, decrementing total. Called with p.mu held.
func (p *Pool) evictGlobalOldest() {
	var oldestBucket *bucket
	var oldestAt time.Time
	found := false

	for _, b := range p.buckets {
		if len(b.items) == 0 {
			continue
		}
		age := b.items[0].idleAt
		if !found || age.Before(oldestAt) {
			found = true
			oldestAt = age
			oldestBucket = b
		}
	}
	if !found {
		return
	}
	evictOldest(oldestBucket)
	p.total--
}

// Discard closes conn without returning it to the pool, for use when a
// connection is known broken.
func (p *Pool) Discard(conn net.Conn) {
	conn.Close()
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{PerHost: make(map[Key]int, len(p.buckets))}
	for k, b := range p.buckets {
		n := len(b.items)
		if n > 0 {
			s.PerHost[k] = n
			s.TotalIdle += n
		}
	}
	return s
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.evictStale()
		}
	}
}

func (p *Pool) evictStale() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.buckets {
		kept := b.items[:0]
		for _, e := range b.items {
			if time.Since(e.idleAt) > p.cfg.MaxIdleAge || !isAlive(e.conn) {
				e.conn.Close()
				p.total--
				continue
			}
			kept = append(kept, e)
		}
		b.items = kept
	}
}

// Close shuts down the cleanup goroutine and closes every idle connection.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()

	p.mu.Lock()
	buckets := p.buckets
	p.buckets = make(map[Key]*bucket)
	p.total = 0
	p.mu.Unlock()

	for _, b := range buckets {
		for _, e := range b.items {
			e.conn.Close()
		}
		b.items = nil
	}
}

// isAlive does a non-blocking liveness probe: a pending read that would
// block means the peer hasn't sent anything (still alive); any data or an
// immediate EOF/error means the connection should not be reused, since a
// server sending unsolicited bytes on an idle keep-alive connection almost
// always means it's closing it.
func isAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	n, err := conn.Read(buf[:])
	if n > 0 {
		return false
	}
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}
