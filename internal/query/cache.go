package query

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jemzy/jemzy-views/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Status describes the outcome of the most recent fetch of an entry.
type Status string

const (
	// StatusPending means no fetch has completed yet.
	StatusPending Status = "pending"
	// StatusSuccess means the value is server-confirmed or locally written.
	StatusSuccess Status = "success"
	// StatusError means the most recent fetch failed.
	StatusError Status = "error"
)

const (
	defaultMaxConcurrentFetches = 8
	fetchOutcomeSuccess         = "success"
	fetchOutcomeError           = "error"
	fetchOutcomeDiscarded       = "discarded"
)

var (
	// ErrCacheClosed is returned by operations on a closed cache.
	ErrCacheClosed = errors.New("query: cache closed")
	noOpLogger     = zap.NewNop()
)

// Entry is a point-in-time view of one cached query.
type Entry[T any] struct {
	Key           Key
	Value         T
	HasValue      bool
	Status        Status
	Err           error
	LastFetchedAt time.Time
	Stale         bool
	Fetching      bool
}

// Fetcher loads the authoritative value of a query.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Query binds a key to the fetcher that refreshes it.
type Query[T any] struct {
	Key   Key
	Fetch Fetcher[T]
}

// Persister stores server-confirmed values so a restart can serve them immediately.
type Persister interface {
	LoadQuery(ctx context.Context, key string) (raw []byte, fetchedAt time.Time, found bool, err error)
	SaveQuery(ctx context.Context, key string, raw []byte, fetchedAt time.Time) error
}

// CacheConfig configures a Cache.
type CacheConfig struct {
	// StaleTime is how long a fetched value counts as fresh. Zero keeps values
	// fresh until invalidated.
	StaleTime time.Duration
	// GCTime is how long an unobserved, idle entry is kept. Zero disables collection.
	GCTime time.Duration
	// GCInterval runs Sweep periodically when positive.
	GCInterval           time.Duration
	MaxConcurrentFetches int
	Persister            Persister
	Metrics              *metrics.Metrics
	Logger               *zap.Logger
	Clock                func() time.Time
}

// Cache is the process-wide store of remote query state. All entry mutation goes
// through Write, Invalidate and the cache's own background fetches.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	staleTime time.Duration
	gcTime    time.Duration
	persister Persister
	metrics   *metrics.Metrics
	logger    *zap.Logger
	clock     func() time.Time
	slots     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool

	busy   int
	idleCh chan struct{}

	nextObserverID int64
}

type entry struct {
	key       Key
	value     any
	hasValue  bool
	hydrated  bool
	status    Status
	err       error
	fetchedAt time.Time
	checkedAt time.Time
	touchedAt time.Time
	stale     bool

	fetch   func(ctx context.Context) (any, error)
	queued  bool
	running bool

	// writeGen changes on every Write so fetches started earlier drop their result.
	writeGen uint64
	// invalidations changes on every Invalidate so a running fetch knows to repeat.
	invalidations uint64

	observers map[int64]chan struct{}
}

// NewCache constructs a Cache. Call Close when the owning process shuts down.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.StaleTime < 0 || cfg.GCTime < 0 || cfg.GCInterval < 0 {
		return nil, errors.New("query: durations must not be negative")
	}
	maxFetches := cfg.MaxConcurrentFetches
	if maxFetches <= 0 {
		maxFetches = defaultMaxConcurrentFetches
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	cache := &Cache{
		entries:   make(map[string]*entry),
		staleTime: cfg.StaleTime,
		gcTime:    cfg.GCTime,
		persister: cfg.Persister,
		metrics:   cfg.Metrics,
		logger:    logger,
		clock:     clock,
		slots:     semaphore.NewWeighted(int64(maxFetches)),
		ctx:       ctx,
		cancel:    cancel,
		idleCh:    idle,
	}

	if cfg.GCInterval > 0 && cfg.GCTime > 0 {
		cache.wg.Add(1)
		go cache.janitor(cfg.GCInterval)
	}
	return cache, nil
}

// Read returns the current entry for q without waiting on the network. When the
// entry is missing, stale or past StaleTime a background fetch is started.
func Read[T any](c *Cache, q Query[T]) Entry[T] {
	c.hydrate(q.Key, func(raw []byte) (any, error) {
		var value T
		err := json.Unmarshal(raw, &value)
		return value, err
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(q.Key)
	bindLocked(e, q.Fetch)
	e.touchedAt = c.clock()
	if c.needsFetchLocked(e) {
		c.scheduleLocked(e)
	}
	return snapshotOf[T](e)
}

// Rebind replaces the fetcher of an existing entry without scheduling a fetch, so
// the next refetch runs with the caller's credentials. Missing entries are left alone.
func Rebind[T any](c *Cache, q Query[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[q.Key.String()]; ok {
		bindLocked(e, q.Fetch)
	}
}

func bindLocked[T any](e *entry, fetch Fetcher[T]) {
	if fetch == nil {
		return
	}
	e.fetch = func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}
}

// Peek returns the last known value for key without fetching.
func Peek[T any](c *Cache, key Key) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	e, ok := c.entries[key.String()]
	if !ok || !e.hasValue {
		return zero, false
	}
	value, ok := e.value.(T)
	if !ok {
		return zero, false
	}
	return value, true
}

// Snapshot returns the entry for key as it is now. It never schedules a fetch.
func Snapshot[T any](c *Cache, key Key) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok {
		return Entry[T]{Key: key, Status: StatusPending}, false
	}
	return snapshotOf[T](e), true
}

// Write replaces the cached value for key immediately. It never contacts the
// server; fetches already in flight for key discard their result.
func Write[T any](c *Cache, key Key, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(key)
	e.value = value
	e.hasValue = true
	e.hydrated = true
	e.status = StatusSuccess
	e.err = nil
	e.stale = false
	e.checkedAt = c.clock()
	e.touchedAt = e.checkedAt
	e.writeGen++
	c.notifyLocked(e)
}

// Invalidate marks the entry stale and schedules a refetch. Repeated calls before
// that refetch starts are absorbed by it.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics.ObserveInvalidation()
	e, ok := c.entries[key.String()]
	if !ok {
		return
	}
	e.stale = true
	e.invalidations++
	if e.fetch != nil && !e.queued && !e.running {
		c.scheduleLocked(e)
	}
	c.notifyLocked(e)
}

// Observe subscribes to changes of key. Observed entries are never collected.
// The returned channel receives a value whenever the entry changes; bursts coalesce.
func (c *Cache) Observe(key Key) (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(key)
	c.nextObserverID++
	observerID := c.nextObserverID
	stream := make(chan struct{}, 1)
	e.observers[observerID] = stream

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(e.observers, observerID)
			e.touchedAt = c.clock()
		})
	}
	return stream, release
}

// Sweep removes unobserved, idle entries untouched for GCTime and returns how many
// were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gcTime <= 0 {
		return 0
	}
	now := c.clock()
	removed := 0
	for name, e := range c.entries {
		if len(e.observers) > 0 || e.queued || e.running {
			continue
		}
		if now.Sub(e.touchedAt) < c.gcTime {
			continue
		}
		delete(c.entries, name)
		removed++
	}
	c.metrics.SetEntries(len(c.entries))
	if removed > 0 {
		c.logger.Debug("query entries collected", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of entries held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// WaitIdle blocks until no fetch is queued or running, or ctx is done.
func (c *Cache) WaitIdle(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.busy == 0 {
			c.mu.Unlock()
			return nil
		}
		idle := c.idleCh
		c.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops background work and waits for running fetches to return.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Cache) lookupLocked(key Key) *entry {
	name := key.String()
	e, ok := c.entries[name]
	if !ok {
		e = &entry{
			key:       key,
			status:    StatusPending,
			touchedAt: c.clock(),
			observers: make(map[int64]chan struct{}),
		}
		c.entries[name] = e
		c.metrics.SetEntries(len(c.entries))
	}
	return e
}

func (c *Cache) needsFetchLocked(e *entry) bool {
	if c.closed || e.fetch == nil || e.queued || e.running {
		return false
	}
	// An errored entry is retried on the next read whether or not it still
	// holds a value.
	if e.status == StatusPending || e.status == StatusError || e.stale {
		return true
	}
	return c.staleTime > 0 && c.clock().Sub(e.checkedAt) >= c.staleTime
}

func (c *Cache) scheduleLocked(e *entry) {
	if c.closed {
		return
	}
	e.queued = true
	if c.busy == 0 {
		c.idleCh = make(chan struct{})
	}
	c.busy++
	c.wg.Add(1)
	go c.runFetch(e)
}

func (c *Cache) runFetch(e *entry) {
	defer c.wg.Done()

	for {
		if err := c.slots.Acquire(c.ctx, 1); err != nil {
			c.mu.Lock()
			e.queued = false
			c.finishLocked()
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		e.queued = false
		e.running = true
		startGen := e.writeGen
		startInvalidations := e.invalidations
		fetch := e.fetch
		c.notifyLocked(e)
		c.mu.Unlock()

		value, err := fetch(c.ctx)
		c.slots.Release(1)

		c.mu.Lock()
		e.running = false
		outcome := c.applyLocked(e, value, err, startGen, startInvalidations)
		repeat := e.stale && e.invalidations != startInvalidations && !c.closed
		if repeat {
			e.queued = true
		}
		c.notifyLocked(e)
		c.mu.Unlock()

		c.metrics.ObserveFetch(outcome)
		if outcome == fetchOutcomeSuccess {
			c.persist(e.key, value)
		}
		if !repeat {
			c.mu.Lock()
			c.finishLocked()
			c.mu.Unlock()
			return
		}
	}
}

func (c *Cache) applyLocked(e *entry, value any, err error, startGen, startInvalidations uint64) string {
	if e.writeGen != startGen {
		return fetchOutcomeDiscarded
	}
	now := c.clock()
	if err != nil {
		e.status = StatusError
		e.err = err
		e.checkedAt = now
		c.logger.Warn("query fetch failed", zap.String("key", e.key.String()), zap.Error(err))
		return fetchOutcomeError
	}
	e.value = value
	e.hasValue = true
	e.status = StatusSuccess
	e.err = nil
	e.fetchedAt = now
	e.checkedAt = now
	if e.invalidations == startInvalidations {
		e.stale = false
	}
	return fetchOutcomeSuccess
}

func (c *Cache) finishLocked() {
	c.busy--
	if c.busy == 0 {
		close(c.idleCh)
	}
}

func (c *Cache) notifyLocked(e *entry) {
	for _, stream := range e.observers {
		select {
		case stream <- struct{}{}:
		default:
		}
	}
}

func (c *Cache) hydrate(key Key, decode func([]byte) (any, error)) {
	if c.persister == nil {
		return
	}

	c.mu.Lock()
	e := c.lookupLocked(key)
	if e.hydrated || e.hasValue {
		c.mu.Unlock()
		return
	}
	e.hydrated = true
	c.mu.Unlock()

	raw, fetchedAt, found, err := c.persister.LoadQuery(c.ctx, key.String())
	if err != nil {
		c.logger.Warn("query hydrate failed", zap.String("key", key.String()), zap.Error(err))
		return
	}
	if !found {
		return
	}
	value, err := decode(raw)
	if err != nil {
		c.logger.Warn("query hydrate decode failed", zap.String("key", key.String()), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.hasValue {
		return
	}
	e.value = value
	e.hasValue = true
	e.status = StatusSuccess
	e.fetchedAt = fetchedAt
	e.checkedAt = fetchedAt
	e.stale = true
	c.notifyLocked(e)
}

func (c *Cache) persist(key Key, value any) {
	if c.persister == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("query persist encode failed", zap.String("key", key.String()), zap.Error(err))
		return
	}
	if err := c.persister.SaveQuery(c.ctx, key.String(), raw, c.clock()); err != nil {
		c.logger.Warn("query persist failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *Cache) janitor(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func snapshotOf[T any](e *entry) Entry[T] {
	snapshot := Entry[T]{
		Key:           e.key,
		Status:        e.status,
		Err:           e.err,
		LastFetchedAt: e.fetchedAt,
		Stale:         e.stale,
		Fetching:      e.queued || e.running,
	}
	if e.hasValue {
		if value, ok := e.value.(T); ok {
			snapshot.Value = value
			snapshot.HasValue = true
		}
	}
	return snapshot
}
