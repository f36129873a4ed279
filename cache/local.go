package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memstore/config"
	"github.com/BaSui01/memstore/types"
)

// Local 本地缓存（LRU + TTL）
//
// 两个独立的淘汰触发条件：
//   - 容量：条目数超过 max_entries 时按 LRU 淘汰（按分片执行，
//     各分片容量之和恰好等于 max_entries，全局条目数恒不超限）。
//   - 过期：后台任务按 cleanup_interval 清理过期条目，Get 命中
//     过期条目时也会惰性删除。
//
// 读写刷新 LRU 位置，但绝不延长过期时间；重新 Put 才会重置 TTL。
type Local struct {
	config config.CacheConfig
	logger *zap.Logger
	shards []*shard

	statsMu sync.Mutex
	stats   Stats

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// shard 单个分片：map + 双向链表实现 O(1) LRU
type shard struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	lru      *list.List // 队首最新，队尾最旧
}

type localEntry struct {
	key          string
	recordKey    types.RecordKey
	record       *types.Record
	insertedAt   time.Time
	expiresAt    time.Time // 零值表示永不过期
	lastAccessed time.Time
}

func (e *localEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewLocal 创建本地缓存
func NewLocal(cfg config.CacheConfig, logger *zap.Logger) *Local {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 16
	}
	if cfg.Shards > cfg.MaxEntries {
		cfg.Shards = cfg.MaxEntries
	}
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	c := &Local{
		config:      cfg,
		logger:      logger.With(zap.String("component", "local_cache")),
		shards:      make([]*shard, cfg.Shards),
		stopCleanup: make(chan struct{}),
	}

	// 分片容量之和恰好等于 MaxEntries
	base := cfg.MaxEntries / cfg.Shards
	extra := cfg.MaxEntries % cfg.Shards
	for i := range c.shards {
		capacity := base
		if i < extra {
			capacity++
		}
		c.shards[i] = &shard{
			capacity: capacity,
			entries:  make(map[string]*list.Element),
			lru:      list.New(),
		}
	}

	if cfg.CleanupInterval > 0 {
		go c.cleanupLoop()
	}

	c.logger.Info("local cache initialized",
		zap.Int("max_entries", cfg.MaxEntries),
		zap.Int("shards", cfg.Shards),
		zap.Duration("default_ttl", cfg.DefaultTTL),
		zap.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	return c
}

func (c *Local) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get 查询缓存
func (c *Local) Get(ctx context.Context, key types.RecordKey) (*types.Record, error) {
	k := key.String()
	s := c.shardFor(k)
	now := time.Now()

	s.mu.Lock()
	el, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		c.countMiss()
		return nil, ErrCacheMiss
	}

	entry := el.Value.(*localEntry)
	if entry.expired(now) {
		// 惰性过期删除
		s.lru.Remove(el)
		delete(s.entries, k)
		s.mu.Unlock()
		c.countExpiration()
		c.countMiss()
		return nil, ErrCacheMiss
	}

	entry.lastAccessed = now
	s.lru.MoveToFront(el)
	rec := entry.record.Clone()
	s.mu.Unlock()

	c.countHit()
	return rec, nil
}

// Put 写入缓存
func (c *Local) Put(ctx context.Context, record *types.Record, ttl time.Duration) error {
	if record == nil {
		return types.NewError(types.ErrValidation, "record is nil")
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	key := record.Key()
	k := key.String()
	s := c.shardFor(k)
	now := time.Now()

	entry := &localEntry{
		key:          k,
		recordKey:    key,
		record:       record.Clone(),
		insertedAt:   now,
		lastAccessed: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	s.mu.Lock()
	if el, ok := s.entries[k]; ok {
		el.Value = entry
		s.lru.MoveToFront(el)
		s.mu.Unlock()
		return nil
	}

	s.entries[k] = s.lru.PushFront(entry)

	// 容量淘汰：从队尾（最久未用）开始
	evicted := 0
	for s.lru.Len() > s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*localEntry)
		s.lru.Remove(oldest)
		delete(s.entries, victim.key)
		evicted++
	}
	s.mu.Unlock()

	if evicted > 0 {
		c.countEvictions(evicted)
	}
	return nil
}

// Invalidate 删除缓存条目
func (c *Local) Invalidate(ctx context.Context, key types.RecordKey) error {
	k := key.String()
	s := c.shardFor(k)

	s.mu.Lock()
	if el, ok := s.entries[k]; ok {
		s.lru.Remove(el)
		delete(s.entries, k)
	}
	s.mu.Unlock()
	return nil
}

// Keys 返回所有存活条目的键
func (c *Local) Keys(ctx context.Context) ([]types.RecordKey, error) {
	now := time.Now()
	keys := make([]types.RecordKey, 0)

	for _, s := range c.shards {
		s.mu.Lock()
		for _, el := range s.entries {
			entry := el.Value.(*localEntry)
			if !entry.expired(now) {
				keys = append(keys, entry.recordKey)
			}
		}
		s.mu.Unlock()
	}
	return keys, nil
}

// Len 返回存活条目数（含尚未清理的过期条目）
func (c *Local) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += s.lru.Len()
		s.mu.Unlock()
	}
	return n
}

// Stats 返回统计信息快照
func (c *Local) Stats() Stats {
	c.statsMu.Lock()
	stats := c.stats
	c.statsMu.Unlock()
	stats.Entries = c.Len()
	return stats
}

// Close 停止后台清理任务
func (c *Local) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
	})
	return nil
}

// =============================================================================
// 🧹 后台过期清理
// =============================================================================

// cleanupLoop 定期清理过期条目
func (c *Local) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			removed := c.removeExpired()
			if removed > 0 {
				c.logger.Debug("expired cache entries removed", zap.Int("count", removed))
			}
		}
	}
}

// removeExpired 扫描并删除所有过期条目
func (c *Local) removeExpired() int {
	now := time.Now()
	removed := 0

	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Back(); el != nil; {
			prev := el.Prev()
			entry := el.Value.(*localEntry)
			if entry.expired(now) {
				s.lru.Remove(el)
				delete(s.entries, entry.key)
				removed++
			}
			el = prev
		}
		s.mu.Unlock()
	}

	if removed > 0 {
		c.statsMu.Lock()
		c.stats.Expirations += uint64(removed)
		c.statsMu.Unlock()
	}
	return removed
}

func (c *Local) countHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Local) countMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

func (c *Local) countExpiration() {
	c.statsMu.Lock()
	c.stats.Expirations++
	c.statsMu.Unlock()
}

func (c *Local) countEvictions(n int) {
	c.statsMu.Lock()
	c.stats.Evictions += uint64(n)
	c.statsMu.Unlock()
}
