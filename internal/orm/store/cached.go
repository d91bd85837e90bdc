package store

import (
	"context"
	"strings"
	"time"

	"github.com/conduit-lang/normalizer/internal/cache"
	"go.uber.org/zap"
)

// CachedBackend serves identity lookups from a cache and invalidates the
// cached rows touched by each applied plan
type CachedBackend struct {
	Backend
	cache  cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedBackend wraps inner with c
func NewCachedBackend(inner Backend, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedBackend{Backend: inner, cache: c, ttl: ttl, logger: logger}
}

// Select serves cacheable queries key by key, fetching only the misses
func (b *CachedBackend) Select(ctx context.Context, q Query) ([]Row, error) {
	if !q.Cacheable || len(q.Keys) == 0 {
		return b.Backend.Select(ctx, q)
	}

	var result []Row
	var misses []Identity
	for _, k := range q.Keys {
		var rows []Row
		err := cache.GetJSON(ctx, b.cache, rowKey(q.Table, q.Columns, k), &rows)
		switch {
		case err == nil:
			for _, r := range rows {
				result = append(result, normalizeRow(r))
			}
		case cache.IsCacheMiss(err):
			misses = append(misses, k)
		default:
			b.logger.Warn("cache read failed", zap.String("table", q.Table), zap.Error(err))
			misses = append(misses, k)
		}
	}
	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := b.Backend.Select(ctx, Query{Table: q.Table, Columns: q.Columns, Keys: misses, Cacheable: true})
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]Row, len(misses))
	for _, r := range fetched {
		key := keyOf(r, q.Columns).Key()
		grouped[key] = append(grouped[key], r)
	}
	for _, k := range misses {
		rows, ok := grouped[k.Key()]
		if !ok {
			continue
		}
		if err := cache.SetJSON(ctx, b.cache, rowKey(q.Table, q.Columns, k), rows, b.ttl); err != nil {
			b.logger.Warn("cache write failed", zap.String("table", q.Table), zap.Error(err))
		}
	}
	return append(result, fetched...), nil
}

// Apply executes plan and evicts the rows it updated or deleted
func (b *CachedBackend) Apply(ctx context.Context, plan *Plan) error {
	if err := b.Backend.Apply(ctx, plan); err != nil {
		return err
	}
	for _, st := range plan.Statements {
		if st.Op == OpInsert {
			continue
		}
		if err := b.cache.Delete(ctx, rowKey(st.Table, st.KeyColumns, st.Key)); err != nil {
			b.logger.Warn("cache eviction failed", zap.String("table", st.Table), zap.Error(err))
		}
	}
	return nil
}

func rowKey(table string, columns []string, key Identity) string {
	return "rows:" + table + ":" + strings.Join(columns, ",") + ":" + key.Key()
}

func normalizeRow(r Row) Row {
	for k, v := range r {
		r[k] = normalizeValue(v)
	}
	return r
}
