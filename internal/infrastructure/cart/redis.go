// Package cart is the Redis-backed shopping cart collaborator. A session's
// items live in a hash of product id to quantity; the checked-out flag is a
// separate key set with SETNX so two checkouts of one session cannot both win.
package cart

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	domain "github.com/Zhima-Mochi/fulfillment-engine/internal/domain/cart"
	"github.com/Zhima-Mochi/fulfillment-engine/internal/domain/stock"
	"github.com/redis/go-redis/v9"
)

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func itemsKey(session string) string { return "cart:" + session + ":items" }
func checkoutKey(session string) string { return "cart:" + session + ":checked_out" }

func (s *RedisStore) MarkCheckedOut(ctx context.Context, key string) error {
	n, err := s.rdb.Exists(ctx, itemsKey(key)).Result()
	if err != nil {
		return fmt.Errorf("cart: exists: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	ok, err := s.rdb.SetNX(ctx, checkoutKey(key), "1", s.ttl).Result()
	if err != nil {
		return fmt.Errorf("cart: mark checked out: %w", err)
	}
	if !ok {
		return domain.ErrAlreadyCheckedOut
	}
	return nil
}

func (s *RedisStore) ResetCheckout(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, checkoutKey(key)).Err(); err != nil {
		return fmt.Errorf("cart: reset checkout: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, itemsKey(key), checkoutKey(key)).Err(); err != nil {
		return fmt.Errorf("cart: clear: %w", err)
	}
	return nil
}

func (s *RedisStore) Items(ctx context.Context, key string) ([]stock.Line, error) {
	raw, err := s.rdb.HGetAll(ctx, itemsKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("cart: items: %w", err)
	}
	if len(raw) == 0 {
		return nil, domain.ErrNotFound
	}
	return parseItems(raw)
}

// Put replaces the items of a session.
func (s *RedisStore) Put(ctx context.Context, key string, lines ...stock.Line) error {
	fields := make(map[string]any, len(lines))
	for id, qty := range stock.Aggregate(lines) {
		fields[strconv.FormatInt(id, 10)] = qty
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, itemsKey(key))
		if len(fields) > 0 {
			p.HSet(ctx, itemsKey(key), fields)
			if s.ttl > 0 {
				p.Expire(ctx, itemsKey(key), s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cart: put: %w", err)
	}
	return nil
}

func parseItems(raw map[string]string) ([]stock.Line, error) {
	lines := make([]stock.Line, 0, len(raw))
	for field, value := range raw {
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cart: bad product id %q: %w", field, err)
		}
		qty, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("cart: bad quantity for product %d: %w", id, err)
		}
		if qty > 0 {
			lines = append(lines, stock.Line{ProductID: id, Quantity: qty})
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return lines, nil
}

var _ domain.Store = (*RedisStore)(nil)
