package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deltahedge/hedger/internal/adapter"
)

// RedisClient abstracts the Redis operations used by RedisMirror.
// In production this is satisfied by NewRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
	Del(ctx context.Context, keys ...string) error
}

type goRedis struct{ c *redis.Client }

// NewRedisClient adapts a go-redis client to RedisClient.
func NewRedisClient(c *redis.Client) RedisClient { return goRedis{c: c} }

func (g goRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.c.HSet(ctx, key, values...).Err()
}

func (g goRedis) Del(ctx context.Context, keys ...string) error {
	return g.c.Del(ctx, keys...).Err()
}

// MirrorKey returns the Redis hash holding the view of ex.
func MirrorKey(ex adapter.Exchange) string { return "hedge:" + string(ex) }

// RedisMirror persists the store's latest per-exchange view into Redis for
// external dashboards, using the schema:
//
//	Key:    hedge:{exchange}
//	Fields: price, direction, qty, entry, pnl, balance, leverage, orders, ts
//
// Events only trigger a write; the values always come from the store, so a
// dropped event is healed by the next one. Identical views are not rewritten.
type RedisMirror struct {
	client RedisClient
	store  *Store
	feed   <-chan adapter.Event
	buf    chan adapter.Exchange
	log    *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last map[string]map[string]string // keyed by Redis key
}

// NewRedisMirror returns a mirror reading feed and the views of store.
func NewRedisMirror(client RedisClient, store *Store, feed <-chan adapter.Event, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{
		client: client,
		store:  store,
		feed:   feed,
		buf:    make(chan adapter.Exchange, 64),
		log:    logger.Named("redis"),
		now:    time.Now,
		last:   make(map[string]map[string]string),
	}
}

// Run drains the feed into an internal buffer and flushes views to Redis
// from a second goroutine. It blocks until ctx is cancelled.
func (m *RedisMirror) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-m.feed:
				if !ok {
					return
				}
				if ev.Kind == adapter.EventLog || ev.Exchange == "" {
					continue
				}
				select {
				case m.buf <- ev.Exchange:
				default:
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ex := <-m.buf:
				if err := m.Flush(ctx, ex); err != nil {
					m.log.Warn("mirror write failed", zap.String("exchange", string(ex)), zap.Error(err))
				}
			}
		}
	}()

	wg.Wait()
}

// Flush writes the current view of ex. An exchange the store no longer
// knows is deleted from Redis.
func (m *RedisMirror) Flush(ctx context.Context, ex adapter.Exchange) error {
	key := MirrorKey(ex)
	fields, known := m.view(ex)

	m.mu.Lock()
	prev, exists := m.last[key]
	if !known {
		delete(m.last, key)
		m.mu.Unlock()
		if !exists {
			return nil
		}
		return m.client.Del(ctx, key)
	}
	if exists && sameFields(prev, fields) {
		m.mu.Unlock()
		return nil
	}
	m.last[key] = fields
	m.mu.Unlock()

	values := make([]any, 0, 2*len(fields)+2)
	for _, name := range fieldOrder {
		if v, ok := fields[name]; ok {
			values = append(values, name, v)
		}
	}
	values = append(values, "ts", strconv.FormatInt(m.now().UnixMilli(), 10))
	if err := m.client.HSet(ctx, key, values...); err != nil {
		m.mu.Lock()
		delete(m.last, key)
		m.mu.Unlock()
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

var fieldOrder = []string{"price", "direction", "qty", "entry", "pnl", "balance", "leverage", "orders"}

func (m *RedisMirror) view(ex adapter.Exchange) (map[string]string, bool) {
	snap := m.store.Snapshot()
	fields := map[string]string{}
	known := false

	if q, ok := snap.Prices[ex]; ok {
		known = true
		fields["price"] = adapter.FormatDecimal(q.Price)
	}
	if st, ok := snap.States[ex]; ok {
		known = true
		fields["direction"] = st.Position.Direction.String()
		fields["qty"] = adapter.FormatDecimal(st.Position.Quantity)
		fields["entry"] = adapter.FormatDecimal(st.Position.EntryPrice)
		fields["pnl"] = adapter.FormatDecimal(st.PnL)
		fields["balance"] = adapter.FormatDecimal(st.Balance)
		fields["leverage"] = strconv.Itoa(st.Leverage)
	}
	if orders, ok := snap.Orders[ex]; ok {
		known = true
		raw, err := json.Marshal(orders)
		if err == nil {
			fields["orders"] = string(raw)
		}
	}
	return fields, known
}

func sameFields(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
