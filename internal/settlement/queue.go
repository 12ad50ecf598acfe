package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/carelink/escortd/internal/logger"
)

// ErrQueueFull is returned by a bounded queue that cannot accept more work.
var ErrQueueFull = errors.New("settlement queue is full")

// Handler settles one order. It must be safe to call more than once for
// the same order.
type Handler func(ctx context.Context, orderID string)

// Queue carries completed order ids to settlement workers.
type Queue interface {
	Enqueue(ctx context.Context, orderID string) error
	// Consume runs workers until ctx is cancelled.
	Consume(ctx context.Context, workers int, handle Handler) error
	Close() error
}

// MemoryQueue is an in-process bounded channel. Jobs in it are lost on
// restart; reconciliation settles those orders later.
type MemoryQueue struct {
	ch chan string
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1
	}
	return &MemoryQueue{ch: make(chan string, buffer)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, orderID string) error {
	select {
	case q.ch <- orderID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workers int, handle Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workers, 1); i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case id := <-q.ch:
					handle(ctx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (q *MemoryQueue) Close() error { return nil }

// RedisQueue is a list shared by every service instance: LPUSH to enqueue,
// BRPOP to consume.
type RedisQueue struct {
	rdb *redis.Client
	key string
	log *logger.Logger
}

func NewRedisQueue(addr, key string, log *logger.Logger) (*RedisQueue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisQueue{rdb: rdb, key: key, log: log.With("component", "settlement_queue")}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, orderID string) error {
	return q.rdb.LPush(ctx, q.key, orderID).Err()
}

func (q *RedisQueue) Consume(ctx context.Context, workers int, handle Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < max(workers, 1); i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				res, err := q.rdb.BRPop(ctx, 5*time.Second, q.key).Result()
				switch {
				case errors.Is(err, redis.Nil):
					continue
				case err != nil:
					if ctx.Err() != nil {
						return nil
					}
					q.log.Warn("brpop failed", "error", err)
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
					continue
				}
				// res is [key, value]
				if len(res) == 2 {
					handle(ctx, res[1])
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisQueue) Close() error {
	if q == nil || q.rdb == nil {
		return nil
	}
	return q.rdb.Close()
}
