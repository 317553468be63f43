// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package queue implements a bounded FIFO of encoded frames stored in a Redis list.
//
// Push appends to the tail and evicts from the head once the list grows past
// its capacity. By default the length check and the eviction are two separate
// round trips, so concurrent pushers may leave the list one element over
// capacity until the next push. AtomicTrim closes that window by running
// RPUSH and LTRIM in a single MULTI/EXEC transaction.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultNamespace key prefix used when none is configured.
const DefaultNamespace = "namespace"

// ErrUnavailable the Redis server could not be reached or returned an error.
var ErrUnavailable = errors.New("queue unavailable")

// Key returns the list key for a camera.
func Key(namespace string, camName string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ":" + camName
}

// Config queue config.
type Config struct {
	Namespace  string
	CamName    string
	Capacity   int
	AtomicTrim bool
}

// Queue bounded Redis backed FIFO.
type Queue struct {
	client     redis.UniversalClient
	key        string
	capacity   int
	atomicTrim bool
}

// New returns a queue using client. The client is not closed by the queue.
func New(client redis.UniversalClient, c Config) *Queue {
	return &Queue{
		client:     client,
		key:        Key(c.Namespace, c.CamName),
		capacity:   c.Capacity,
		atomicTrim: c.AtomicTrim,
	}
}

// Key returns the Redis key of the list.
func (q *Queue) Key() string {
	return q.key
}

// Capacity returns the maximum number of entries.
func (q *Queue) Capacity() int {
	return q.capacity
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// Push appends blob to the tail and evicts the oldest entry on overflow.
func (q *Queue) Push(ctx context.Context, blob []byte) error {
	if q.atomicTrim {
		_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, q.key, blob)
			pipe.LTrim(ctx, q.key, int64(-q.capacity), -1)
			return nil
		})
		if err != nil {
			return unavailable("push", err)
		}
		return nil
	}

	size, err := q.client.RPush(ctx, q.key, blob).Result()
	if err != nil {
		return unavailable("push", err)
	}
	if size <= int64(q.capacity) {
		return nil
	}
	if err := q.client.LPop(ctx, q.key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("evict", err)
	}
	return nil
}

// Pop removes and returns the head entry, waiting up to timeout for one to
// arrive. Returns nil without error if the timeout expires. A non-positive
// timeout does not block.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		blob, err := q.client.LPop(ctx, q.key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, unavailable("pop", err)
		}
		return blob, nil
	}

	// go-redis rounds sub-second blocking timeouts up to one second.
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("pop", err)
	}
	// [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("%w: pop: unexpected reply length %d", ErrUnavailable, len(res))
	}
	return []byte(res[1]), nil
}

// Size returns the number of entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, unavailable("size", err)
	}
	return int(n), nil
}

// IsEmpty returns true if the queue has no entries.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Clear deletes every entry.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return unavailable("clear", err)
	}
	return nil
}

// Ping checks that the server is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
