package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/reviewradar/internal/core/domain"
)

// HumanQueue implements storage.HumanQueue on a Redis list shared by every labeler.
type HumanQueue struct {
	client *Client
}

// NewHumanQueue creates a Redis-backed human review queue.
func NewHumanQueue(client *Client) *HumanQueue {
	return &HumanQueue{client: client}
}

// Enqueue appends an item to the tail of the queue.
func (q *HumanQueue) Enqueue(ctx context.Context, item *domain.HumanReviewItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal human review item: %w", err)
	}
	if err := q.client.rdb.RPush(ctx, q.client.humanQueueKey(), data).Err(); err != nil {
		return fmt.Errorf("rpush failed: %w", err)
	}
	return nil
}

// List returns up to limit items from the head of the queue. A limit <= 0 returns all.
func (q *HumanQueue) List(ctx context.Context, limit int) ([]*domain.HumanReviewItem, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := q.client.rdb.LRange(ctx, q.client.humanQueueKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	items := make([]*domain.HumanReviewItem, 0, len(raw))
	for _, s := range raw {
		var item domain.HumanReviewItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal human review item: %w", err)
		}
		items = append(items, &item)
	}
	return items, nil
}

// Len returns the queue length.
func (q *HumanQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.rdb.LLen(ctx, q.client.humanQueueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("llen failed: %w", err)
	}
	return int(n), nil
}
