// Package presence tracks which clients are attached to which documents
// using Redis sets. It is optional: when no Redis URL is configured the
// server runs without it.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Tracker records attached clients per document in Redis.
type Tracker struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and returns a presence tracker.
func New(redisURL string) (*Tracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Tracker{
		client: client,
		prefix: "presence:",
	}, nil
}

// NewWithClient creates a tracker from an existing Redis client.
func NewWithClient(client *redis.Client) *Tracker {
	return &Tracker{
		client: client,
		prefix: "presence:",
	}
}

// key generates the Redis key for a document's presence set.
func (t *Tracker) key(documentID string) string {
	return t.prefix + documentID
}

// Join records a client as attached to a document.
func (t *Tracker) Join(ctx context.Context, documentID, clientID string) error {
	if err := t.client.SAdd(ctx, t.key(documentID), clientID).Err(); err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

// Leave removes a client from a document's presence set. Redis drops the
// set itself once the last member is gone.
func (t *Tracker) Leave(ctx context.Context, documentID, clientID string) error {
	if err := t.client.SRem(ctx, t.key(documentID), clientID).Err(); err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Clients returns the ids attached to a document, sorted.
func (t *Tracker) Clients(ctx context.Context, documentID string) ([]string, error) {
	members, err := t.client.SMembers(ctx, t.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Count returns how many clients are attached to a document.
func (t *Tracker) Count(ctx context.Context, documentID string) (int, error) {
	n, err := t.client.SCard(ctx, t.key(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(n), nil
}

// Snapshot returns the attached-client count for every document that has
// at least one client.
func (t *Tracker) Snapshot(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := t.client.SCard(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("presence count %s: %w", key, err)
		}
		if n > 0 {
			counts[strings.TrimPrefix(key, t.prefix)] = int(n)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence scan: %w", err)
	}
	return counts, nil
}

// Clear deletes every presence set. Called at startup and shutdown so sets
// left behind by a crashed process do not linger as ghosts.
func (t *Tracker) Clear(ctx context.Context) error {
	iter := t.client.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("presence clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("presence scan: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (t *Tracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (t *Tracker) Close() error {
	return t.client.Close()
}
