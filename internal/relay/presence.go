package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// presenceTTL is how long a presence entry survives without a refresh. Rooms
// touch entries on join and on every awareness message, so a live client
// stays comfortably inside the window while a crashed one ages out.
const presenceTTL = 60 * time.Second

// PresenceEntry is what the HTTP API reports for an active collaborator.
type PresenceEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SeenAt      time.Time `json:"seen_at"`
}

// RedisPresence implements PresenceStore on Redis with per-entry TTLs.
type RedisPresence struct {
	client *redis.Client
	prefix string
}

// NewRedisPresence connects and verifies the Redis backing store.
func NewRedisPresence(redisURL string) (*RedisPresence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPresence{client: client, prefix: "presence:"}, nil
}

// NewRedisPresenceWithClient wraps an existing client, used by tests.
func NewRedisPresenceWithClient(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client, prefix: "presence:"}
}

func (p *RedisPresence) key(documentID, userID string) string {
	return p.prefix + documentID + ":" + userID
}

// Touch marks a user live in a document and refreshes their TTL.
func (p *RedisPresence) Touch(ctx context.Context, documentID, userID, displayName string) error {
	entry := PresenceEntry{
		UserID:      userID,
		DisplayName: displayName,
		SeenAt:      time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := p.client.Set(ctx, p.key(documentID, userID), raw, presenceTTL).Err(); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// Remove clears a user's presence on clean disconnect.
func (p *RedisPresence) Remove(ctx context.Context, documentID, userID string) error {
	if err := p.client.Del(ctx, p.key(documentID, userID)).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// Active lists the collaborators currently live in a document.
func (p *RedisPresence) Active(ctx context.Context, documentID string) ([]PresenceEntry, error) {
	pattern := p.prefix + documentID + ":*"
	var entries []PresenceEntry

	iter := p.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		raw, err := p.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("read presence %s: %w", iter.Val(), err)
		}
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// A malformed entry is dropped rather than failing the listing.
			continue
		}
		entries = append(entries, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence: %w", err)
	}

	// Deterministic order for the API and tests.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && strings.Compare(entries[j].UserID, entries[j-1].UserID) < 0; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries, nil
}

// Close releases the Redis connection.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}

// Ping checks Redis reachability for the readiness endpoint.
func (p *RedisPresence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
