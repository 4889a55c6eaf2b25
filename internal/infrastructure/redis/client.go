package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/registry"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

const (
	presenceKey    = "presence:users"
	adminStatusKey = "admin:status"
	fieldSeparator = "|"
)

func typingKey(roomID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", roomID, userID)
}

// presenceField scopes a user's presence to the instance holding its connections.
func (r *RedisClient) presenceField(userID string) string {
	return r.instanceID + fieldSeparator + userID
}

// PresenceChanged mirrors a registry change into the presence hash.
func (r *RedisClient) PresenceChanged(c registry.Change) {
	field := r.presenceField(c.Conn.UserID)
	if c.UserConnections == 0 {
		r.enqueue("presence.remove", func(ctx context.Context) error {
			return r.client.HDel(ctx, presenceKey, field).Err()
		})
		return
	}

	entry := domain.PresenceEntry{
		UserID:      c.Conn.UserID,
		DisplayName: c.Conn.DisplayName,
		Role:        c.Conn.Role,
		JoinedAt:    c.Conn.JoinedAt,
		Connections: c.UserConnections,
	}
	first := c.Kind == registry.Joined && c.UserConnections == 1
	r.enqueue("presence.set", func(ctx context.Context) error {
		if !first {
			// Keep the earliest joined-at already recorded.
			raw, err := r.client.HGet(ctx, presenceKey, field).Result()
			if err == nil {
				var prev domain.PresenceEntry
				if json.Unmarshal([]byte(raw), &prev) == nil && !prev.JoinedAt.IsZero() && prev.JoinedAt.Before(entry.JoinedAt) {
					entry.JoinedAt = prev.JoinedAt
				}
			} else if !errors.Is(err, redis.Nil) {
				return err
			}
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return r.client.HSet(ctx, presenceKey, field, data).Err()
	})
}

func (r *RedisClient) AdminStatusChanged(s domain.AdminStatus) {
	r.enqueue("admin_status.set", func(ctx context.Context) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return r.client.HSet(ctx, adminStatusKey, s.AdminID, data).Err()
	})
}

// TypingStarted stores a typing key that expires on its own after ttl.
func (r *RedisClient) TypingStarted(s domain.TypingState, ttl time.Duration) {
	r.enqueue("typing.set", func(ctx context.Context) error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return r.client.Set(ctx, typingKey(s.RoomID, s.UserID), data, ttl).Err()
	})
}

func (r *RedisClient) TypingStopped(roomID, userID string) {
	r.enqueue("typing.del", func(ctx context.Context) error {
		return r.client.Del(ctx, typingKey(roomID, userID)).Err()
	})
}

// ReadRoster returns the cluster roster. It gives up after the read timeout and
// fails fast while the breaker is open; callers fall back to the local roster.
func (r *RedisClient) ReadRoster(ctx context.Context) ([]domain.PresenceEntry, error) {
	return r.breaker.Execute(func() ([]domain.PresenceEntry, error) {
		ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
		defer cancel()
		fields, err := r.client.HGetAll(ctx, presenceKey).Result()
		if err != nil {
			return nil, err
		}
		return mergeRoster(fields), nil
	})
}

// mergeRoster folds per-instance entries into one entry per user.
func mergeRoster(fields map[string]string) []domain.PresenceEntry {
	byUser := make(map[string]*domain.PresenceEntry)
	for field, raw := range fields {
		if !strings.Contains(field, fieldSeparator) {
			continue
		}
		var e domain.PresenceEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil || e.UserID == "" {
			continue
		}
		cur, ok := byUser[e.UserID]
		if !ok {
			entry := e
			byUser[e.UserID] = &entry
			continue
		}
		cur.Connections += e.Connections
		if e.JoinedAt.Before(cur.JoinedAt) {
			cur.JoinedAt = e.JoinedAt
		}
	}

	out := make([]domain.PresenceEntry, 0, len(byUser))
	for _, e := range byUser {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// ReadAdminStatuses returns the admin statuses every instance has mirrored,
// behind the same timeout and breaker policy as ReadRoster.
func (r *RedisClient) ReadAdminStatuses(ctx context.Context) ([]domain.AdminStatus, error) {
	return r.statusBreaker.Execute(func() ([]domain.AdminStatus, error) {
		ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
		defer cancel()
		fields, err := r.client.HGetAll(ctx, adminStatusKey).Result()
		if err != nil {
			return nil, err
		}
		out := make([]domain.AdminStatus, 0, len(fields))
		for _, raw := range fields {
			var s domain.AdminStatus
			if err := json.Unmarshal([]byte(raw), &s); err != nil {
				continue
			}
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].AdminID < out[j].AdminID })
		return out, nil
	})
}

// ReadTyping lists the live typing states of roomID across the cluster, oldest first.
func (r *RedisClient) ReadTyping(ctx context.Context, roomID string) ([]domain.TypingState, error) {
	return r.typingBreaker.Execute(func() ([]domain.TypingState, error) {
		ctx, cancel := context.WithTimeout(ctx, r.readTimeout)
		defer cancel()

		var keys []string
		iter := r.client.Scan(ctx, 0, typingKey(globEscape(roomID), "*"), 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		out := []domain.TypingState{}
		if len(keys) == 0 {
			return out, nil
		}

		// Keys may expire between SCAN and MGET; those come back nil.
		values, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var st domain.TypingState
			if err := json.Unmarshal([]byte(raw), &st); err != nil || st.RoomID != roomID {
				continue
			}
			out = append(out, st)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
		return out, nil
	})
}

// globEscape quotes the SCAN MATCH metacharacters in s.
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (r *RedisClient) clearInstance(ctx context.Context) error {
	fields, err := r.client.HKeys(ctx, presenceKey).Result()
	if err != nil {
		return err
	}
	var mine []string
	for _, f := range fields {
		if strings.HasPrefix(f, r.instanceID+fieldSeparator) {
			mine = append(mine, f)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	return r.client.HDel(ctx, presenceKey, mine...).Err()
}
