// Package redisstore keeps conversation documents in Redis.
//
// Each conversation is a hash under chat:conv:<id>. Every participant has
// a sorted set chat:user:<id>:convs scored by last activity, and a pub/sub
// channel chat:user:<id>:changed that is notified after each write. The
// sorted set chat:conv:<id>:applied holds the most recent client IDs
// counted against the conversation.
// Counter mutations run server-side (Lua + HINCRBY) so concurrent senders
// never lose updates.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/store"
)

const keyPrefix = "chat"

var (
	// KEYS[1] conversation, KEYS[2] provider index, KEYS[3] customer index,
	// KEYS[4] applied set
	// ARGV[1] id, ARGV[2] score, ARGV[3] client id, ARGV[4..] field/value pairs
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
if ARGV[3] ~= '' then
	redis.call('ZADD', KEYS[4], ARGV[2], ARGV[3])
end
return 1
`)

	// KEYS[1] conversation, KEYS[2] applied set
	// ARGV[1] id, ARGV[2] score, ARGV[3] sent_at, ARGV[4] content,
	// ARGV[5] sent_by, ARGV[6] counter field, ARGV[7] client id,
	// ARGV[8] applied window
	applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
if ARGV[7] ~= '' then
	if redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[7]) == 0 then
		return {}
	end
	redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(tonumber(ARGV[8]) + 1))
end
local ids = redis.call('HMGET', KEYS[1], 'provider_id', 'customer_id')
local pidx = 'chat:user:' .. ids[1] .. ':convs'
local cidx = 'chat:user:' .. ids[2] .. ':convs'
local current = tonumber(redis.call('ZSCORE', pidx, ARGV[1]) or '0')
if tonumber(ARGV[2]) >= current then
	redis.call('HSET', KEYS[1], 'last_sent_at', ARGV[3], 'last_content', ARGV[4], 'last_sent_by', ARGV[5], 'last_client_id', ARGV[7])
	redis.call('ZADD', pidx, ARGV[2], ARGV[1])
	redis.call('ZADD', cidx, ARGV[2], ARGV[1])
end
redis.call('HINCRBY', KEYS[1], ARGV[6], 1)
return ids
`)

	// KEYS[1] conversation; ARGV[1] field, ARGV[2] delta
	incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
return redis.call('HMGET', KEYS[1], 'provider_id', 'customer_id')
`)

	// KEYS[1] conversation; ARGV field/value pairs
	setScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('NOTFOUND')
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return redis.call('HMGET', KEYS[1], 'provider_id', 'customer_id')
`)
)

// Store implements store.ConversationStore on Redis.
type Store struct {
	client *redis.Client
}

var _ store.ConversationStore = (*Store)(nil)

// Connect parses url, dials Redis and verifies the connection.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("redis: url is not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Ping verifies connectivity with Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func conversationKey(id string) string {
	return keyPrefix + ":conv:" + id
}

func appliedKey(id string) string {
	return conversationKey(id) + ":applied"
}

func indexKey(userID string) string {
	return keyPrefix + ":user:" + userID + ":convs"
}

func channel(userID string) string {
	return keyPrefix + ":user:" + userID + ":changed"
}

func score(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Create implements store.ConversationStore.
func (s *Store) Create(ctx context.Context, seed model.Conversation) (bool, error) {
	fields := store.EncodeConversation(seed)
	args := make([]any, 0, 3+2*len(fields))
	args = append(args, seed.ID, score(seed.LastMessage.SentAt), seed.LastMessage.ClientID)
	for k, v := range fields {
		args = append(args, k, v)
	}

	keys := []string{
		conversationKey(seed.ID),
		indexKey(seed.Participants.Provider),
		indexKey(seed.Participants.Customer),
		appliedKey(seed.ID),
	}
	created, err := createScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("redis: create conversation: %w", err)
	}
	if created == 1 {
		s.publish(ctx, seed.Participants.Provider, seed.Participants.Customer)
	}
	return created == 1, nil
}

// ApplyMessage implements store.ConversationStore.
func (s *Store) ApplyMessage(ctx context.Context, id string, last model.LastMessage, recipient model.Role) error {
	res, err := applyScript.Run(ctx, s.client, []string{conversationKey(id), appliedKey(id)},
		id, score(last.SentAt), store.FormatTime(last.SentAt), last.Content, last.SentBy, store.CounterField(recipient),
		last.ClientID, store.AppliedWindow,
	).StringSlice()
	if err != nil {
		return mapError("apply message", err)
	}
	s.publish(ctx, res...)
	return nil
}

// Increment implements store.ConversationStore.
func (s *Store) Increment(ctx context.Context, id string, role model.Role, delta int) error {
	res, err := incrementScript.Run(ctx, s.client, []string{conversationKey(id)},
		store.CounterField(role), delta,
	).StringSlice()
	if err != nil {
		return mapError("increment counter", err)
	}
	s.publish(ctx, res...)
	return nil
}

// Reset implements store.ConversationStore.
func (s *Store) Reset(ctx context.Context, id string, role model.Role) error {
	return s.set(ctx, "reset counter", id, store.CounterField(role), "0")
}

// SetProfile implements store.ConversationStore.
func (s *Store) SetProfile(ctx context.Context, id string, role model.Role, profile model.Profile) error {
	nameField, avatarField := store.ProfileFields(role)
	return s.set(ctx, "set profile", id, nameField, profile.Name, avatarField, profile.AvatarURL)
}

func (s *Store) set(ctx context.Context, op, id string, pairs ...any) error {
	res, err := setScript.Run(ctx, s.client, []string{conversationKey(id)}, pairs...).StringSlice()
	if err != nil {
		return mapError(op, err)
	}
	s.publish(ctx, res...)
	return nil
}

// Get implements store.ConversationStore.
func (s *Store) Get(ctx context.Context, id string) (store.ConversationRecord, error) {
	fields, err := s.client.HGetAll(ctx, conversationKey(id)).Result()
	if err != nil {
		return store.ConversationRecord{}, fmt.Errorf("redis: get conversation: %w", err)
	}
	if len(fields) == 0 {
		return store.ConversationRecord{}, model.ErrConversationNotFound
	}
	return store.ConversationRecord{Key: id, Fields: fields}, nil
}

// List implements store.ConversationStore. Records are returned most
// recently active first.
func (s *Store) List(ctx context.Context, userID string) ([]store.ConversationRecord, error) {
	ids, err := s.client.ZRevRange(ctx, indexKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, conversationKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: load conversations: %w", err)
	}

	records := make([]store.ConversationRecord, len(ids))
	for i, id := range ids {
		records[i] = store.ConversationRecord{Key: id, Fields: cmds[i].Val()}
	}
	return records, nil
}

// Watch implements store.ConversationStore. It subscribes before the
// first List so no change between the two is missed; notifications that
// pile up while a List runs are coalesced into one re-query.
func (s *Store) Watch(ctx context.Context, userID string) (<-chan store.Snapshot[store.ConversationRecord], error) {
	sub := s.client.Subscribe(ctx, channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}
	notifications := sub.Channel()

	out := make(chan store.Snapshot[store.ConversationRecord])
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			records, err := s.List(ctx, userID)
			select {
			case out <- store.Snapshot[store.ConversationRecord]{Records: records, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-notifications:
				if !ok {
					return
				}
			}
		drain:
			for {
				select {
				case <-notifications:
				default:
					break drain
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) publish(ctx context.Context, userIDs ...string) {
	for _, u := range userIDs {
		if u == "" {
			continue
		}
		// Best effort: a lost notification is repaired by the next one.
		_ = s.client.Publish(ctx, channel(u), "1").Err()
	}
}

func mapError(op string, err error) error {
	if strings.HasPrefix(err.Error(), "NOTFOUND") {
		return model.ErrConversationNotFound
	}
	return fmt.Errorf("redis: %s: %w", op, err)
}
