package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"KelmahIM/tools/errs"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ===== 配置 =====
type OnlineConfig struct {
	Prefix        string        // key namespace, default "kim"
	TTL           time.Duration // refreshed on every write; bounds leftovers of a crashed replica
	UseClusterTag bool          // wrap the id in {} so per-user keys share a slot
	LastSeenTTL   time.Duration
}

func (c *OnlineConfig) norm() {
	if c.Prefix == "" {
		c.Prefix = "kim"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.LastSeenTTL <= 0 {
		c.LastSeenTTL = 30 * 24 * time.Hour
	}
}

// ===== Lua 脚本 =====

// 计数 +1（加入）
// KEYS[1] = hash key
// ARGV[1] = field
// ARGV[2] = ttlSeconds
// 返回：加后的计数
const luaIncr = `
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], 1)
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return n
`

// 计数 -1（离开），归零即删除字段，空表即删除键
// KEYS[1] = hash key
// ARGV[1] = field
// ARGV[2] = ttlSeconds
// 返回：剩余计数（不小于 0）
const luaDecr = `
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
  n = 0
end
if redis.call("HLEN", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
else
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return n
`

// 下线：节点计数 -1，全部节点归零时写 lastSeen
// KEYS[1] = online hash (field=node)
// KEYS[2] = lastSeen key
// ARGV[1] = node
// ARGV[2] = ttlSeconds
// ARGV[3] = atMillis
// ARGV[4] = lastSeenTtlSeconds
// 返回：1 = 已完全离线；0 = 其他节点仍在线
const luaOffline = `
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
  redis.call("HDEL", KEYS[1], ARGV[1])
end
if redis.call("HLEN", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
  redis.call("SET", KEYS[2], ARGV[3], "EX", tonumber(ARGV[4]))
  return 1
end
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return 0
`

// OnlineStore mirrors room membership and online state across replicas.
// Room hash: field=user, value=number of replicas where the user sits in the room.
// Online hash: field=node, value=1 while the user has a connection there.
type OnlineStore struct {
	rdb    redis.UniversalClient
	nodeID string
	conf   OnlineConfig

	incr    *redis.Script
	decr    *redis.Script
	offline *redis.Script
}

func NewOnlineStore(rdb redis.UniversalClient, nodeID string, conf OnlineConfig) *OnlineStore {
	conf.norm()
	return &OnlineStore{
		rdb:     rdb,
		nodeID:  nodeID,
		conf:    conf,
		incr:    redis.NewScript(luaIncr),
		decr:    redis.NewScript(luaDecr),
		offline: redis.NewScript(luaOffline),
	}
}

// ===== Key 构造 =====

func (m *OnlineStore) tag(id string) string {
	if m.conf.UseClusterTag {
		return "{" + id + "}"
	}
	return id
}

func (m *OnlineStore) roomKey(conversationID string) string {
	return fmt.Sprintf("%s:room:%s", m.conf.Prefix, m.tag(conversationID))
}

func (m *OnlineStore) onlineKey(userID string) string {
	return fmt.Sprintf("%s:online:%s", m.conf.Prefix, m.tag(userID))
}

func (m *OnlineStore) lastSeenKey(userID string) string {
	return fmt.Sprintf("%s:online:%s:last", m.conf.Prefix, m.tag(userID))
}

func (m *OnlineStore) ttlSec() int64 { return int64(m.conf.TTL / time.Second) }

// ===== presence.Mirror =====

func (m *OnlineStore) Online(ctx context.Context, userID string) error {
	return m.incr.Run(ctx, m.rdb, []string{m.onlineKey(userID)}, m.nodeID, m.ttlSec()).Err()
}

func (m *OnlineStore) Offline(ctx context.Context, userID string, at time.Time) error {
	keys := []string{m.onlineKey(userID), m.lastSeenKey(userID)}
	return m.offline.Run(ctx, m.rdb, keys, m.nodeID, m.ttlSec(), at.UnixMilli(), int64(m.conf.LastSeenTTL/time.Second)).Err()
}

func (m *OnlineStore) JoinRoom(ctx context.Context, conversationID, userID string) error {
	return m.incr.Run(ctx, m.rdb, []string{m.roomKey(conversationID)}, userID, m.ttlSec()).Err()
}

func (m *OnlineStore) LeaveRoom(ctx context.Context, conversationID, userID string) error {
	return m.decr.Run(ctx, m.rdb, []string{m.roomKey(conversationID)}, userID, m.ttlSec()).Err()
}

func (m *OnlineStore) RoomUsers(ctx context.Context, conversationID string) ([]string, error) {
	all, err := m.rdb.HGetAll(ctx, m.roomKey(conversationID)).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]string, 0, len(all))
	for user, v := range all {
		if n, _ := strconv.Atoi(v); n > 0 {
			out = append(out, user)
		}
	}
	return out, nil
}

func (m *OnlineStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.rdb.HLen(ctx, m.onlineKey(userID)).Result()
	if err != nil {
		return false, errs.Wrap(err)
	}
	return n > 0, nil
}

// LastSeen returns when the user's last connection on any replica closed.
func (m *OnlineStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := m.rdb.Get(ctx, m.lastSeenKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errs.Wrap(err)
	}
	return time.UnixMilli(v).UTC(), true, nil
}
