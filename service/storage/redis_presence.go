package storage

import (
	"context"
	"fmt"
	"strconv"

	"KelmahIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Preferences stores per-user notification channel switches as a hash:
// <prefix>:notify:pref:<user>  field=channel  value=0/1
type Preferences struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewPreferences(rdb redis.UniversalClient, prefix string) *Preferences {
	if prefix == "" {
		prefix = "kim"
	}
	return &Preferences{rdb: rdb, prefix: prefix}
}

func (p *Preferences) key(user string) string { return fmt.Sprintf("%s:notify:pref:%s", p.prefix, user) }

// Channels returns only the channels the user set explicitly.
func (p *Preferences) Channels(ctx context.Context, user string) (map[string]bool, error) {
	raw, err := p.rdb.HGetAll(ctx, p.key(user)).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make(map[string]bool, len(raw))
	for ch, v := range raw {
		on, err := strconv.ParseBool(v)
		if err != nil {
			continue
		}
		out[ch] = on
	}
	return out, nil
}

func (p *Preferences) SetChannel(ctx context.Context, user, channel string, enabled bool) error {
	return errs.Wrap(p.rdb.HSet(ctx, p.key(user), channel, strconv.FormatBool(enabled)).Err())
}
