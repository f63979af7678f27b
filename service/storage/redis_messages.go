package storage

import (
	"context"
	"fmt"

	"KelmahIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// —— In-app inbox: one List per user ——

const defaultInboxCap = 1000

// Inbox keeps the most recent in-app notifications of each user.
type Inbox struct {
	rdb    redis.UniversalClient
	prefix string
	cap    int64
}

func NewInbox(rdb redis.UniversalClient, prefix string, capacity int) *Inbox {
	if prefix == "" {
		prefix = "kim"
	}
	if capacity <= 0 {
		capacity = defaultInboxCap
	}
	return &Inbox{rdb: rdb, prefix: prefix, cap: int64(capacity)}
}

func (b *Inbox) key(user string) string { return fmt.Sprintf("%s:inbox:%s", b.prefix, user) }

// Push stores payload; LPUSH + LTRIM keeps a rolling window of the newest entries.
func (b *Inbox) Push(ctx context.Context, user string, payload []byte) error {
	pipe := b.rdb.TxPipeline()
	pipe.LPush(ctx, b.key(user), payload)
	pipe.LTrim(ctx, b.key(user), 0, b.cap-1)
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

// Fetch removes and returns up to n entries, oldest first.
func (b *Inbox) Fetch(ctx context.Context, user string, n int) ([][]byte, error) {
	if n <= 0 {
		n = 100
	}
	llen, err := b.rdb.LLen(ctx, b.key(user)).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if llen == 0 {
		return nil, nil
	}
	if int64(n) > llen {
		n = int(llen)
	}

	// the oldest n sit at the tail: [llen-n, llen-1]
	start := llen - int64(n)
	vals, err := b.rdb.LRange(ctx, b.key(user), start, llen-1).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if start == 0 {
		err = b.rdb.Del(ctx, b.key(user)).Err()
	} else {
		err = b.rdb.LTrim(ctx, b.key(user), 0, start-1).Err()
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}

	out := make([][]byte, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		out = append(out, []byte(vals[i]))
	}
	return out, nil
}

func (b *Inbox) Len(ctx context.Context, user string) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.key(user)).Result()
	return n, errs.Wrap(err)
}
