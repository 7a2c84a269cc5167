package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	NextWithdrawalCode(ctx context.Context) (string, error)
}

// Counter increments a named counter, setting ttl when the key is new.
type Counter interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisCounter struct {
	rdb redis.Cmdable
}

func (c *redisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	seq, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if seq == 1 && ttl > 0 {
		_ = c.rdb.Expire(ctx, key, ttl).Err()
	}
	return seq, nil
}

type DailyGenerator struct {
	counter Counter
	now     func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return NewDailyGenerator(&redisCounter{rdb: p.Redis})
}

func NewDailyGenerator(c Counter) *DailyGenerator {
	return &DailyGenerator{counter: c, now: time.Now}
}

// NextWithdrawalCode returns codes like WD-261015-001AB.
func (g *DailyGenerator) NextWithdrawalCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "WD")
}

func Key(parts ...string) string {
	return "seq:" + strings.Join(parts, ":")
}

func (g *DailyGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")

	endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	seq, err := g.counter.Incr(ctx, Key(prefix, today), endOfDay.Sub(now))
	if err != nil {
		return "", err
	}

	suffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return formatCode(prefix, today, seq, suffix), nil
}

// formatCode renders seq in base36, left-padded to three characters.
func formatCode(prefix, day string, seq int64, suffix string) string {
	encoded := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encoded) < 3 {
		encoded = strings.Repeat("0", 3-len(encoded)) + encoded
	}
	return fmt.Sprintf("%s-%s-%s%s", prefix, day, encoded, suffix)
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
