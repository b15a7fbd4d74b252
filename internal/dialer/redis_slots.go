package dialer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	apperrors "github.com/acme/campaign-dialer/pkg/errors"
)

// RedisPool coordinates slot leases across processes using Redis counters.
// The acquire script takes the global and campaign keys together so neither
// can be over-leased by racing workers.
type RedisPool struct {
	client      *redis.Client
	globalLimit int
	ttl         time.Duration
}

// NewRedisPool constructs a distributed slot pool.
func NewRedisPool(client *redis.Client, globalLimit int, ttl time.Duration) *RedisPool {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPool{client: client, globalLimit: globalLimit, ttl: ttl}
}

var acquireScript = redis.NewScript(`
local gkey = KEYS[1]
local ckey = KEYS[2]
local glimit = tonumber(ARGV[1])
local climit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local g = tonumber(redis.call('GET', gkey) or '0')
local c = tonumber(redis.call('GET', ckey) or '0')
if (glimit > 0 and g >= glimit) or (climit > 0 and c >= climit) then
  return 0
end
redis.call('INCR', gkey)
redis.call('INCR', ckey)
if ttl > 0 then
  redis.call('PEXPIRE', gkey, ttl)
  redis.call('PEXPIRE', ckey, ttl)
end
return 1
`)

var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current <= 0 then
    redis.call('DEL', KEYS[i])
  else
    redis.call('DECR', KEYS[i])
  end
end
return 1
`)

// Acquire leases one global and one campaign slot atomically.
func (p *RedisPool) Acquire(ctx context.Context, campaignID uuid.UUID, campaignLimit int) error {
	res, err := acquireScript.Run(ctx, p.client,
		[]string{p.globalKey(), p.campaignKey(campaignID)},
		p.globalLimit, campaignLimit, p.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("slot acquire: %w", err)
	}
	if res != 1 {
		return fmt.Errorf("%w: campaign %s", apperrors.ErrSlotUnavailable, campaignID)
	}
	return nil
}

// Release frees one slot pair.
func (p *RedisPool) Release(ctx context.Context, campaignID uuid.UUID) error {
	if _, err := releaseScript.Run(ctx, p.client,
		[]string{p.globalKey(), p.campaignKey(campaignID)},
	).Int(); err != nil {
		return fmt.Errorf("slot release: %w", err)
	}
	return nil
}

func (p *RedisPool) globalKey() string {
	return "dialer:slots:global"
}

func (p *RedisPool) campaignKey(campaignID uuid.UUID) string {
	return fmt.Sprintf("dialer:slots:campaign:%s", campaignID.String())
}
