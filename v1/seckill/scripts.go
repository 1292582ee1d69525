package seckill

import (
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// KEYS[1] stock counter, KEYS[2] participant set, ARGV[1] user id.
// Returns 0 admitted, 1 insufficient stock, 2 duplicate order.
var admitScript = redis.NewScript(`
if redis.call("sismember", KEYS[2], ARGV[1]) == 1 then
	return 2
end
local stock = tonumber(redis.call("get", KEYS[1]))
if stock == nil or stock <= 0 then
	return 1
end
redis.call("incrby", KEYS[1], -1)
redis.call("sadd", KEYS[2], ARGV[1])
return 0
`)

// Undoes an admission whose task never reached the queue.
var compensateScript = redis.NewScript(`
if redis.call("srem", KEYS[2], ARGV[1]) == 1 then
	redis.call("incrby", KEYS[1], 1)
	return 1
end
return 0
`)

// StockKey is the Redis counter consulted by admission.
func StockKey(voucherID int64) string {
	return "seckill:stock:" + strconv.FormatInt(voucherID, 10)
}

// OrderSetKey is the Redis set of users admitted for voucherID.
func OrderSetKey(voucherID int64) string {
	return "seckill:order:" + strconv.FormatInt(voucherID, 10)
}

// UserLockName is the lock held by the worker while persisting userID's
// order. The locker prefix turns it into lock:order:<userID>.
func UserLockName(userID int64) string {
	return "order:" + strconv.FormatInt(userID, 10)
}

const voucherKeyPrefix = "voucher:"

// VoucherKey is the invalidation key broadcast when voucherID is reloaded.
func VoucherKey(voucherID int64) string {
	return voucherKeyPrefix + strconv.FormatInt(voucherID, 10)
}

func parseVoucherKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, voucherKeyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}
