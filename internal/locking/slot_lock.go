// Package locking serializes concurrent booking attempts for the same slot.
package locking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// ErrSlotLocked is returned when another request holds the slot lock.
var ErrSlotLocked = errors.New("locking: slot is being booked by another request")

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// SlotLocker holds short-lived Redis locks keyed on doctor, date and slot start.
// A locker without a client grants every lock; the database uniqueness
// constraint remains the final arbiter either way.
type SlotLocker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewSlotLocker builds a locker. client may be nil.
func NewSlotLocker(client *redis.Client, ttl time.Duration, logger *logging.Logger) *SlotLocker {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &SlotLocker{redis: client, ttl: ttl, logger: logger}
}

// SlotKey is the lock key for one (doctor, date, start) triple.
func SlotKey(doctorID, date, start string) string {
	return fmt.Sprintf("slotlock:%s:%s:%s", doctorID, date, start)
}

// Acquire takes the slot lock and returns its release func.
// ErrSlotLocked means another request currently holds it.
func (l *SlotLocker) Acquire(ctx context.Context, doctorID, date, start string) (func(), error) {
	if l == nil || l.redis == nil {
		return func() {}, nil
	}
	key := SlotKey(doctorID, date, start)
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		// Redis is advisory here; the unique index still rejects duplicates.
		l.logger.Warn("slot lock unavailable, continuing without it", "key", key, "error", err)
		return func() {}, nil
	}
	if !ok {
		return nil, ErrSlotLocked
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.redis, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.Warn("slot lock release failed", "key", key, "error", err)
		}
	}, nil
}
