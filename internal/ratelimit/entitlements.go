package ratelimit

import (
	"fmt"
	"time"

	"artifactchat/pkg/domain"
)

const (
	DefaultGuestMessagesPerDay   = 20
	DefaultRegularMessagesPerDay = 100
)

// MessageCounter counts the user messages a user sent since a point in time.
type MessageCounter interface {
	CountUserMessagesSince(userID string, since time.Time) (int, error)
}

// Entitlements enforces a daily message quota per user type. It counts in
// Redis when a limiter is configured and falls back to counting stored
// messages otherwise.
type Entitlements struct {
	limits  map[domain.UserType]int
	limiter *FixedWindowLimiter
	counter MessageCounter
	now     func() time.Time
}

func NewEntitlements(limits map[domain.UserType]int, limiter *FixedWindowLimiter, counter MessageCounter) *Entitlements {
	merged := map[domain.UserType]int{
		domain.UserGuest:   DefaultGuestMessagesPerDay,
		domain.UserRegular: DefaultRegularMessagesPerDay,
	}
	for t, n := range limits {
		if n > 0 {
			merged[t] = n
		}
	}
	return &Entitlements{limits: merged, limiter: limiter, counter: counter, now: time.Now}
}

// Limit returns the daily message quota of a user type.
func (e *Entitlements) Limit(t domain.UserType) int {
	if n, ok := e.limits[t]; ok {
		return n
	}
	return e.limits[domain.UserGuest]
}

// Allow consumes one message from the user's daily quota.
func (e *Entitlements) Allow(user domain.User) (bool, error) {
	limit := e.Limit(user.Type)
	if e.limiter != nil {
		return e.limiter.AllowN("messages:"+user.ID, limit), nil
	}
	if e.counter == nil {
		return true, nil
	}
	count, err := e.counter.CountUserMessagesSince(user.ID, e.now().Add(-24*time.Hour))
	if err != nil {
		return false, fmt.Errorf("count messages: %w", err)
	}
	return count < limit, nil
}
