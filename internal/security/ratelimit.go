package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"servicebot/internal/logging"
)

// CounterStore counts hits per key inside a fixed window.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryCounter keeps window counters in process memory.
type MemoryCounter struct {
	cache *cache.Cache
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{cache: cache.New(time.Minute, 2*time.Minute)}
}

func (m *MemoryCounter) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	// Add fails when the key exists; Increment fails when it just expired.
	for i := 0; i < 3; i++ {
		if err := m.cache.Add(key, int64(1), window); err == nil {
			return 1, nil
		}
		if n, err := m.cache.IncrementInt64(key, 1); err == nil {
			return n, nil
		}
	}
	return 0, errors.New("rate counter contention")
}

// RateLimiter enforces a per-client request budget per fixed window.
type RateLimiter struct {
	store  CounterStore
	limit  int
	window time.Duration
	now    func() time.Time
	log    *zap.Logger
	events logging.EventRecorder
}

// NewRateLimiter allows perMinute requests per client per minute. A
// non-positive perMinute disables limiting.
func NewRateLimiter(store CounterStore, perMinute int, log *zap.Logger, events logging.EventRecorder) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = logging.Nop{}
	}
	return &RateLimiter{
		store:  store,
		limit:  perMinute,
		window: time.Minute,
		now:    time.Now,
		log:    log,
		events: events,
	}
}

// Allow records one hit for client and reports whether it is within budget.
// Counter failures fail open.
func (l *RateLimiter) Allow(ctx context.Context, client string) bool {
	if l == nil || l.limit <= 0 || l.store == nil {
		return true
	}
	bucket := l.now().Unix() / int64(l.window/time.Second)
	key := fmt.Sprintf("ratelimit:%s:%d", client, bucket)
	n, err := l.store.IncrWindow(ctx, key, l.window)
	if err != nil {
		l.log.Warn("rate limiter counter failed", zap.String("client", client), zap.Error(err))
		return true
	}
	return n <= int64(l.limit)
}

// Middleware rejects clients over budget with 429.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.Request.Context(), c.ClientIP()) {
			l.events.Record(c.Request.Context(), logging.EventRateLimited,
				fmt.Sprintf("rate limit of %d/minute exceeded", l.limit))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				Envelope("RATE_LIMIT_EXCEEDED", fmt.Sprintf("rate limit exceeded: %d per minute", l.limit)))
			return
		}
		c.Next()
	}
}
