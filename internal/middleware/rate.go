package middleware

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTTL drops limiters for clients not seen for this long. 0 keeps them.
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	cfg     RateLimitConfig
	clients *xsync.Map[string, *clientLimiter]
	now     func() time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		clients: xsync.NewMap[string, *clientLimiter](),
		now:     time.Now,
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	cl, ok := rl.clients.Load(ip)
	if !ok {
		cl, _ = rl.clients.LoadOrStore(ip, &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		})
	}
	now := rl.now()
	cl.lastSeen.Store(now.Unix())
	return cl.limiter.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than IdleTTL and returns how many
// were dropped.
func (rl *RateLimiter) Sweep() int {
	if rl.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := rl.now().Add(-rl.cfg.IdleTTL).Unix()
	dropped := 0
	rl.clients.Range(func(ip string, cl *clientLimiter) bool {
		if cl.lastSeen.Load() < cutoff {
			rl.clients.Delete(ip)
			dropped++
		}
		return true
	})
	return dropped
}

// Run sweeps every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Sweep()
		}
	}
}

func (rl *RateLimiter) Clients() int { return rl.clients.Size() }

// Middleware answers 429 once a client's bucket is empty.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":  "error",
				"message": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
