package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultQueuePerHour = 5

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	clients map[string]*client
	every   rate.Limit
	burst   int
	mu      sync.Mutex
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(perHour int) *rateLimiter {
	if perHour <= 0 {
		perHour = defaultQueuePerHour
	}
	return &rateLimiter{
		clients: make(map[string]*client),
		every:   rate.Every(time.Hour / time.Duration(perHour)),
		burst:   perHour,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	// Idle clients have a full bucket again, so forgetting them changes nothing.
	for k, c := range rl.clients {
		if now.Sub(c.lastSeen) > time.Hour {
			delete(rl.clients, k)
		}
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}
