package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raaihank/ad-sentinel/internal/config"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	config  config.RateLimitConfig
	clients map[string]*clientState
	mu      sync.RWMutex
	now     func() time.Time
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		config:  cfg,
		clients: make(map[string]*clientState),
		now:     time.Now,
	}
}

// Allow reports whether a request from client may proceed now
func (r *RateLimiter) Allow(client string) bool {
	if !r.config.Enabled {
		return true
	}
	state := r.get(client)
	now := r.now()
	state.lastSeen.Store(now.UnixNano())
	return state.limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients
func (r *RateLimiter) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *RateLimiter) get(client string) *clientState {
	r.mu.RLock()
	state, ok := r.clients[client]
	r.mu.RUnlock()
	if ok {
		return state
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another request may have created it meanwhile
	if state, ok := r.clients[client]; ok {
		return state
	}
	state = &clientState{
		limiter: rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst),
	}
	r.clients[client] = state
	return state
}

// Cleanup forgets clients idle for longer than the configured timeout and
// returns how many were removed.
func (r *RateLimiter) Cleanup() int {
	cutoff := r.now().Add(-r.config.IdleTimeout).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for client, state := range r.clients {
		if state.lastSeen.Load() < cutoff {
			delete(r.clients, client)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine runs Cleanup periodically until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	if !r.config.Enabled {
		return
	}
	interval := r.config.IdleTimeout
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}
