// Package ratelimit bounds how often the server may make the agent run
// commands on the monitored host.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Action categories.
const (
	CategoryGlobal = "global"
	CategorySignal = "signal"
	CategoryQuery  = "query"
)

// Config holds per-category rates in events per second.
type Config struct {
	GlobalRate  float64
	GlobalBurst int

	// kill_process, signal_process
	SignalRate  float64
	SignalBurst int

	// list, search, refresh and detail; each runs at least one remote command
	QueryRate  float64
	QueryBurst int
}

// DefaultConfig returns the agent's default limits.
func DefaultConfig() Config {
	return Config{
		GlobalRate:  50,
		GlobalBurst: 100,
		SignalRate:  2,
		SignalBurst: 10,
		QueryRate:   5,
		QueryBurst:  20,
	}
}

// ActionLimiter provides per-action rate limiting. Every action consumes a
// global token; actions that reach the remote host also consume a token of
// their category.
type ActionLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewActionLimiter creates a limiter from cfg.
func NewActionLimiter(cfg Config) *ActionLimiter {
	return &ActionLimiter{
		limiters: map[string]*rate.Limiter{
			CategoryGlobal: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
			CategorySignal: rate.NewLimiter(rate.Limit(cfg.SignalRate), cfg.SignalBurst),
			CategoryQuery:  rate.NewLimiter(rate.Limit(cfg.QueryRate), cfg.QueryBurst),
		},
	}
}

// Category maps a websocket action to its limit category.
func Category(action string) string {
	switch action {
	case "kill_process", "signal_process":
		return CategorySignal
	case "list_processes", "search_processes", "refresh_processes", "process_detail":
		return CategoryQuery
	default:
		return CategoryGlobal
	}
}

// Allow reports whether action may run now.
func (al *ActionLimiter) Allow(action string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()

	if !al.limiters[CategoryGlobal].Allow() {
		return false
	}
	category := Category(action)
	if category == CategoryGlobal {
		return true
	}
	return al.limiters[category].Allow()
}

// Reset restores every category to full burst.
func (al *ActionLimiter) Reset() {
	al.mu.Lock()
	defer al.mu.Unlock()

	for name, l := range al.limiters {
		al.limiters[name] = rate.NewLimiter(l.Limit(), l.Burst())
	}
}

// Stats returns the tokens currently available per category.
func (al *ActionLimiter) Stats() map[string]float64 {
	al.mu.RLock()
	defer al.mu.RUnlock()

	stats := make(map[string]float64, len(al.limiters))
	for name, l := range al.limiters {
		stats[name+"_tokens"] = l.Tokens()
	}
	return stats
}
