package ratelimit

import (
	"sync"
	"time"
)

// Rule configures one action class: how many events are allowed per
// fixed window.
type Rule struct {
	Ceiling int
	Window  time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter bounds the rate of inbound events per (identity, action class)
// using fixed windows. Once a window's reset instant passes, the window
// is replaced, not decremented.
type Limiter struct {
	sync.Mutex
	rules       map[string]Rule
	defaultRule Rule
	windows     map[string]*window
	now         func() time.Time
}

func NewLimiter(defaultRule Rule, rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = make(map[string]Rule)
	}
	return &Limiter{
		rules:       rules,
		defaultRule: defaultRule,
		windows:     make(map[string]*window),
		now:         time.Now,
	}
}

func (l *Limiter) ruleFor(class string) Rule {
	if r, ok := l.rules[class]; ok {
		return r
	}
	return l.defaultRule
}

// Allow records one event for the (identity, class) pair and reports
// whether it is within the class ceiling for the current window.
func (l *Limiter) Allow(identityKey, class string) bool {
	rule := l.ruleFor(class)
	key := identityKey + "|" + class

	l.Lock()
	defer l.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return true
	}

	w.count++
	return w.count <= rule.Ceiling
}

// Sweep purges windows whose reset instant has passed and returns the
// number removed. Called from the supervisor's maintenance loop to bound
// memory.
func (l *Limiter) Sweep(now time.Time) int {
	l.Lock()
	defer l.Unlock()

	purged := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			purged++
		}
	}
	return purged
}
