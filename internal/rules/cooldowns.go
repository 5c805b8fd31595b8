package rules

import (
	"sync"
	"time"
)

// Cooldowns tracks the last trigger time per (account, contact, rule) so a
// rule cannot re-fire for the same contact inside its cooldown window. It is
// constructed once at process start and injected into the engine; state is
// in-memory only and rebuilds empty after a restart.
type Cooldowns struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldowns creates an empty registry.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{last: make(map[string]time.Time)}
}

func cooldownKey(accountID, contactJID, ruleID string) string {
	return accountID + "|" + contactJID + "|" + ruleID
}

// Elapsed reports whether the rule may fire for this contact at `now`.
// A zero cooldown always passes.
func (c *Cooldowns) Elapsed(accountID, contactJID, ruleID string, cooldown time.Duration, now time.Time) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.last[cooldownKey(accountID, contactJID, ruleID)]
	if !ok {
		return true
	}
	return now.Sub(last) >= cooldown
}

// Touch records a trigger at `now`.
func (c *Cooldowns) Touch(accountID, contactJID, ruleID string, now time.Time) {
	c.mu.Lock()
	c.last[cooldownKey(accountID, contactJID, ruleID)] = now
	c.mu.Unlock()
}
