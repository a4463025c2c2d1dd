// Package rotation holds the rotation state for outbound credentials and proxies.
// Instances are constructed once and injected; nothing here is global.
package rotation

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Strategy selects how a KeyRing picks the next key.
type Strategy string

// Supported rotation strategies.
const (
	Sequential Strategy = "sequential"
	Random     Strategy = "random"
)

// ParseStrategy maps a configuration value onto a Strategy. Empty selects Sequential.
func ParseStrategy(v string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(v))) {
	case "", Sequential:
		return Sequential, nil
	case Random:
		return Random, nil
	default:
		return "", fmt.Errorf("unknown rotation strategy %q", v)
	}
}

// KeyRing hands out API keys in sequential or random order.
type KeyRing struct {
	mu       sync.Mutex
	keys     []string
	strategy Strategy
	next     int
	intn     func(int) int
}

// NewKeyRing builds a KeyRing over the non-blank keys.
func NewKeyRing(keys []string, strategy Strategy) *KeyRing {
	cleaned := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			cleaned = append(cleaned, k)
		}
	}
	if strategy == "" {
		strategy = Sequential
	}
	return &KeyRing{keys: cleaned, strategy: strategy, intn: rand.IntN}
}

// Next returns the key to use for the next call, or "" when the ring is empty.
func (r *KeyRing) Next() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	if r.strategy == Random {
		return r.keys[r.intn(len(r.keys))]
	}
	key := r.keys[r.next%len(r.keys)]
	r.next = (r.next + 1) % len(r.keys)
	return key
}

// Len reports how many keys the ring holds.
func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}
