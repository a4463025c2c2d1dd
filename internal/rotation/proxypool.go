package rotation

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ProxyPool allocates the least recently used proxy on every call.
type ProxyPool struct {
	mu      sync.Mutex
	proxies []*url.URL
	used    map[string]uint64
	tick    uint64
}

// NewProxyPool parses the proxy URLs. Blank entries are skipped.
func NewProxyPool(raw []string) (*ProxyPool, error) {
	pool := &ProxyPool{used: make(map[string]uint64)}
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		u, err := url.Parse(r)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", r)
		}
		pool.proxies = append(pool.proxies, u)
	}
	return pool, nil
}

// Len reports how many proxies are available.
func (p *ProxyPool) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proxies)
}

// Next returns the proxy that was used longest ago, or nil when the pool is empty.
// Ties resolve in configuration order.
func (p *ProxyPool) Next() *url.URL {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.proxies) == 0 {
		return nil
	}
	best := p.proxies[0]
	for _, candidate := range p.proxies[1:] {
		if p.used[candidate.String()] < p.used[best.String()] {
			best = candidate
		}
	}
	p.tick++
	p.used[best.String()] = p.tick
	cp := *best
	return &cp
}

// Remove drops a proxy that keeps failing.
func (p *ProxyPool) Remove(proxy *url.URL) {
	if p == nil || proxy == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := proxy.String()
	for i, existing := range p.proxies {
		if existing.String() == key {
			p.proxies = append(p.proxies[:i], p.proxies[i+1:]...)
			delete(p.used, key)
			return
		}
	}
}

// ProxyFunc adapts the pool to http.Transport.Proxy and colly's SetProxyFunc.
// An empty pool dials directly.
func (p *ProxyPool) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		return p.Next(), nil
	}
}
