package throttle

import "sync"

// ProxyRotator cycles through a proxy list, skipping proxies marked failed.
// When every proxy has failed the failed set is cleared and rotation starts
// over. The zero value and an empty list both yield "" (direct connection).
type ProxyRotator struct {
	mu      sync.Mutex
	proxies []string
	failed  map[string]bool
	next    int
}

// NewProxyRotator returns a rotator over proxies. Empty and duplicate
// entries are dropped.
func NewProxyRotator(proxies []string) *ProxyRotator {
	r := &ProxyRotator{failed: make(map[string]bool)}
	seen := make(map[string]bool, len(proxies))
	for _, p := range proxies {
		if p != "" && !seen[p] {
			seen[p] = true
			r.proxies = append(r.proxies, p)
		}
	}
	return r
}

// Next returns the next healthy proxy, or "" when none are configured.
func (r *ProxyRotator) Next() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.proxies) == 0 {
		return ""
	}
	if len(r.failed) >= len(r.proxies) {
		clear(r.failed)
	}
	for range r.proxies {
		p := r.proxies[r.next%len(r.proxies)]
		r.next = (r.next + 1) % len(r.proxies)
		if !r.failed[p] {
			return p
		}
	}

	// Every configured proxy is marked failed; start over rather than
	// falling back to a direct connection.
	clear(r.failed)
	p := r.proxies[r.next%len(r.proxies)]
	r.next = (r.next + 1) % len(r.proxies)
	return p
}

// MarkFailed excludes proxy from rotation until the failed set resets.
func (r *ProxyRotator) MarkFailed(proxy string) {
	if r == nil || proxy == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed == nil {
		r.failed = make(map[string]bool)
	}
	r.failed[proxy] = true
}

// Len returns the number of configured proxies.
func (r *ProxyRotator) Len() int {
	if r == nil {
		return 0
	}
	return len(r.proxies)
}
