// Package throttle spaces requests to the same site and rotates proxies.
// Its types are the only state shared between concurrent captures.
package throttle

import (
	"context"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Config tunes the per-domain limiter.
type Config struct {
	MinDelay    time.Duration // lower bound of the randomized spacing
	MaxDelay    time.Duration // upper bound of the randomized spacing
	Window      time.Duration // rolling window for the burst counter
	WindowMax   int           // requests allowed in Window before cooldown
	Cooldown    time.Duration // first cooldown step, doubled per excess request
	CooldownMax time.Duration
	IdleTTL     time.Duration // idle domains are forgotten after this
}

// domainState is the limiter bookkeeping for one registrable domain.
type domainState struct {
	last   time.Time   // most recently scheduled slot
	recent []time.Time // slots inside the rolling window
}

// Limiter enforces a randomized minimum delay between requests to the same
// registrable domain, with an escalating cooldown once a domain has seen
// more than WindowMax requests inside Window. Slots are reserved under a
// single mutex; the caller sleeps outside it.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	domains map[string]*domainState
	rng     *rand.Rand

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	done chan struct{}
	once sync.Once
}

// NewLimiter creates a Limiter and starts a goroutine that forgets idle
// domains. Call Stop to end it.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.CooldownMax < cfg.Cooldown {
		cfg.CooldownMax = cfg.Cooldown
	}
	seed := uint64(time.Now().UnixNano())
	l := &Limiter{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:     time.Now,
		sleep:   sleepCtx,
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Wait blocks until the next slot for rawURL's domain and returns the time
// the slot was scheduled for. It returns ctx.Err() if the context ends
// first; the reserved slot is not released.
func (l *Limiter) Wait(ctx context.Context, rawURL string) (time.Time, error) {
	at := l.reserve(DomainKey(rawURL))
	if d := at.Sub(l.now()); d > 0 {
		if err := l.sleep(ctx, d); err != nil {
			return at, err
		}
	}
	return at, nil
}

func (l *Limiter) reserve(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st, ok := l.domains[key]
	if !ok {
		st = &domainState{}
		l.domains[key] = st
	}

	// Drop slots that left the rolling window.
	if l.cfg.Window > 0 {
		cutoff := now.Add(-l.cfg.Window)
		keep := st.recent[:0]
		for _, t := range st.recent {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		st.recent = keep
	}

	at := now
	if !st.last.IsZero() {
		if next := st.last.Add(l.jitter()); next.After(at) {
			at = next
		}
		if cd := l.cooldown(len(st.recent)); cd > 0 {
			if next := st.last.Add(cd); next.After(at) {
				at = next
			}
		}
	}

	st.last = at
	st.recent = append(st.recent, at)
	return at
}

// jitter returns a delay uniformly drawn from [MinDelay, MaxDelay].
func (l *Limiter) jitter() time.Duration {
	span := l.cfg.MaxDelay - l.cfg.MinDelay
	if span <= 0 {
		return l.cfg.MinDelay
	}
	return l.cfg.MinDelay + time.Duration(l.rng.Int64N(int64(span)+1))
}

// cooldown returns the extra spacing owed when n slots already sit in the
// window: zero up to WindowMax, then Cooldown doubling per excess slot.
func (l *Limiter) cooldown(n int) time.Duration {
	if l.cfg.WindowMax <= 0 || l.cfg.Cooldown <= 0 || n < l.cfg.WindowMax {
		return 0
	}
	excess := n - l.cfg.WindowMax
	d := l.cfg.Cooldown
	for i := 0; i < excess && d < l.cfg.CooldownMax; i++ {
		d *= 2
	}
	if d > l.cfg.CooldownMax {
		d = l.cfg.CooldownMax
	}
	return d
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.forgetIdle()
		}
	}
}

func (l *Limiter) forgetIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleTTL)
	for k, st := range l.domains {
		if st.last.Before(cutoff) {
			delete(l.domains, k)
		}
	}
}

// DomainKey returns the registrable domain (eTLD+1) of rawURL, so that
// www.example.co.uk and shop.example.co.uk share one budget. Hosts that have
// no registrable domain (IPs, localhost) are used as-is.
func DomainKey(rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
