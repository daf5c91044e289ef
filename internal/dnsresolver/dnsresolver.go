// Package dnsresolver resolves the mail exchangers for a recipient domain,
// per RFC 5321 §5.1, with TTL-bounded caching of results across deliveries.
package dnsresolver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

var (
	ErrNoMailServers = errors.New("dnsresolver: domain has no mail servers")
	ErrDomainNotFound = errors.New("dnsresolver: domain not found")
	ErrTimeout        = errors.New("dnsresolver: lookup timed out")
	ErrLookupFailed   = errors.New("dnsresolver: lookup failed")
)

// ResolveError wraps one of the sentinels above and records whether the
// failure is permanent (should not be retried) or temporary.
type ResolveError struct {
	Kind      error
	Detail    string
	Permanent bool
}

func (e *ResolveError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Detail)
}

func (e *ResolveError) Unwrap() error { return e.Kind }

// Config tunes cache TTL clamping and the DNS client itself.
type Config struct {
	Servers  []string // "host:port" resolvers to query, in order
	MinTTL   time.Duration
	MaxTTL   time.Duration
	Timeout  time.Duration
	Override map[string]time.Duration // per-domain TTL override
}

type cacheEntry struct {
	targets   []spool.MxTarget
	expiresAt time.Time
}

// Resolver resolves and caches MX records for recipient domains.
type Resolver struct {
	cfg    Config
	client *dns.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New creates a Resolver. If cfg.Servers is empty, /etc/resolv.conf is used.
func New(cfg Config) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = time.Hour
	}
	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Timeout: cfg.Timeout},
		cache:  make(map[string]cacheEntry),
	}
}

// ResolveMailServers returns the mail exchangers for domain, sorted by
// priority ascending, honoring and refreshing the TTL-bounded cache.
func (r *Resolver) ResolveMailServers(domain string) ([]spool.MxTarget, error) {
	return r.resolveAt(domain, time.Now())
}

func (r *Resolver) resolveAt(domain string, now time.Time) ([]spool.MxTarget, error) {
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return nil, &ResolveError{Kind: ErrDomainNotFound, Detail: err.Error(), Permanent: true}
	}

	if cached, ok := r.cacheLookup(ascii, now); ok {
		return cached, nil
	}

	targets, ttl, err := r.lookupMX(ascii)
	if err != nil {
		var rerr *ResolveError
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, &ResolveError{Kind: ErrLookupFailed, Detail: err.Error()}
	}

	if len(targets) == 0 {
		targets, ttl, err = r.lookupAddressFallback(ascii)
		if err != nil {
			return nil, err
		}
	}

	if len(targets) == 0 {
		return nil, &ResolveError{Kind: ErrNoMailServers, Detail: ascii, Permanent: true}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Priority < targets[j].Priority })

	cacheTTL := r.clampTTL(ascii, ttl)
	r.mu.Lock()
	r.cache[ascii] = cacheEntry{targets: targets, expiresAt: now.Add(cacheTTL)}
	r.mu.Unlock()

	return targets, nil
}

func (r *Resolver) cacheLookup(domain string, now time.Time) ([]spool.MxTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.cache[domain]
	if !ok || now.After(entry.expiresAt) {
		return nil, false
	}
	return entry.targets, true
}

func (r *Resolver) clampTTL(domain string, ttl time.Duration) time.Duration {
	if override, ok := r.cfg.Override[domain]; ok {
		return override
	}
	if ttl < r.cfg.MinTTL {
		ttl = r.cfg.MinTTL
	}
	if r.cfg.MaxTTL > 0 && ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	return ttl
}

func (r *Resolver) server() string {
	if len(r.cfg.Servers) > 0 {
		return r.cfg.Servers[0]
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "127.0.0.1:53"
	}
	return cfg.Servers[0] + ":" + cfg.Port
}

func (r *Resolver) lookupMX(domain string) ([]spool.MxTarget, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, _, err := r.client.Exchange(m, r.server())
	if err != nil {
		return nil, 0, &ResolveError{Kind: ErrTimeout, Detail: err.Error()}
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		// fallthrough below
	case dns.RcodeNameError:
		return nil, 0, &ResolveError{Kind: ErrDomainNotFound, Detail: domain, Permanent: true}
	default:
		return nil, 0, &ResolveError{Kind: ErrLookupFailed, Detail: dns.RcodeToString[resp.Rcode]}
	}

	var targets []spool.MxTarget
	minTTL := r.cfg.MaxTTL
	for _, rr := range resp.Answer {
		mx, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		targets = append(targets, spool.MxTarget{
			Host:     trimTrailingDot(mx.Mx),
			Port:     25,
			Priority: int(mx.Preference),
		})
		ttl := time.Duration(mx.Hdr.Ttl) * time.Second
		if minTTL == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	if len(targets) > 5 {
		sort.Slice(targets, func(i, j int) bool { return targets[i].Priority < targets[j].Priority })
		targets = targets[:5]
	}

	return targets, minTTL, nil
}

// lookupAddressFallback synthesizes a single priority-0 MX target (the
// domain itself) from the domain's A records when it has no MX records at
// all (RFC 5321 §5.1). Only A records are queried; a domain with AAAA
// records and no A records yields no targets.
func (r *Resolver) lookupAddressFallback(domain string) ([]spool.MxTarget, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	resp, _, err := r.client.Exchange(m, r.server())
	if err != nil {
		return nil, 0, &ResolveError{Kind: ErrTimeout, Detail: err.Error()}
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, 0, &ResolveError{Kind: ErrDomainNotFound, Detail: domain, Permanent: true}
	}

	var targets []spool.MxTarget
	minTTL := r.cfg.MaxTTL
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			targets = append(targets, spool.MxTarget{Host: domain, Port: 25, Priority: 0})
			ttl := time.Duration(a.Hdr.Ttl) * time.Second
			if minTTL == 0 || ttl < minTTL {
				minTTL = ttl
			}
			break
		}
	}

	return targets, minTTL, nil
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
