package jobqueue

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/batchexec/pkg/profile"
)

const (
	KeyResourcePrefix  = "resource."
	KeyURL             = "url"
	KeyUser            = "user"
	KeyPassword        = "password"
	KeyTimeout         = "timeout"
	KeyPollingInterval = "pollingInterval"

	DefaultTimeout         = 10 * time.Second
	DefaultPollingInterval = 1 * time.Second
)

// Cool-down applied to an endpoint after a failed request.
const (
	coolDownInitial    = 1 * time.Second
	coolDownMultiplier = 2.0
	coolDownMax        = 1 * time.Minute
)

// Endpoint is one configured queue server.
type Endpoint struct {
	Index    int
	URL      string `validate:"required,url"`
	User     string
	Password string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("resource.%d(%s)", e.Index, e.URL)
}

// PoolConfig is the validated queue profile.
type PoolConfig struct {
	Endpoints       []Endpoint    `validate:"min=1,dive"`
	RequestTimeout  time.Duration `validate:"gt=0"`
	PollingInterval time.Duration `validate:"gt=0"`
}

// ParsePoolConfig builds a PoolConfig from a flat profile:
//
//	resource.<n>.url       mandatory, n = 0, 1, 2, ... without gaps
//	resource.<n>.user      optional, requires password
//	resource.<n>.password  optional, requires user
//	timeout                request timeout in ms (default 10000)
//	pollingInterval        polling interval in ms (default 1000)
//
// Keys outside resource., timeout and pollingInterval are ignored here.
func ParsePoolConfig(conf map[string]string, r *profile.Resolver) (*PoolConfig, error) {
	if r == nil {
		r = profile.NewResolver(nil)
	}
	timeout, err := parseMillis(conf, KeyTimeout, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	interval, err := parseMillis(conf, KeyPollingInterval, DefaultPollingInterval)
	if err != nil {
		return nil, err
	}
	endpoints, err := parseEndpoints(conf, r)
	if err != nil {
		return nil, err
	}
	cfg := &PoolConfig{Endpoints: endpoints, RequestTimeout: timeout, PollingInterval: interval}
	if err := profile.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseMillis(conf map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := conf[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, &profile.ConfigError{Key: key, Value: raw, Reason: "must be an integer (ms)", Err: err}
	}
	if v <= 0 {
		return 0, &profile.ConfigError{Key: key, Value: raw, Reason: "must be > 0"}
	}
	return time.Duration(v) * time.Millisecond, nil
}

func parseEndpoints(conf map[string]string, r *profile.Resolver) ([]Endpoint, error) {
	blocks := make(map[int]map[string]string)
	for key, value := range conf {
		rest, ok := strings.CutPrefix(key, KeyResourcePrefix)
		if !ok {
			continue
		}
		name, attr, ok := strings.Cut(rest, ".")
		if !ok {
			return nil, &profile.ConfigError{Key: key, Reason: "expected resource.<n>.<attribute>"}
		}
		index, err := parseIndex(name)
		if err != nil {
			return nil, &profile.ConfigError{Key: key, Reason: "resource name must be a non-negative integer", Err: err}
		}
		switch attr {
		case KeyURL, KeyUser, KeyPassword:
		default:
			return nil, &profile.ConfigError{Key: key, Reason: "unknown resource attribute"}
		}
		if blocks[index] == nil {
			blocks[index] = make(map[string]string)
		}
		blocks[index][attr] = value
	}
	if len(blocks) == 0 {
		return nil, &profile.ConfigError{Key: KeyResourcePrefix + "0." + KeyURL, Reason: "no resources are configured"}
	}

	indices := make([]int, 0, len(blocks))
	for i := range blocks {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	endpoints := make([]Endpoint, 0, len(indices))
	for pos, index := range indices {
		prefix := fmt.Sprintf("%s%d.", KeyResourcePrefix, index)
		if index != pos {
			return nil, &profile.ConfigError{Key: fmt.Sprintf("%s%d", KeyResourcePrefix, pos), Reason: "resource indices must be contiguous from 0"}
		}
		block := blocks[index]
		url, _, err := profile.Lookup(block, KeyURL, r, true)
		if err != nil {
			return nil, prefixed(err, prefix)
		}
		user, hasUser, err := profile.Lookup(block, KeyUser, r, false)
		if err != nil {
			return nil, prefixed(err, prefix)
		}
		password, hasPassword, err := profile.Lookup(block, KeyPassword, r, false)
		if err != nil {
			return nil, prefixed(err, prefix)
		}
		if hasUser != hasPassword {
			return nil, &profile.ConfigError{Key: prefix + KeyUser, Reason: "user and password must be set together"}
		}
		endpoints = append(endpoints, Endpoint{Index: index, URL: url, User: user, Password: password})
	}
	return endpoints, nil
}

func parseIndex(name string) (int, error) {
	if name == "" || (len(name) > 1 && name[0] == '0') {
		return 0, fmt.Errorf("invalid index %q", name)
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid index %q", name)
		}
	}
	return strconv.Atoi(name)
}

func prefixed(err error, prefix string) error {
	if cerr, ok := err.(*profile.ConfigError); ok {
		cerr.Key = prefix + cerr.Key
	}
	return err
}

// Member is an endpoint of the pool together with its client.
type Member struct {
	Endpoint Endpoint
	Client   Client

	backoff  *backoff.ExponentialBackOff
	until    time.Time
	failures int
}

// ClientPool rotates over equivalent endpoints. Failed endpoints cool down
// with a per-endpoint exponential backoff and are skipped while cooling,
// unless every endpoint is cooling; then the one that recovers first is used.
type ClientPool struct {
	mu      sync.Mutex
	members []*Member
	next    int
	clock   backoff.Clock
}

type PoolOption func(*ClientPool)

// WithClock replaces the time source, mostly for tests.
func WithClock(c backoff.Clock) PoolOption {
	return func(p *ClientPool) { p.clock = c }
}

func NewClientPool(endpoints []Endpoint, factory ClientFactory, opts ...PoolOption) (*ClientPool, error) {
	if len(endpoints) == 0 {
		return nil, &profile.ConfigError{Reason: "client pool needs at least one endpoint"}
	}
	p := &ClientPool{clock: backoff.SystemClock}
	for _, opt := range opts {
		opt(p)
	}
	for _, ep := range endpoints {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     coolDownInitial,
			RandomizationFactor: 0,
			Multiplier:          coolDownMultiplier,
			MaxInterval:         coolDownMax,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               p.clock,
		}
		b.Reset()
		p.members = append(p.members, &Member{Endpoint: ep, Client: factory(ep), backoff: b})
	}
	return p, nil
}

func (p *ClientPool) Count() int { return len(p.members) }

// Next returns the next member in rotation that is not cooling down.
func (p *ClientPool) Next() *Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	n := len(p.members)
	best := -1
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		m := p.members[idx]
		if !m.until.After(now) {
			best = idx
			break
		}
		if best < 0 || m.until.Before(p.members[best].until) {
			best = idx
		}
	}
	p.next = (best + 1) % n
	return p.members[best]
}

// MarkFailed puts m into cool-down; repeated failures extend the window.
// It returns the number of consecutive failures of m.
func (p *ClientPool) MarkFailed(m *Member) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.failures++
	m.until = p.clock.Now().Add(m.backoff.NextBackOff())
	return m.failures
}

// MarkHealthy clears the cool-down state of m.
func (p *ClientPool) MarkHealthy(m *Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.failures = 0
	m.until = time.Time{}
	m.backoff.Reset()
}

// CoolingUntil returns when m becomes eligible again; zero if it is healthy.
func (p *ClientPool) CoolingUntil(m *Member) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return m.until
}
