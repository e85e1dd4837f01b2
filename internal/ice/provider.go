package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL   = 6 * time.Hour
	fetchTimeout = 10 * time.Second
)

// Status is the provider lifecycle.
type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusReady
	StatusFallback
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFallback:
		return "fallback"
	default:
		return "uninitialized"
	}
}

type ProviderOptions struct {
	// Endpoint is the full URL of the ICE config endpoint.
	Endpoint string
	Client   *http.Client
	TTL      time.Duration
	Logger   *logrus.Entry
	Now      func() time.Time
}

// Provider fetches and caches the ICE configuration. It is owned by whoever
// builds peer connections and never fails: the worst case is Fallback().
type Provider struct {
	endpoint string
	client   *http.Client
	ttl      time.Duration
	logger   *logrus.Entry
	now      func() time.Time
	group    singleflight.Group

	mu        sync.RWMutex
	status    Status
	cfg       Config
	fetchedAt time.Time
}

func NewProvider(opts ProviderOptions) *Provider {
	p := &Provider{
		endpoint: opts.Endpoint,
		client:   opts.Client,
		ttl:      opts.TTL,
		logger:   opts.Logger,
		now:      opts.Now,
		cfg:      Fallback(),
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: fetchTimeout}
	}
	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}
	if p.logger == nil {
		p.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p.logger = p.logger.WithField("component", "ice")
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Provider) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetSync returns the last known configuration without blocking.
func (p *Provider) GetSync() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Get returns the cached configuration while fresh, otherwise fetches it.
// Concurrent callers share one in-flight fetch. If ctx ends first the last
// known configuration is returned.
func (p *Provider) Get(ctx context.Context) Config {
	p.mu.Lock()
	if p.status == StatusReady && p.now().Sub(p.fetchedAt) < p.ttl {
		cfg := p.cfg
		p.mu.Unlock()
		return cfg
	}
	p.status = StatusLoading
	p.mu.Unlock()

	ch := p.group.DoChan("ice", func() (interface{}, error) {
		return p.refresh(), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Config)
	case <-ctx.Done():
		return p.GetSync()
	}
}

func (p *Provider) refresh() Config {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	cfg, err := p.fetch(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.logger.WithError(err).Warn("ice config fetch failed, using STUN-only fallback")
		p.cfg = Fallback()
		p.status = StatusFallback
		return p.cfg
	}
	p.cfg = cfg
	p.fetchedAt = p.now()
	p.status = StatusReady
	p.logger.WithField("servers", len(cfg.ICEServers)).Debug("ice config refreshed")
	return cfg
}

func (p *Provider) fetch(ctx context.Context) (Config, error) {
	if p.endpoint == "" {
		return Config{}, fmt.Errorf("no endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return Config{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Config{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Config{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var cfg Config
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
