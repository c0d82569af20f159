package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"flotilla/internal/mcpclient"
	"flotilla/pkg/logging"
)

// Prober checks one instance. Implementations must honor ctx.
type Prober interface {
	Probe(ctx context.Context, inst *Instance) error
}

// CheckerConfig tunes the health checker.
type CheckerConfig struct {
	CheckInterval           time.Duration
	ProbeTimeout            time.Duration
	MaxConcurrentChecks     int
	MaxConsecutiveFailures  int
	MinConsecutiveSuccesses int
}

// DefaultCheckerConfig returns the standard probe cadence.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		CheckInterval:           30 * time.Second,
		ProbeTimeout:            10 * time.Second,
		MaxConcurrentChecks:     10,
		MaxConsecutiveFailures:  3,
		MinConsecutiveSuccesses: 1,
	}
}

// Checker drives periodic concurrent health probes over every registered
// instance. Each instance gets its own probe loop: the first probe is
// delayed by a uniform random offset within the check interval to avoid
// thundering-herd, subsequent probes are spaced by the interval, and
// overall concurrency is bounded by a semaphore.
type Checker struct {
	registry *Registry
	prober   Prober
	cfg      CheckerConfig

	sem *semaphore.Weighted

	mu    sync.Mutex
	loops map[string]context.CancelFunc

	wg      sync.WaitGroup
	metrics *Metrics
}

// NewChecker builds a health checker over the registry.
func NewChecker(registry *Registry, prober Prober, cfg CheckerConfig) *Checker {
	if cfg.CheckInterval <= 0 {
		cfg = DefaultCheckerConfig()
	}
	if prober == nil {
		prober = &TransportProber{Timeout: cfg.ProbeTimeout}
	}
	return &Checker{
		registry: registry,
		prober:   prober,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentChecks)),
		loops:    make(map[string]context.CancelFunc),
	}
}

// SetMetrics wires probe counters in.
func (c *Checker) SetMetrics(m *Metrics) { c.metrics = m }

// Run enumerates instances at startup and on every tick, starting probe
// loops for new instances and cancelling loops of removed ones. It blocks
// until ctx is cancelled, then awaits in-flight probes with a bounded
// grace period.
func (c *Checker) Run(ctx context.Context) {
	c.sync(ctx)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			c.sync(ctx)
		}
	}
}

// sync reconciles probe loops with the registry's instance set.
func (c *Checker) sync(ctx context.Context) {
	current := make(map[string]*Instance)
	for _, templateID := range c.registry.Templates() {
		tr, ok := c.registry.Snapshot(templateID)
		if !ok {
			continue
		}
		for _, inst := range tr.Instances {
			current[templateID+"/"+inst.ID] = inst
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, inst := range current {
		if _, running := c.loops[key]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		c.loops[key] = cancel
		c.wg.Add(1)
		go c.probeLoop(loopCtx, inst.TemplateID, inst.ID)
	}

	for key, cancel := range c.loops {
		if _, alive := current[key]; !alive {
			cancel()
			delete(c.loops, key)
		}
	}
}

// probeLoop probes one instance forever: jittered first probe, then fixed
// spacing.
func (c *Checker) probeLoop(ctx context.Context, templateID, instanceID string) {
	defer c.wg.Done()

	jitter := time.Duration(rand.Int63n(int64(c.cfg.CheckInterval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	for {
		c.probeOnce(ctx, templateID, instanceID)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.CheckInterval):
		}
	}
}

func (c *Checker) probeOnce(ctx context.Context, templateID, instanceID string) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	tr, ok := c.registry.Snapshot(templateID)
	if !ok {
		return
	}
	var inst *Instance
	for _, candidate := range tr.Instances {
		if candidate.ID == instanceID {
			inst = candidate
			break
		}
	}
	if inst == nil {
		return
	}

	issued := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	err := c.prober.Probe(probeCtx, inst)
	cancel()

	success := err == nil
	if !success {
		logging.Debug("Health", "Probe of %s/%s failed: %v", templateID, instanceID, err)
	}
	if c.metrics != nil {
		c.metrics.ObserveProbe(templateID, success)
	}

	c.registry.UpdateHealth(templateID, instanceID, success, issued, HealthThresholds{
		MaxConsecutiveFailures:  c.cfg.MaxConsecutiveFailures,
		MinConsecutiveSuccesses: c.cfg.MinConsecutiveSuccesses,
	})
}

// CheckNow probes an instance immediately, outside the periodic schedule,
// and applies the result. Used by the template health endpoint.
func (c *Checker) CheckNow(ctx context.Context, templateID, instanceID string) bool {
	tr, ok := c.registry.Snapshot(templateID)
	if !ok {
		return false
	}
	for _, inst := range tr.Instances {
		if inst.ID != instanceID {
			continue
		}
		issued := time.Now()
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		err := c.prober.Probe(probeCtx, inst)
		cancel()
		c.registry.UpdateHealth(templateID, instanceID, err == nil, issued, HealthThresholds{
			MaxConsecutiveFailures:  c.cfg.MaxConsecutiveFailures,
			MinConsecutiveSuccesses: c.cfg.MinConsecutiveSuccesses,
		})
		return err == nil
	}
	return false
}

// shutdown cancels probe loops and waits for in-flight probes, bounded by
// one probe timeout.
func (c *Checker) shutdown() {
	c.mu.Lock()
	for key, cancel := range c.loops {
		cancel()
		delete(c.loops, key)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.cfg.ProbeTimeout):
		logging.Warn("Health", "Shutdown grace period elapsed with probes still in flight")
	}
}

// Stats summarizes checker configuration for the stats endpoint.
func (c *Checker) Stats() map[string]any {
	c.mu.Lock()
	loops := len(c.loops)
	c.mu.Unlock()
	return map[string]any{
		"check_interval_seconds":    c.cfg.CheckInterval.Seconds(),
		"probe_timeout_seconds":     c.cfg.ProbeTimeout.Seconds(),
		"max_concurrent_checks":     c.cfg.MaxConcurrentChecks,
		"max_consecutive_failures":  c.cfg.MaxConsecutiveFailures,
		"min_consecutive_successes": c.cfg.MinConsecutiveSuccesses,
		"active_probe_loops":        loops,
	}
}

// TransportProber is the default prober. HTTP instances answer a GET on
// the health path with a 2xx; stdio instances must complete initialize and
// tools/list on a throwaway session.
type TransportProber struct {
	Timeout time.Duration
	Client  *http.Client
}

func (p *TransportProber) Probe(ctx context.Context, inst *Instance) error {
	switch inst.Transport {
	case TransportStdio:
		return p.probeStdio(ctx, inst)
	default:
		return p.probeHTTP(ctx, inst)
	}
}

func (p *TransportProber) probeHTTP(ctx context.Context, inst *Instance) error {
	if inst.Endpoint == "" {
		return fmt.Errorf("instance %s has no endpoint", inst.ID)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := strings.TrimSuffix(inst.Endpoint, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (p *TransportProber) probeStdio(ctx context.Context, inst *Instance) error {
	if len(inst.Command) == 0 {
		return fmt.Errorf("instance %s has no command", inst.ID)
	}
	client := mcpclient.NewStdioClientWithEnv(inst.Command[0], inst.Command[1:], inst.Env)
	defer client.Close()

	if err := client.Initialize(ctx); err != nil {
		return err
	}
	_, err := client.ListTools(ctx)
	return err
}
