package gateway

import (
	"context"
	"fmt"
	"sync"

	"flotilla/internal/mcpclient"
	"flotilla/pkg/logging"
)

// SessionFactory builds a fresh MCP session for an instance. The router
// injects the real connection layer; tests inject fakes.
type SessionFactory func(inst *Instance) mcpclient.MCPClient

// sessionPool maintains long-lived stdio sessions per instance. A request
// borrows one for the duration of the call; when every session is busy,
// borrowers queue up to a bounded depth and overflow fails with
// ErrQueueFull.
type sessionPool struct {
	mu    sync.Mutex
	pools map[string]*instancePool

	size       int
	queueDepth int
	factory    SessionFactory
}

func newSessionPool(size, queueDepth int, factory SessionFactory) *sessionPool {
	if size <= 0 {
		size = 3
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &sessionPool{
		pools:      make(map[string]*instancePool),
		size:       size,
		queueDepth: queueDepth,
		factory:    factory,
	}
}

func (p *sessionPool) instancePool(inst *Instance) *instancePool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ip, ok := p.pools[inst.ID]
	if !ok {
		ip = &instancePool{
			size:       p.size,
			queueDepth: p.queueDepth,
			avail:      make(chan mcpclient.MCPClient),
			factory:    func() mcpclient.MCPClient { return p.factory(inst) },
		}
		p.pools[inst.ID] = ip
	}
	return ip
}

// borrow returns a session and its release function. release takes whether
// the session is still usable; dead sessions are closed and replaced
// lazily.
func (p *sessionPool) borrow(ctx context.Context, inst *Instance) (mcpclient.MCPClient, func(healthy bool), error) {
	ip := p.instancePool(inst)
	client, err := ip.borrow(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func(healthy bool) { ip.release(client, healthy) }
	return client, release, nil
}

// drop discards every pooled session for an instance, closing them.
func (p *sessionPool) drop(instanceID string) {
	p.mu.Lock()
	ip, ok := p.pools[instanceID]
	if ok {
		delete(p.pools, instanceID)
	}
	p.mu.Unlock()

	if ok {
		ip.closeAll()
	}
}

type instancePool struct {
	mu      sync.Mutex
	idle    []mcpclient.MCPClient
	created int
	waiters int

	size       int
	queueDepth int
	avail      chan mcpclient.MCPClient
	factory    func() mcpclient.MCPClient
}

func (ip *instancePool) borrow(ctx context.Context) (mcpclient.MCPClient, error) {
	ip.mu.Lock()

	if n := len(ip.idle); n > 0 {
		client := ip.idle[n-1]
		ip.idle = ip.idle[:n-1]
		ip.mu.Unlock()
		return client, nil
	}

	if ip.created < ip.size {
		ip.created++
		ip.mu.Unlock()
		return ip.factory(), nil
	}

	if ip.waiters >= ip.queueDepth {
		ip.mu.Unlock()
		return nil, fmt.Errorf("%w: %d requests already queued", ErrQueueFull, ip.queueDepth)
	}
	ip.waiters++
	ip.mu.Unlock()

	select {
	case client := <-ip.avail:
		ip.mu.Lock()
		ip.waiters--
		ip.mu.Unlock()
		return client, nil
	case <-ctx.Done():
		ip.mu.Lock()
		ip.waiters--
		ip.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (ip *instancePool) release(client mcpclient.MCPClient, healthy bool) {
	if !healthy {
		if err := client.Close(); err != nil {
			logging.Debug("Gateway", "Closing dead pooled session: %v", err)
		}
		ip.mu.Lock()
		ip.created--
		ip.mu.Unlock()
		return
	}

	// Hand off directly to a waiter when one is parked; otherwise park
	// the session as idle.
	select {
	case ip.avail <- client:
		return
	default:
	}

	ip.mu.Lock()
	ip.idle = append(ip.idle, client)
	ip.mu.Unlock()
}

func (ip *instancePool) closeAll() {
	ip.mu.Lock()
	idle := ip.idle
	ip.idle = nil
	ip.mu.Unlock()

	for _, client := range idle {
		_ = client.Close()
	}
}
