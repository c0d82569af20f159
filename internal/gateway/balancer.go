package gateway

import (
	"math/rand"
	"sort"
	"sync"
)

// Balancer selects a healthy instance per request under a per-template
// strategy. Selection never blocks and is linear in the candidate count;
// the only shared state is the per-template counters guarded by one mutex.
type Balancer struct {
	mu    sync.Mutex
	state map[string]*balancerState
}

type balancerState struct {
	rr      uint64
	wrr     map[string]int
	active  map[string]int
}

// NewBalancer creates an empty balancer.
func NewBalancer() *Balancer {
	return &Balancer{state: make(map[string]*balancerState)}
}

func (b *Balancer) templateState(templateID string) *balancerState {
	s, ok := b.state[templateID]
	if !ok {
		s = &balancerState{
			wrr:    make(map[string]int),
			active: make(map[string]int),
		}
		b.state[templateID] = s
	}
	return s
}

// Select picks a healthy instance from candidates, honoring the strategy
// and skipping excluded instance ids (failed attempts of the current
// request). Fails with ErrNoHealthyInstances when nothing is eligible.
func (b *Balancer) Select(templateID string, candidates []*Instance, strategy Strategy, exclude map[string]bool) (*Instance, error) {
	eligible := make([]*Instance, 0, len(candidates))
	for _, inst := range candidates {
		if !inst.Healthy() || exclude[inst.ID] {
			continue
		}
		eligible = append(eligible, inst)
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyInstances
	}

	// Deterministic candidate order: ties and counters resolve by id.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.templateState(templateID)

	switch strategy {
	case StrategyLeastConnections:
		return b.selectLeastConnections(s, eligible), nil
	case StrategyWeighted:
		return b.selectWeighted(s, eligible), nil
	case StrategyHealthBased:
		return b.selectHealthBased(s, eligible), nil
	case StrategyRandom:
		return eligible[rand.Intn(len(eligible))], nil
	default: // round_robin
		return b.selectRoundRobin(s, eligible), nil
	}
}

func (b *Balancer) selectRoundRobin(s *balancerState, eligible []*Instance) *Instance {
	inst := eligible[s.rr%uint64(len(eligible))]
	s.rr++
	return inst
}

func (b *Balancer) selectLeastConnections(s *balancerState, eligible []*Instance) *Instance {
	min := -1
	var minima []*Instance
	for _, inst := range eligible {
		active := s.active[inst.ID]
		switch {
		case min == -1 || active < min:
			min = active
			minima = []*Instance{inst}
		case active == min:
			minima = append(minima, inst)
		}
	}
	// Ties break by round-robin among the minima.
	inst := minima[s.rr%uint64(len(minima))]
	s.rr++
	return inst
}

// selectWeighted implements smooth weighted round-robin: every candidate's
// running counter grows by its weight, the maximum wins and pays the total
// weight back. Weight zero means never selected; an all-zero pool is
// treated as uniform.
func (b *Balancer) selectWeighted(s *balancerState, eligible []*Instance) *Instance {
	total := 0
	for _, inst := range eligible {
		total += inst.Weight
	}
	uniform := total == 0
	if uniform {
		total = len(eligible)
	}

	var winner *Instance
	for _, inst := range eligible {
		w := inst.Weight
		if uniform {
			w = 1
		}
		if w == 0 {
			continue
		}
		s.wrr[inst.ID] += w
		if winner == nil || s.wrr[inst.ID] > s.wrr[winner.ID] {
			winner = inst
		}
	}
	if winner == nil {
		// Every eligible instance has weight zero and the pool is not
		// uniform; unreachable, but round-robin is a safe fallback.
		return b.selectRoundRobin(s, eligible)
	}
	s.wrr[winner.ID] -= total
	return winner
}

func (b *Balancer) selectHealthBased(s *balancerState, eligible []*Instance) *Instance {
	best := -1.0
	var maxima []*Instance
	for _, inst := range eligible {
		score := inst.successScore()
		switch {
		case score > best:
			best = score
			maxima = []*Instance{inst}
		case score == best:
			maxima = append(maxima, inst)
		}
	}
	inst := maxima[s.rr%uint64(len(maxima))]
	s.rr++
	return inst
}

// RecordStart marks an active forwarded request on an instance, feeding
// the least_connections strategy.
func (b *Balancer) RecordStart(templateID, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.templateState(templateID).active[instanceID]++
}

// RecordEnd marks a forwarded request finished.
func (b *Balancer) RecordEnd(templateID, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.templateState(templateID)
	if s.active[instanceID] > 0 {
		s.active[instanceID]--
	}
}

// ActiveConnections reports in-flight forwarded requests per instance.
func (b *Balancer) ActiveConnections(templateID string) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.templateState(templateID)
	out := make(map[string]int, len(s.active))
	for id, n := range s.active {
		out[id] = n
	}
	return out
}
