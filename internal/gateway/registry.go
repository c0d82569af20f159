package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"sync"

	"flotilla/pkg/logging"
)

// Registry holds the gateway's routing state: template id to instances
// plus load-balancer policy. Every mutation persists to a JSON file with
// write-temp-then-rename, so a crash leaves either the prior or the new
// state on disk, never a torn file.
//
// Readers receive deep-copied snapshots; writers hold an exclusive lock
// for the mutation and the persistence write. A persistence failure rolls
// the mutation back in memory, except for health updates which are
// non-fatal and only logged.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*TemplateRouting
	version   int

	file  string
	extra map[string]json.RawMessage
}

// registryDocument is the on-disk format.
type registryDocument struct {
	Templates map[string]*TemplateRouting `json:"templates"`
	Version   int                         `json:"version"`
}

// NewRegistry creates a registry persisted at file. An empty file path
// means in-memory only. Existing state is loaded eagerly.
func NewRegistry(file string) (*Registry, error) {
	r := &Registry{
		templates: make(map[string]*TemplateRouting),
		file:      file,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	if r.file == "" {
		return nil
	}
	data, err := os.ReadFile(r.file)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info("Gateway", "No registry file at %s, starting empty", r.file)
			return nil
		}
		return fmt.Errorf("reading registry %s: %w", r.file, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing registry %s: %w", r.file, err)
	}
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing registry %s: %w", r.file, err)
	}
	delete(raw, "templates")
	delete(raw, "version")
	r.extra = raw

	if doc.Templates != nil {
		r.templates = doc.Templates
	}
	r.version = doc.Version

	count := 0
	for _, tr := range r.templates {
		count += len(tr.Instances)
	}
	logging.Info("Gateway", "Loaded registry: %d templates, %d instances", len(r.templates), count)
	return nil
}

// persist writes the current state atomically. Callers hold the write
// lock.
func (r *Registry) persist() error {
	if r.file == "" {
		return nil
	}

	out := make(map[string]json.RawMessage, len(r.extra)+2)
	for k, v := range r.extra {
		out[k] = v
	}
	templates, err := json.Marshal(r.templates)
	if err != nil {
		return err
	}
	version, err := json.Marshal(r.version)
	if err != nil {
		return err
	}
	out["templates"] = templates
	out["version"] = version

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(r.file); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating registry directory: %w", err)
		}
	}

	tmp := r.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing registry temp file: %w", err)
	}
	if err := os.Rename(tmp, r.file); err != nil {
		return fmt.Errorf("replacing registry file: %w", err)
	}
	return nil
}

// Register adds or replaces an instance under a template. A registration
// with an existing instance id replaces that instance. The policy applies
// only when the template is new; use SetPolicy to change it later.
func (r *Registry) Register(templateID string, inst *Instance, policy *Policy) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst.TemplateID = templateID
	if inst.Status == "" {
		inst.Status = StatusUnknown
	}
	if inst.Weight == 0 {
		inst.Weight = 1
	}

	tr, ok := r.templates[templateID]
	if !ok {
		p := DefaultPolicy()
		if policy != nil {
			p = *policy
		}
		tr = &TemplateRouting{Policy: p}
		r.templates[templateID] = tr
	}

	prevInstances := tr.Instances
	filtered := make([]*Instance, 0, len(tr.Instances)+1)
	for _, existing := range tr.Instances {
		if existing.ID != inst.ID {
			filtered = append(filtered, existing)
		}
	}
	tr.Instances = append(filtered, inst)
	r.version++

	if err := r.persist(); err != nil {
		tr.Instances = prevInstances
		if !ok {
			delete(r.templates, templateID)
		}
		r.version--
		return fmt.Errorf("persisting registration of %s: %w", inst.ID, err)
	}

	logging.Info("Gateway", "Registered instance %s for template %s", inst.ID, templateID)
	return nil
}

// Deregister removes an instance; the template entry goes with its last
// instance. Returns false when the instance is unknown.
func (r *Registry) Deregister(templateID, instanceID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.templates[templateID]
	if !ok {
		return false, nil
	}

	prevInstances := tr.Instances
	filtered := make([]*Instance, 0, len(tr.Instances))
	for _, inst := range tr.Instances {
		if inst.ID != instanceID {
			filtered = append(filtered, inst)
		}
	}
	if len(filtered) == len(prevInstances) {
		return false, nil
	}
	tr.Instances = filtered
	removedTemplate := false
	if len(tr.Instances) == 0 {
		delete(r.templates, templateID)
		removedTemplate = true
	}
	r.version++

	if err := r.persist(); err != nil {
		tr.Instances = prevInstances
		if removedTemplate {
			r.templates[templateID] = tr
		}
		r.version--
		return false, fmt.Errorf("persisting deregistration of %s: %w", instanceID, err)
	}

	logging.Info("Gateway", "Deregistered instance %s from template %s", instanceID, templateID)
	return true, nil
}

// SetPolicy replaces a template's load-balancer policy.
func (r *Registry) SetPolicy(templateID string, policy Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.templates[templateID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTemplateUnknown, templateID)
	}
	prev := tr.Policy
	tr.Policy = policy
	r.version++

	if err := r.persist(); err != nil {
		tr.Policy = prev
		r.version--
		return fmt.Errorf("persisting policy for %s: %w", templateID, err)
	}
	return nil
}

// UpdateHealth applies a probe result. issuedAt orders concurrent probes:
// a result issued earlier than the last applied one is dropped, keeping
// health updates monotonic per instance within a probe cycle. Persistence
// failures are non-fatal here.
//
// The returned transition is non-empty when the instance crossed a health
// boundary ("healthy" or "unhealthy").
func (r *Registry) UpdateHealth(templateID, instanceID string, success bool, issuedAt time.Time, thresholds HealthThresholds) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.templates[templateID]
	if !ok {
		return ""
	}
	var inst *Instance
	for _, candidate := range tr.Instances {
		if candidate.ID == instanceID {
			inst = candidate
			break
		}
	}
	if inst == nil {
		return ""
	}

	if !inst.lastProbeIssued.IsZero() && issuedAt.Before(inst.lastProbeIssued) {
		return ""
	}
	inst.lastProbeIssued = issuedAt

	now := time.Now().UTC()
	inst.LastCheck = &now
	inst.probeHistory = append(inst.probeHistory, success)
	if len(inst.probeHistory) > probeHistorySize {
		inst.probeHistory = inst.probeHistory[len(inst.probeHistory)-probeHistorySize:]
	}

	transition := ""
	if success {
		inst.ConsecutiveFailures = 0
		inst.ConsecutiveSuccesses++
		if inst.Status != StatusHealthy && inst.ConsecutiveSuccesses >= thresholds.MinConsecutiveSuccesses {
			inst.Status = StatusHealthy
			transition = string(StatusHealthy)
		}
	} else {
		inst.ConsecutiveSuccesses = 0
		inst.ConsecutiveFailures++
		if inst.Status != StatusUnhealthy && inst.ConsecutiveFailures >= thresholds.MaxConsecutiveFailures {
			inst.Status = StatusUnhealthy
			transition = string(StatusUnhealthy)
		}
	}
	r.version++

	if err := r.persist(); err != nil {
		// Health state is reconstructed by the next probe cycle; losing a
		// write is tolerable.
		logging.Warn("Gateway", "Persisting health update for %s: %v", instanceID, err)
	}

	if transition != "" {
		logging.Info("Gateway", "Instance %s/%s is now %s", templateID, instanceID, transition)
	}
	return transition
}

// HealthThresholds are the transition bounds applied by UpdateHealth.
type HealthThresholds struct {
	MaxConsecutiveFailures  int
	MinConsecutiveSuccesses int
}

// Snapshot returns a deep copy of one template's routing state.
func (r *Registry) Snapshot(templateID string) (*TemplateRouting, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tr, ok := r.templates[templateID]
	if !ok {
		return nil, false
	}
	return tr.clone(), true
}

// SnapshotAll returns a deep copy of the full routing state.
func (r *Registry) SnapshotAll() map[string]*TemplateRouting {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*TemplateRouting, len(r.templates))
	for id, tr := range r.templates {
		out[id] = tr.clone()
	}
	return out
}

// Templates lists registered template ids, sorted.
func (r *Registry) Templates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.templates))
	for id := range r.templates {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// HealthyInstances returns deep copies of a template's routable instances.
func (r *Registry) HealthyInstances(templateID string) []*Instance {
	tr, ok := r.Snapshot(templateID)
	if !ok {
		return nil
	}
	return tr.healthyInstances()
}

// InstanceStatus implements the deployment manager's HealthSource: it
// reports whether the instance registered for a deployment is healthy.
func (r *Registry) InstanceStatus(templateID, deploymentID string) (bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tr, ok := r.templates[templateID]
	if !ok {
		return false, false
	}
	for _, inst := range tr.Instances {
		if inst.DeploymentID == deploymentID || inst.ID == deploymentID {
			return inst.Healthy(), true
		}
	}
	return false, false
}

// Version returns the mutation counter.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Stats summarizes the registry for the gateway endpoints.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total, healthy := 0, 0
	templates := make(map[string]any, len(r.templates))
	for id, tr := range r.templates {
		h := len(tr.healthyInstances())
		total += len(tr.Instances)
		healthy += h
		templates[id] = map[string]any{
			"total_instances":   len(tr.Instances),
			"healthy_instances": h,
			"strategy":          tr.Policy.Strategy,
		}
	}
	return map[string]any{
		"total_templates":     len(r.templates),
		"total_instances":     total,
		"healthy_instances":   healthy,
		"unhealthy_instances": total - healthy,
		"templates":           templates,
		"version":             r.version,
	}
}
