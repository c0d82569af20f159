package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"flotilla/internal/template"
)

// MockBackend is a pure in-memory backend for tests. It preserves the
// observable semantics of the real backends: backend-assigned ids, label
// reconstruction through List, idempotent stop, not-found errors.
type MockBackend struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	logs        map[string]string

	// DeployErr, when set, fails the next Deploy call.
	DeployErr error

	// DeployCalls counts Deploy invocations.
	DeployCalls int
}

func NewMockBackend() *MockBackend {
	return &MockBackend{
		deployments: make(map[string]*Deployment),
		logs:        make(map[string]string),
	}
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Available(ctx context.Context) error { return nil }

func (m *MockBackend) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeployCalls++
	if m.DeployErr != nil {
		err := m.DeployErr
		m.DeployErr = nil
		return nil, err
	}

	t := req.Template
	deploymentID := req.DeploymentID
	if deploymentID == "" {
		deploymentID = uuid.NewString()
	}
	createdAt := time.Now().UTC()

	port := req.Port
	if port == 0 {
		port = t.Port
	}
	var ports []PortMapping
	var endpoint string
	if t.Transport.Default == template.TransportHTTP && t.Port > 0 {
		ports = append(ports, PortMapping{Host: port, Container: t.Port, Protocol: "tcp"})
		endpoint = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	dep := &Deployment{
		ID:         deploymentID,
		TemplateID: t.ID,
		Name:       containerName(t.ID),
		Status:     StatusRunning,
		Backend:    m.Name(),
		Network:    req.Network,
		Ports:      ports,
		Config:     req.Config,
		ConfigHash: req.ConfigHash,
		CreatedAt:  createdAt,
		Endpoint:   endpoint,
		Labels:     deploymentLabels(t.ID, deploymentID, req.ConfigHash, createdAt),
	}
	m.deployments[deploymentID] = dep
	m.logs[deploymentID] = fmt.Sprintf("started %s\n", t.ID)
	return dep, nil
}

func (m *MockBackend) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[deploymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	dep.Status = StatusStopped
	dep.Endpoint = ""
	return nil
}

func (m *MockBackend) Remove(ctx context.Context, deploymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deployments[deploymentID]; !ok {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	delete(m.deployments, deploymentID)
	delete(m.logs, deploymentID)
	return nil
}

func (m *MockBackend) List(ctx context.Context, filter ListFilter) ([]*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Deployment
	for _, dep := range m.deployments {
		if filter.TemplateID != "" && dep.TemplateID != filter.TemplateID {
			continue
		}
		if !filter.All && dep.Status != StatusRunning {
			continue
		}
		copied := *dep
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockBackend) Inspect(ctx context.Context, deploymentID string) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[deploymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	copied := *dep
	return &copied, nil
}

func (m *MockBackend) Logs(ctx context.Context, deploymentID string, opts LogOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logs, ok := m.logs[deploymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	return io.NopCloser(bytes.NewBufferString(logs)), nil
}

func (m *MockBackend) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deployments[deploymentID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	return io.NopCloser(bytes.NewBufferString(fmt.Sprintf("exec %v\n", argv))), nil
}

func (m *MockBackend) CleanupStopped(ctx context.Context, templateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, dep := range m.deployments {
		if templateID != "" && dep.TemplateID != templateID {
			continue
		}
		if dep.Status == StatusStopped || dep.Status == StatusFailed {
			delete(m.deployments, id)
			delete(m.logs, id)
			removed++
		}
	}
	return removed, nil
}

// SetStatus overrides a deployment's status, for tests exercising status
// aggregation.
func (m *MockBackend) SetStatus(deploymentID string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dep, ok := m.deployments[deploymentID]; ok {
		dep.Status = status
	}
}
