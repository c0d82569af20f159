package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"flotilla/internal/template"
)

// Status of a deployment as reported by a backend.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusUnhealthy Status = "unhealthy"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Deployment is one realized instance of a template on a backend. The
// backend assigns the id and never reuses it; the record is reconstructed
// from runtime labels on demand, so backends stay stateless across
// restarts.
type Deployment struct {
	ID         string
	TemplateID string
	Name       string
	Status     Status
	Backend    string
	Network    string
	Ports      []PortMapping
	Config     map[string]any
	ConfigHash string
	CreatedAt  time.Time
	Endpoint   string
	Labels     map[string]string
}

// PortMapping binds a host port to a container port.
type PortMapping struct {
	Host      int
	Container int
	Protocol  string
}

// DeployRequest carries everything a backend needs to realize a template.
type DeployRequest struct {
	Template *template.Template

	// DeploymentID pins an explicit id for idempotent redeploys. Empty
	// means the backend generates one.
	DeploymentID string

	Config     map[string]any
	ConfigHash string
	Env        map[string]string
	Mounts     []template.Mount
	Args       []string
	Network    string

	// Port overrides the template's declared port on the host side.
	// Zero means use the template port.
	Port int

	// PullImage controls whether the image is pulled before creation.
	PullImage bool
}

// ListFilter restricts List results.
type ListFilter struct {
	TemplateID string
	// All includes stopped deployments.
	All bool
}

// LogOptions controls log retrieval.
type LogOptions struct {
	Tail   int
	Follow bool
}

// Backend is the uniform operation set over container runtimes. All
// implementations preserve the same observable semantics; the mock backend
// skips real I/O only.
type Backend interface {
	// Name identifies the backend kind: docker, kubernetes or mock.
	Name() string

	// Available reports whether the underlying runtime is reachable.
	Available(ctx context.Context) error

	Deploy(ctx context.Context, req DeployRequest) (*Deployment, error)
	Stop(ctx context.Context, deploymentID string, timeout time.Duration) error
	Remove(ctx context.Context, deploymentID string) error
	List(ctx context.Context, filter ListFilter) ([]*Deployment, error)
	Inspect(ctx context.Context, deploymentID string) (*Deployment, error)
	Logs(ctx context.Context, deploymentID string, opts LogOptions) (io.ReadCloser, error)
	Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error)

	// CleanupStopped removes stopped deployments, optionally restricted to
	// one template. Returns the number removed.
	CleanupStopped(ctx context.Context, templateID string) (int, error)
}

// Sentinel errors shared by all backends.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrUnsupported        = errors.New("operation not supported by backend")
)

// DeploymentError reports a failed backend operation with actionable
// context.
type DeploymentError struct {
	Op           string
	Backend      string
	TemplateID   string
	DeploymentID string
	Image        string
	Cause        error
}

func (e *DeploymentError) Error() string {
	msg := fmt.Sprintf("%s: %s failed", e.Backend, e.Op)
	if e.TemplateID != "" {
		msg += fmt.Sprintf(" for template %s", e.TemplateID)
	}
	if e.Image != "" {
		msg += fmt.Sprintf(" (image %s)", e.Image)
	}
	if e.DeploymentID != "" {
		msg += fmt.Sprintf(" (deployment %s)", e.DeploymentID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DeploymentError) Unwrap() error { return e.Cause }

// New constructs a backend by name.
func New(name string, opts Options) (Backend, error) {
	switch name {
	case "docker":
		return NewDockerBackend(opts)
	case "kubernetes":
		return NewKubernetesBackend(opts)
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// Options configure backend construction.
type Options struct {
	// NetworkName is the shared bridge network for docker deployments.
	NetworkName string

	// SubnetOverride is the MCP_SUBNET value, validated by the allocator.
	SubnetOverride string

	// Namespace scopes kubernetes deployments.
	Namespace string

	// Kubeconfig selects an explicit kubeconfig path; empty uses the
	// in-cluster config or the default loading rules.
	Kubeconfig string
}
