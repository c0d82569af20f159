package backend

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	"github.com/google/uuid"

	"flotilla/internal/template"
	"flotilla/pkg/logging"
)

// DockerBackend deploys templates as containers on the local container
// engine. It is stateless: deployments are reconstructed from container
// labels on every List call.
type DockerBackend struct {
	cli  *client.Client
	opts Options

	// networkMu serializes network creation; the engine races concurrent
	// creates of the same name.
	networkMu     sync.Mutex
	networkChecked bool
}

// NewDockerBackend connects to the container engine using the standard
// environment configuration.
func NewDockerBackend(opts Options) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if opts.NetworkName == "" {
		opts.NetworkName = "mcp-platform"
	}
	return &DockerBackend{cli: cli, opts: opts}, nil
}

func (d *DockerBackend) Name() string { return "docker" }

// Available reports whether the engine answers pings.
func (d *DockerBackend) Available(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Deploy pulls the image if requested, ensures the shared network exists,
// creates the container with the platform label set and starts it.
func (d *DockerBackend) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	t := req.Template
	fail := func(op string, err error) (*Deployment, error) {
		return nil, &DeploymentError{
			Op: op, Backend: d.Name(), TemplateID: t.ID, Image: t.Image, Cause: err,
		}
	}

	if err := d.Available(ctx); err != nil {
		return nil, err
	}

	if req.PullImage {
		if err := d.pullImage(ctx, t.Image); err != nil {
			return fail("image pull", err)
		}
	}

	networkName := req.Network
	if networkName == "" {
		networkName = d.opts.NetworkName
	}
	if err := d.ensureNetwork(ctx, networkName); err != nil {
		return fail("network create", err)
	}

	deploymentID := req.DeploymentID
	if deploymentID == "" {
		deploymentID = uuid.NewString()
	}
	createdAt := time.Now().UTC()
	labels := deploymentLabels(t.ID, deploymentID, req.ConfigHash, createdAt)

	env := make([]string, 0, len(req.Env)+4)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	// Identity variables are reserved for the platform and set here only.
	env = append(env,
		"MCP_TEMPLATE_ID="+t.ID,
		"MCP_DEPLOYMENT_ID="+deploymentID,
		"MCP_TRANSPORT="+t.Transport.Default,
	)
	if t.Port > 0 {
		env = append(env, fmt.Sprintf("MCP_PORT=%d", t.Port))
	}

	exposedPorts := network.PortSet{}
	portBindings := network.PortMap{}
	var ports []PortMapping
	if t.Transport.Default == template.TransportHTTP && t.Port > 0 {
		hostPort := req.Port
		if hostPort == 0 {
			hostPort = t.Port
		}
		containerPort, err := network.ParsePort(fmt.Sprintf("%d/tcp", t.Port))
		if err != nil {
			return fail("port parse", err)
		}
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = []network.PortBinding{{
			HostIP:   netip.MustParseAddr("0.0.0.0"),
			HostPort: fmt.Sprintf("%d", hostPort),
		}}
		ports = append(ports, PortMapping{Host: hostPort, Container: t.Port, Protocol: "tcp"})
	}

	binds := make([]string, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		binds = append(binds, m.String())
	}

	resp, err := d.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:        t.Image,
			Env:          env,
			Cmd:          req.Args,
			Labels:       labels,
			ExposedPorts: exposedPorts,
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Binds:        binds,
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				networkName: {},
			},
		},
		nil,
		containerName(t.ID),
	)
	if err != nil {
		return fail("container create", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		// Leave the container behind for debugging; Remove cleans it up.
		return nil, &DeploymentError{
			Op: "container start", Backend: d.Name(), TemplateID: t.ID,
			DeploymentID: deploymentID, Image: t.Image, Cause: err,
		}
	}

	logging.Info("Backend", "Deployed %s as %s (deployment %s)", t.ID, resp.ID[:12], deploymentID)

	dep := &Deployment{
		ID:         deploymentID,
		TemplateID: t.ID,
		Name:       resp.ID,
		Status:     StatusRunning,
		Backend:    d.Name(),
		Network:    networkName,
		Ports:      ports,
		Config:     req.Config,
		ConfigHash: req.ConfigHash,
		CreatedAt:  createdAt,
		Labels:     labels,
	}
	if len(ports) > 0 {
		dep.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", ports[0].Host)
	}
	return dep, nil
}

func (d *DockerBackend) pullImage(ctx context.Context, image string) error {
	reader, err := d.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// ensureNetwork creates the shared bridge network if absent, choosing its
// subnet with the allocator. When IPAM creation fails or every pool is
// exhausted, the network is created without an explicit subnet.
func (d *DockerBackend) ensureNetwork(ctx context.Context, name string) error {
	d.networkMu.Lock()
	defer d.networkMu.Unlock()

	if d.networkChecked {
		return nil
	}

	if _, err := d.cli.NetworkInspect(ctx, name, client.NetworkInspectOptions{}); err == nil {
		d.networkChecked = true
		return nil
	}

	existing, err := d.existingSubnets(ctx)
	if err != nil {
		logging.Warn("Backend", "Cannot enumerate existing networks: %v", err)
	}

	subnet, err := ChooseSubnet(existing, d.opts.SubnetOverride)
	if err != nil {
		return err
	}

	createOpts := client.NetworkCreateOptions{Driver: "bridge"}
	if subnet != "" {
		createOpts.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet}},
		}
	}

	if _, err := d.cli.NetworkCreate(ctx, name, createOpts); err != nil {
		if subnet == "" {
			return &NetworkAllocationError{Network: name, Cause: err}
		}
		// The chosen subnet can still collide with routes the engine
		// knows about and we do not; retry without IPAM.
		logging.Warn("Backend", "Network create with subnet %s failed (%v), retrying without IPAM", subnet, err)
		if _, err := d.cli.NetworkCreate(ctx, name, client.NetworkCreateOptions{Driver: "bridge"}); err != nil {
			return &NetworkAllocationError{Network: name, Cause: err}
		}
	}

	logging.Info("Backend", "Created network %s (subnet %s)", name, subnet)
	d.networkChecked = true
	return nil
}

func (d *DockerBackend) existingSubnets(ctx context.Context) ([]string, error) {
	networks, err := d.cli.NetworkList(ctx, client.NetworkListOptions{})
	if err != nil {
		return nil, err
	}
	var subnets []string
	for _, n := range networks {
		for _, cfg := range n.IPAM.Config {
			subnets = append(subnets, cfg.Subnet)
		}
	}
	return subnets, nil
}

// Stop stops the container backing a deployment. Stopping an already
// stopped deployment is a no-op.
func (d *DockerBackend) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	summary, err := d.findContainer(ctx, deploymentID)
	if err != nil {
		return err
	}
	seconds := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, summary.ID, client.ContainerStopOptions{Timeout: &seconds}); err != nil {
		return &DeploymentError{Op: "container stop", Backend: d.Name(), DeploymentID: deploymentID, Cause: err}
	}
	logging.Info("Backend", "Stopped deployment %s", deploymentID)
	return nil
}

// Remove deletes the container backing a deployment.
func (d *DockerBackend) Remove(ctx context.Context, deploymentID string) error {
	summary, err := d.findContainer(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := d.cli.ContainerRemove(ctx, summary.ID, client.ContainerRemoveOptions{Force: true}); err != nil {
		return &DeploymentError{Op: "container remove", Backend: d.Name(), DeploymentID: deploymentID, Cause: err}
	}
	logging.Info("Backend", "Removed deployment %s", deploymentID)
	return nil
}

// List reconstructs deployments from containers carrying the platform
// label set.
func (d *DockerBackend) List(ctx context.Context, filter ListFilter) ([]*Deployment, error) {
	args := client.Filters{}.Add("label", LabelManagedBy+"="+ManagedByValue)
	if filter.TemplateID != "" {
		args.Add("label", LabelTemplate+"="+filter.TemplateID)
	}

	containers, err := d.cli.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var out []*Deployment
	for _, c := range containers {
		dep := d.deploymentFromSummary(c)
		if !filter.All && dep.Status != StatusRunning {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// Inspect returns the deployment with the given id.
func (d *DockerBackend) Inspect(ctx context.Context, deploymentID string) (*Deployment, error) {
	summary, err := d.findContainer(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	dep := d.deploymentFromSummary(*summary)
	return dep, nil
}

// Logs streams container output.
func (d *DockerBackend) Logs(ctx context.Context, deploymentID string, opts LogOptions) (io.ReadCloser, error) {
	summary, err := d.findContainer(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	logOpts := client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
	}
	if opts.Tail > 0 {
		logOpts.Tail = fmt.Sprintf("%d", opts.Tail)
	}
	reader, err := d.cli.ContainerLogs(ctx, summary.ID, logOpts)
	if err != nil {
		return nil, &DeploymentError{Op: "container logs", Backend: d.Name(), DeploymentID: deploymentID, Cause: err}
	}
	return reader, nil
}

// Exec runs argv inside the deployment's container and returns its
// combined output stream.
func (d *DockerBackend) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	summary, err := d.findContainer(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	execResp, err := d.cli.ContainerExecCreate(ctx, summary.ID, client.ExecCreateOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  stdin != nil,
	})
	if err != nil {
		return nil, &DeploymentError{Op: "exec create", Backend: d.Name(), DeploymentID: deploymentID, Cause: err}
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, client.ExecAttachOptions{})
	if err != nil {
		return nil, &DeploymentError{Op: "exec attach", Backend: d.Name(), DeploymentID: deploymentID, Cause: err}
	}

	if stdin != nil {
		go func() {
			_, _ = io.Copy(attach.Conn, stdin)
			_ = attach.CloseWrite()
		}()
	}

	return &execStream{reader: attach.Reader, close: attach.Close}, nil
}

type execStream struct {
	reader io.Reader
	close  func()
}

func (s *execStream) Read(p []byte) (int, error) { return s.reader.Read(p) }

func (s *execStream) Close() error {
	s.close()
	return nil
}

// CleanupStopped removes stopped platform containers, then prunes images
// left dangling by the removals.
func (d *DockerBackend) CleanupStopped(ctx context.Context, templateID string) (int, error) {
	deployments, err := d.List(ctx, ListFilter{TemplateID: templateID, All: true})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dep := range deployments {
		if dep.Status != StatusStopped && dep.Status != StatusFailed {
			continue
		}
		if err := d.cli.ContainerRemove(ctx, dep.Name, client.ContainerRemoveOptions{Force: true}); err != nil {
			logging.Warn("Backend", "Cleanup of %s failed: %v", dep.ID, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logging.Info("Backend", "Cleaned up %d stopped deployments", removed)
	}

	if pruned, err := d.pruneDanglingImages(ctx); err != nil {
		logging.Warn("Backend", "Dangling image prune failed: %v", err)
	} else if pruned > 0 {
		logging.Info("Backend", "Pruned %d dangling images", pruned)
	}
	return removed, nil
}

// pruneDanglingImages deletes untagged image layers the engine reports as
// dangling. Returns the number of images removed.
func (d *DockerBackend) pruneDanglingImages(ctx context.Context) (int, error) {
	images, err := d.cli.ImageList(ctx, client.ImageListOptions{
		Filters: client.Filters{}.Add("dangling", "true"),
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, img := range images {
		if _, err := d.cli.ImageRemove(ctx, img.ID, client.ImageRemoveOptions{}); err != nil {
			// In use by a container or already gone; leave it.
			logging.Debug("Backend", "Cannot remove dangling image %s: %v", img.ID, err)
			continue
		}
		pruned++
	}
	return pruned, nil
}

// findContainer locates the container carrying the deployment id label.
func (d *DockerBackend) findContainer(ctx context.Context, deploymentID string) (*container.Summary, error) {
	args := client.Filters{}.
		Add("label", LabelManagedBy+"="+ManagedByValue).
		Add("label", LabelDeploymentID+"="+deploymentID)
	containers, err := d.cli.ContainerList(ctx, client.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	return &containers[0], nil
}

func (d *DockerBackend) deploymentFromSummary(c container.Summary) *Deployment {
	dep := &Deployment{
		ID:         c.Labels[LabelDeploymentID],
		TemplateID: c.Labels[LabelTemplate],
		Name:       c.ID,
		Status:     mapContainerState(string(c.State)),
		Backend:    d.Name(),
		ConfigHash: c.Labels[LabelConfigHash],
		Labels:     c.Labels,
	}
	if created := c.Labels[LabelCreatedAt]; created != "" {
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			dep.CreatedAt = ts
		}
	}
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		dep.Ports = append(dep.Ports, PortMapping{
			Host:      int(p.PublicPort),
			Container: int(p.PrivatePort),
			Protocol:  string(p.Type),
		})
	}
	if len(dep.Ports) > 0 && dep.Status == StatusRunning {
		dep.Endpoint = fmt.Sprintf("http://127.0.0.1:%d", dep.Ports[0].Host)
	}
	return dep
}

func mapContainerState(state string) Status {
	switch strings.ToLower(state) {
	case "running":
		return StatusRunning
	case "created", "restarting":
		return StatusPending
	case "exited", "removing":
		return StatusStopped
	case "paused":
		return StatusUnhealthy
	case "dead":
		return StatusFailed
	default:
		return StatusFailed
	}
}

// Close releases the engine client.
func (d *DockerBackend) Close() error {
	return d.cli.Close()
}
