package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/google/uuid"

	"flotilla/internal/template"
	"flotilla/pkg/logging"
)

// created_at cannot live in a label (RFC3339 values are not valid label
// values), so it travels as an annotation on kubernetes objects.
const annotationCreatedAt = "mcp.created_at"

// KubernetesBackend deploys templates as Deployment + Service pairs in a
// cluster namespace. Like the docker backend it is stateless: deployments
// are reconstructed from the platform label set.
type KubernetesBackend struct {
	clientset kubernetes.Interface
	namespace string
}

// NewKubernetesBackend builds a backend from the in-cluster configuration
// or, outside a cluster, from the default kubeconfig loading rules.
func NewKubernetesBackend(opts Options) (*KubernetesBackend, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if opts.Kubeconfig != "" {
			loadingRules.ExplicitPath = opts.Kubeconfig
		}
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loadingRules, &clientcmd.ConfigOverrides{},
		).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("loading kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}

	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &KubernetesBackend{clientset: clientset, namespace: namespace}, nil
}

func (k *KubernetesBackend) Name() string { return "kubernetes" }

// Available reports whether the API server answers.
func (k *KubernetesBackend) Available(ctx context.Context) error {
	if _, err := k.clientset.Discovery().ServerVersion(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Deploy creates a single-replica Deployment and a ClusterIP Service
// carrying the platform label set.
func (k *KubernetesBackend) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	t := req.Template
	fail := func(op string, err error) (*Deployment, error) {
		return nil, &DeploymentError{
			Op: op, Backend: k.Name(), TemplateID: t.ID, Image: t.Image, Cause: err,
		}
	}

	deploymentID := req.DeploymentID
	if deploymentID == "" {
		deploymentID = uuid.NewString()
	}
	createdAt := time.Now().UTC()
	name := containerName(t.ID)
	labels := deploymentLabels(t.ID, deploymentID, req.ConfigHash, createdAt)
	delete(labels, LabelCreatedAt)
	annotations := map[string]string{annotationCreatedAt: createdAt.Format(time.RFC3339)}

	env := []corev1.EnvVar{
		{Name: "MCP_TEMPLATE_ID", Value: t.ID},
		{Name: "MCP_DEPLOYMENT_ID", Value: deploymentID},
		{Name: "MCP_TRANSPORT", Value: t.Transport.Default},
	}
	if t.Port > 0 {
		env = append(env, corev1.EnvVar{Name: "MCP_PORT", Value: fmt.Sprintf("%d", t.Port)})
	}
	for key, value := range req.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	container := corev1.Container{
		Name:  "mcp-server",
		Image: t.Image,
		Args:  req.Args,
		Env:   env,
	}
	if t.Port > 0 {
		container.Ports = []corev1.ContainerPort{{ContainerPort: int32(t.Port)}}
	}

	replicas := int32(1)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   k.namespace,
			Labels:      labels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{LabelDeploymentID: deploymentID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}

	if _, err := k.clientset.AppsV1().Deployments(k.namespace).Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		return fail("deployment create", err)
	}

	var endpoint string
	if t.Transport.Default == template.TransportHTTP && t.Port > 0 {
		service := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: k.namespace,
				Labels:    labels,
			},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{LabelDeploymentID: deploymentID},
				Ports: []corev1.ServicePort{{
					Port: int32(t.Port),
				}},
			},
		}
		if _, err := k.clientset.CoreV1().Services(k.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
			return fail("service create", err)
		}
		endpoint = fmt.Sprintf("http://%s.%s.svc:%d", name, k.namespace, t.Port)
	}

	logging.Info("Backend", "Deployed %s to namespace %s (deployment %s)", t.ID, k.namespace, deploymentID)

	var ports []PortMapping
	if t.Port > 0 {
		ports = append(ports, PortMapping{Host: t.Port, Container: t.Port, Protocol: "tcp"})
	}
	return &Deployment{
		ID:         deploymentID,
		TemplateID: t.ID,
		Name:       name,
		Status:     StatusPending,
		Backend:    k.Name(),
		Ports:      ports,
		Config:     req.Config,
		ConfigHash: req.ConfigHash,
		CreatedAt:  createdAt,
		Endpoint:   endpoint,
		Labels:     labels,
	}, nil
}

// Stop scales a deployment to zero replicas.
func (k *KubernetesBackend) Stop(ctx context.Context, deploymentID string, timeout time.Duration) error {
	dep, err := k.findDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	zero := int32(0)
	dep.Spec.Replicas = &zero
	if _, err := k.clientset.AppsV1().Deployments(k.namespace).Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return &DeploymentError{Op: "deployment scale", Backend: k.Name(), DeploymentID: deploymentID, Cause: err}
	}
	logging.Info("Backend", "Stopped deployment %s", deploymentID)
	return nil
}

// Remove deletes the Deployment and its Service.
func (k *KubernetesBackend) Remove(ctx context.Context, deploymentID string) error {
	dep, err := k.findDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := k.clientset.AppsV1().Deployments(k.namespace).Delete(ctx, dep.Name, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		return &DeploymentError{Op: "deployment delete", Backend: k.Name(), DeploymentID: deploymentID, Cause: err}
	}
	if err := k.clientset.CoreV1().Services(k.namespace).Delete(ctx, dep.Name, metav1.DeleteOptions{}); err != nil && !k8serrors.IsNotFound(err) {
		logging.Warn("Backend", "Service delete for %s failed: %v", deploymentID, err)
	}
	logging.Info("Backend", "Removed deployment %s", deploymentID)
	return nil
}

// List reconstructs deployments from the platform label set.
func (k *KubernetesBackend) List(ctx context.Context, filter ListFilter) ([]*Deployment, error) {
	selector := LabelManagedBy + "=" + ManagedByValue
	if filter.TemplateID != "" {
		selector += "," + LabelTemplate + "=" + filter.TemplateID
	}
	list, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var out []*Deployment
	for i := range list.Items {
		dep := k.deploymentFromObject(&list.Items[i])
		if !filter.All && dep.Status != StatusRunning {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// Inspect returns the deployment with the given id.
func (k *KubernetesBackend) Inspect(ctx context.Context, deploymentID string) (*Deployment, error) {
	dep, err := k.findDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return k.deploymentFromObject(dep), nil
}

// Logs streams output from the deployment's first pod.
func (k *KubernetesBackend) Logs(ctx context.Context, deploymentID string, opts LogOptions) (io.ReadCloser, error) {
	pods, err := k.clientset.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelDeploymentID + "=" + deploymentID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}

	logOpts := &corev1.PodLogOptions{Follow: opts.Follow}
	if opts.Tail > 0 {
		tail := int64(opts.Tail)
		logOpts.TailLines = &tail
	}
	stream, err := k.clientset.CoreV1().Pods(k.namespace).GetLogs(pods.Items[0].Name, logOpts).Stream(ctx)
	if err != nil {
		return nil, &DeploymentError{Op: "pod logs", Backend: k.Name(), DeploymentID: deploymentID, Cause: err}
	}
	return stream, nil
}

// Exec is not supported: the exec subresource needs an SPDY/websocket
// transport this backend does not carry.
func (k *KubernetesBackend) Exec(ctx context.Context, deploymentID string, argv []string, stdin io.Reader) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: exec on kubernetes", ErrUnsupported)
}

// CleanupStopped deletes deployments scaled to zero.
func (k *KubernetesBackend) CleanupStopped(ctx context.Context, templateID string) (int, error) {
	deployments, err := k.List(ctx, ListFilter{TemplateID: templateID, All: true})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, dep := range deployments {
		if dep.Status != StatusStopped {
			continue
		}
		if err := k.Remove(ctx, dep.ID); err != nil {
			logging.Warn("Backend", "Cleanup of %s failed: %v", dep.ID, err)
			continue
		}
		removed++
	}
	return removed, nil
}

func (k *KubernetesBackend) findDeployment(ctx context.Context, deploymentID string) (*appsv1.Deployment, error) {
	list, err := k.clientset.AppsV1().Deployments(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelDeploymentID + "=" + deploymentID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(list.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	return &list.Items[0], nil
}

func (k *KubernetesBackend) deploymentFromObject(obj *appsv1.Deployment) *Deployment {
	status := StatusPending
	switch {
	case obj.Spec.Replicas != nil && *obj.Spec.Replicas == 0:
		status = StatusStopped
	case obj.Status.ReadyReplicas > 0:
		status = StatusRunning
	case obj.Status.UnavailableReplicas > 0 && obj.Status.ReadyReplicas == 0:
		status = StatusUnhealthy
	}

	dep := &Deployment{
		ID:         obj.Labels[LabelDeploymentID],
		TemplateID: obj.Labels[LabelTemplate],
		Name:       obj.Name,
		Status:     status,
		Backend:    k.Name(),
		ConfigHash: obj.Labels[LabelConfigHash],
		Labels:     obj.Labels,
	}
	if created := obj.Annotations[annotationCreatedAt]; created != "" {
		if ts, err := time.Parse(time.RFC3339, created); err == nil {
			dep.CreatedAt = ts
		}
	}
	for _, c := range obj.Spec.Template.Spec.Containers {
		for _, p := range c.Ports {
			dep.Ports = append(dep.Ports, PortMapping{
				Host:      int(p.ContainerPort),
				Container: int(p.ContainerPort),
				Protocol:  "tcp",
			})
		}
	}
	if len(dep.Ports) > 0 && status == StatusRunning {
		dep.Endpoint = fmt.Sprintf("http://%s.%s.svc:%d", obj.Name, k.namespace, dep.Ports[0].Container)
	}
	return dep
}
