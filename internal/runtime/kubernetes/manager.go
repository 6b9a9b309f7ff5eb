// Package kubernetes runs node-worker previews as a Deployment plus Service.
package kubernetes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/ptr"
)

const (
	deploymentLabel = "peep.dev/deployment-id"
	projectLabel    = "peep.dev/project-id"
	versionLabel    = "peep.dev/version-id"
)

// Workload is a single preview rollout.
type Workload struct {
	DeploymentID string
	ProjectID    string
	VersionID    string
	Image        string
	Command      []string
	Port         int
	Timeout      time.Duration
}

// Endpoint is where a ready workload can be reached.
type Endpoint struct {
	Name      string
	PodName   string
	Host      string
	Port      int
	StartedAt time.Time
}

// URL renders the endpoint as an http URL.
func (e Endpoint) URL() string {
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// Manager provisions preview workloads inside a namespace.
type Manager struct {
	client        kubernetes.Interface
	namespace     string
	serviceDomain string
	servicePort   int
	readyTimeout  time.Duration
	pollInterval  time.Duration
	logger        *slog.Logger
}

// Config configures a Manager.
type Config struct {
	Namespace     string
	ServiceDomain string
	ServicePort   int
	ReadyTimeout  time.Duration
}

// NewFromEnvironment builds a Manager from in-cluster configuration,
// falling back to KUBECONFIG.
func NewFromEnvironment(cfg Config, logger *slog.Logger) (*Manager, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return New(clientset, cfg, logger), nil
}

// New wraps an existing clientset.
func New(client kubernetes.Interface, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.ServicePort <= 0 {
		cfg.ServicePort = 80
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	return &Manager{
		client:        client,
		namespace:     cfg.Namespace,
		serviceDomain: strings.TrimSuffix(cfg.ServiceDomain, "."),
		servicePort:   cfg.ServicePort,
		readyTimeout:  cfg.ReadyTimeout,
		pollInterval:  2 * time.Second,
		logger:        logger,
	}
}

// Rollout applies the Deployment and Service for w and waits for a ready pod.
func (m *Manager) Rollout(ctx context.Context, w Workload) (Endpoint, error) {
	name := ResourceName(w.DeploymentID)
	if name == "" {
		return Endpoint{}, errors.New("deployment id required")
	}
	labels := map[string]string{
		deploymentLabel:               w.DeploymentID,
		projectLabel:                  w.ProjectID,
		versionLabel:                  w.VersionID,
		"app.kubernetes.io/name":      "node-worker",
		"app.kubernetes.io/component": "preview",
	}
	selector := map[string]string{deploymentLabel: w.DeploymentID}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: m.namespace, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas:             ptr.To[int32](1),
			RevisionHistoryLimit: ptr.To[int32](1),
			Selector:             &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       corev1.PodSpec{Containers: []corev1.Container{workerContainer(w)}},
			},
		},
	}
	if err := m.applyDeployment(ctx, deployment); err != nil {
		return Endpoint{}, err
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: m.namespace, Labels: labels},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(m.servicePort),
				TargetPort: intstr.FromInt32(int32(w.Port)),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	if err := m.applyService(ctx, svc); err != nil {
		return Endpoint{}, err
	}

	pod, err := m.waitForReadyPod(ctx, w.DeploymentID, w.Timeout)
	if err != nil {
		return Endpoint{}, err
	}
	m.logger.Info("preview workload ready", "deployment", name, "pod", pod.Name, "namespace", m.namespace)
	started := time.Now().UTC()
	if pod.Status.StartTime != nil {
		started = pod.Status.StartTime.Time
	}
	return Endpoint{Name: name, PodName: pod.Name, Host: m.host(name), Port: m.servicePort, StartedAt: started}, nil
}

// Remove deletes the workload for deploymentID.
func (m *Manager) Remove(ctx context.Context, deploymentID string) error {
	name := ResourceName(deploymentID)
	if name == "" {
		return errors.New("deployment id required")
	}
	if err := m.client.AppsV1().Deployments(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if err := m.client.CoreV1().Services(m.namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete service: %w", err)
	}
	return nil
}

func (m *Manager) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := m.client.AppsV1().Deployments(m.namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (m *Manager) applyService(ctx context.Context, desired *corev1.Service) error {
	services := m.client.CoreV1().Services(m.namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, err := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get service: %w", err)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

func (m *Manager) waitForReadyPod(ctx context.Context, deploymentID string, timeout time.Duration) (*corev1.Pod, error) {
	if timeout <= 0 {
		timeout = m.readyTimeout
	}
	var ready *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("%s=%s", deploymentLabel, deploymentID),
		})
		if err != nil {
			return false, err
		}
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.Status.Phase == corev1.PodFailed {
				return false, fmt.Errorf("preview pod failed: %s", podFailureMessage(pod))
			}
			if reason := crashReason(pod.Status.ContainerStatuses); reason != "" {
				return false, fmt.Errorf("preview pod %s: %s", pod.Name, reason)
			}
			if pod.Status.Phase == corev1.PodRunning && isPodReady(pod) {
				ready = pod.DeepCopy()
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wait for preview pod: %w", err)
	}
	return ready, nil
}

func (m *Manager) host(name string) string {
	if m.serviceDomain != "" {
		return name + "." + m.serviceDomain
	}
	return fmt.Sprintf("%s.%s.svc.cluster.local", name, m.namespace)
}

func workerContainer(w Workload) corev1.Container {
	probe := func(initial, period int32) *corev1.Probe {
		return &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{Path: "/", Port: intstr.FromInt32(int32(w.Port))},
			},
			InitialDelaySeconds: initial,
			PeriodSeconds:       period,
			FailureThreshold:    6,
		}
	}
	c := corev1.Container{
		Name:  "app",
		Image: w.Image,
		Ports: []corev1.ContainerPort{{Name: "http", ContainerPort: int32(w.Port)}},
		Env: []corev1.EnvVar{
			{Name: "PORT", Value: fmt.Sprintf("%d", w.Port)},
			{Name: "NODE_ENV", Value: "production"},
		},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("128Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("500m"),
				corev1.ResourceMemory: resource.MustParse("512Mi"),
			},
		},
		ReadinessProbe: probe(5, 10),
		LivenessProbe:  probe(20, 20),
	}
	if len(w.Command) > 0 {
		c.Command = w.Command[:1]
		c.Args = w.Command[1:]
	}
	return c
}

// ResourceName derives a DNS-safe object name from a deployment id.
func ResourceName(deploymentID string) string {
	trimmed := strings.ToLower(strings.TrimSpace(deploymentID))
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == 24 {
			break
		}
	}
	if b.Len() == 0 {
		return "preview"
	}
	return "preview-" + b.String()
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func crashReason(statuses []corev1.ContainerStatus) string {
	for _, s := range statuses {
		if w := s.State.Waiting; w != nil {
			switch w.Reason {
			case "CrashLoopBackOff", "ErrImagePull", "ImagePullBackOff", "CreateContainerConfigError":
				return strings.TrimSpace(w.Reason + " " + w.Message)
			}
		}
	}
	return ""
}

func podFailureMessage(pod *corev1.Pod) string {
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	for _, s := range pod.Status.ContainerStatuses {
		if t := s.State.Terminated; t != nil && t.Message != "" {
			return t.Message
		}
	}
	return string(pod.Status.Phase)
}
