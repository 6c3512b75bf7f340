// Package kube implements sandbox.Runtime with one Kubernetes pod per
// session. Each pod runs the sandbox daemon, which the runtime drives for
// file writes and process starts.
package kube

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jxucoder/remoterunner/internal/sandbox"
	"github.com/jxucoder/remoterunner/internal/sandbox/daemon"
)

// Name is the backend identifier.
const Name = "kubernetes"

// Config defines how sandbox pods are created.
type Config struct {
	// Namespace where sandbox pods will be created.
	Namespace string
	// Image must contain the remoterunner binary and the project toolchain.
	Image string
	// DaemonCommand starts the sandbox daemon inside the pod.
	DaemonCommand []string
	// DaemonPort is the port the daemon listens on inside the pod.
	DaemonPort int
	// Workdir is the daemon root inside the pod.
	Workdir string

	MemoryMB int
	CPUs     int

	ExposeTimeout time.Duration
	StripFlags    []string

	// DaemonURL builds the daemon base URL for a running pod. Defaults to
	// the pod IP on DaemonPort.
	DaemonURL func(pod *corev1.Pod, port int) string
	// AppURL builds the preview URL for the project port. Defaults to the
	// pod IP on that port.
	AppURL func(pod *corev1.Pod, port int) string
}

type pod struct {
	name   string
	obj    *corev1.Pod
	client *daemon.Client
}

// Runtime is the Kubernetes-backed runtime.
type Runtime struct {
	client kubernetes.Interface
	cfg    Config

	mu   sync.RWMutex
	pods map[string]*pod
}

// NewClient builds a clientset from kubeconfig, or from the in-cluster
// configuration when kubeconfig is empty.
func NewClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return client, nil
}

// New creates a runtime using client.
func New(client kubernetes.Interface, cfg Config) *Runtime {
	if cfg.Namespace == "" {
		cfg.Namespace = "remoterunner"
	}
	if cfg.DaemonPort == 0 {
		cfg.DaemonPort = daemon.DefaultPort
	}
	if cfg.Workdir == "" {
		cfg.Workdir = daemon.DefaultRoot
	}
	if len(cfg.DaemonCommand) == 0 {
		cfg.DaemonCommand = []string{"remoterunner", "sandbox-daemon",
			"--addr", ":" + strconv.Itoa(cfg.DaemonPort), "--root", cfg.Workdir}
	}
	if cfg.ExposeTimeout <= 0 {
		cfg.ExposeTimeout = sandbox.DefaultExposeTimeout
	}
	if cfg.DaemonURL == nil {
		cfg.DaemonURL = podURL
	}
	if cfg.AppURL == nil {
		cfg.AppURL = podURL
	}
	return &Runtime{client: client, cfg: cfg, pods: make(map[string]*pod)}
}

func podURL(p *corev1.Pod, port int) string {
	return "http://" + p.Status.PodIP + ":" + strconv.Itoa(port)
}

func (r *Runtime) Name() string { return Name }

// UnsupportedScriptFlags implements sandbox.ScriptFlagStripper.
func (r *Runtime) UnsupportedScriptFlags() []string { return r.cfg.StripFlags }

// Probe checks that the API server answers.
func (r *Runtime) Probe(ctx context.Context) sandbox.ProbeResult {
	if _, err := r.client.Discovery().ServerVersion(); err != nil {
		return sandbox.ProbeResult{
			Reason:   err.Error(),
			FixHints: []string{"set RUNNER_KUBECONFIG or run inside the cluster", "check RBAC for pods in namespace " + r.cfg.Namespace},
		}
	}
	return sandbox.ProbeResult{Available: true}
}

func (r *Runtime) Provision(ctx context.Context, hints sandbox.ResourceHints) (*sandbox.Handle, error) {
	sid := hints.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	image := hints.Image
	if image == "" {
		image = r.cfg.Image
	}
	port := hints.Port
	if port <= 0 {
		port = sandbox.DefaultPort
	}
	name := "sandbox-" + uuid.NewString()[:13]

	env := []corev1.EnvVar{
		{Name: "SANDBOX_ROOT", Value: r.cfg.Workdir},
		{Name: "SANDBOX_PORT", Value: strconv.Itoa(r.cfg.DaemonPort)},
		{Name: "PORT", Value: strconv.Itoa(port)},
	}
	for _, kv := range hints.Env {
		k, v, _ := strings.Cut(kv, "=")
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}

	spec := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.cfg.Namespace,
			Labels: map[string]string{
				"app":     "remoterunner-sandbox",
				"session": sid,
				"managed": "remoterunner",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:       "sandbox",
					Image:      image,
					Command:    r.cfg.DaemonCommand,
					WorkingDir: r.cfg.Workdir,
					Env:        env,
					Ports: []corev1.ContainerPort{
						{Name: "daemon", ContainerPort: int32(r.cfg.DaemonPort)},
						{Name: "app", ContainerPort: int32(port)},
					},
					Resources: r.resources(hints),
				},
			},
		},
	}

	if _, err := r.client.CoreV1().Pods(r.cfg.Namespace).Create(ctx, spec, metav1.CreateOptions{}); err != nil {
		if apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota") {
			return nil, &sandbox.ProvisionError{Kind: sandbox.QuotaExceeded, Err: err}
		}
		return nil, sandbox.ProvisionFailed(fmt.Errorf("create sandbox pod: %w", err))
	}

	p, err := r.waitForRunning(ctx, name)
	if err == nil {
		err = r.waitForDaemon(ctx, p)
	}
	if err != nil {
		_ = r.deletePod(context.WithoutCancel(ctx), name)
		return nil, sandbox.ProvisionFailed(err)
	}

	r.mu.Lock()
	r.pods[name] = p
	r.mu.Unlock()

	return &sandbox.Handle{
		ID:        name,
		SessionID: sid,
		Workdir:   r.cfg.Workdir,
		Port:      port,
		Created:   time.Now(),
	}, nil
}

func (r *Runtime) resources(hints sandbox.ResourceHints) corev1.ResourceRequirements {
	mem := hints.MemoryMB
	if mem <= 0 {
		mem = r.cfg.MemoryMB
	}
	cpus := hints.CPUs
	if cpus <= 0 {
		cpus = r.cfg.CPUs
	}
	limits := corev1.ResourceList{}
	if mem > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(int64(mem)*1024*1024, resource.BinarySI)
	}
	if cpus > 0 {
		limits[corev1.ResourceCPU] = *resource.NewQuantity(int64(cpus), resource.DecimalSI)
	}
	if len(limits) == 0 {
		return corev1.ResourceRequirements{}
	}
	return corev1.ResourceRequirements{Limits: limits}
}

// waitForRunning polls until the pod runs with an IP, fails, or ctx ends.
func (r *Runtime) waitForRunning(ctx context.Context, name string) (*pod, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		p, err := r.client.CoreV1().Pods(r.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err == nil {
			switch p.Status.Phase {
			case corev1.PodRunning:
				if p.Status.PodIP != "" {
					return &pod{
						name:   name,
						obj:    p,
						client: daemon.NewClient(r.cfg.DaemonURL(p, r.cfg.DaemonPort), nil),
					}, nil
				}
			case corev1.PodFailed, corev1.PodSucceeded:
				return nil, fmt.Errorf("sandbox pod %s ended in phase %s", name, p.Status.Phase)
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for pod %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Runtime) waitForDaemon(ctx context.Context, p *pod) error {
	_, err := sandbox.WaitReachable(ctx, r.cfg.DaemonPort, r.cfg.ExposeTimeout, func(ctx context.Context) (string, error) {
		if _, err := p.client.Health(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", sandbox.ErrNotReady, err)
		}
		return "", nil
	})
	if err != nil {
		return fmt.Errorf("sandbox daemon in pod %s: %w", p.name, err)
	}
	return nil
}

func (r *Runtime) lookup(h *sandbox.Handle) (*pod, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pods[h.ID]
	return p, ok
}

func (r *Runtime) WriteFile(ctx context.Context, h *sandbox.Handle, path string, data []byte) error {
	p, ok := r.lookup(h)
	if !ok {
		return &sandbox.IOError{Op: "write", Path: path, Err: sandbox.ErrUnknownHandle}
	}
	if err := p.client.WriteFile(ctx, path, data); err != nil {
		return &sandbox.IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func (r *Runtime) DeleteFile(ctx context.Context, h *sandbox.Handle, path string) error {
	p, ok := r.lookup(h)
	if !ok {
		return &sandbox.IOError{Op: "delete", Path: path, Err: sandbox.ErrUnknownHandle}
	}
	if err := p.client.DeleteFile(ctx, path); err != nil && !daemon.IsNotFound(err) {
		return &sandbox.IOError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

func (r *Runtime) Run(ctx context.Context, h *sandbox.Handle, command string) (*sandbox.Process, error) {
	p, ok := r.lookup(h)
	if !ok {
		return nil, &sandbox.RunError{Command: command, Err: sandbox.ErrUnknownHandle}
	}
	res, err := p.client.Start(ctx, &daemon.ProcessRequest{
		Command: command,
		Env:     map[string]string{"PORT": strconv.Itoa(h.Port)},
	})
	if err != nil {
		return nil, &sandbox.RunError{Command: command, Err: err}
	}
	return &sandbox.Process{ID: res.ID, Command: command, PID: res.PID, StartedAt: time.Now()}, nil
}

// ExposePort waits for the dev server inside the pod to answer HTTP. The
// returned URL is reachable from inside the cluster; the server's preview
// proxy makes it public.
func (r *Runtime) ExposePort(ctx context.Context, h *sandbox.Handle, port int) (string, error) {
	p, ok := r.lookup(h)
	if !ok {
		return "", &sandbox.ExposeError{Kind: sandbox.ExposeFailed, Port: port, Err: sandbox.ErrUnknownHandle}
	}
	probe := sandbox.HTTPProbe(nil, r.cfg.AppURL(p.obj, port))
	return sandbox.WaitReachable(ctx, port, r.cfg.ExposeTimeout, func(ctx context.Context) (string, error) {
		if health, err := p.client.Health(ctx); err == nil && health.Processes > 0 && health.Running == 0 {
			return "", backoff.Permanent(errors.New("start command exited before binding its port"))
		}
		return probe(ctx)
	})
}

// Terminate deletes the pod. A pod that is already gone is not an error.
func (r *Runtime) Terminate(ctx context.Context, h *sandbox.Handle) error {
	r.mu.Lock()
	delete(r.pods, h.ID)
	r.mu.Unlock()
	return r.deletePod(ctx, h.ID)
}

func (r *Runtime) deletePod(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	err := r.client.CoreV1().Pods(r.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete sandbox pod: %w", err)
	}
	return nil
}

func (r *Runtime) HealthCheck(ctx context.Context, h *sandbox.Handle) sandbox.Health {
	got, err := r.client.CoreV1().Pods(r.cfg.Namespace).Get(ctx, h.ID, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		return sandbox.HealthDead
	case err != nil:
		return sandbox.HealthUnknown
	}
	switch got.Status.Phase {
	case corev1.PodFailed, corev1.PodSucceeded:
		return sandbox.HealthDead
	case corev1.PodRunning:
	default:
		return sandbox.HealthUnknown
	}

	p, ok := r.lookup(h)
	if !ok {
		return sandbox.HealthUnknown
	}
	health, err := p.client.Health(ctx)
	if err != nil {
		return sandbox.HealthUnknown
	}
	if health.Processes > 0 && health.Running == 0 {
		return sandbox.HealthDead
	}
	return sandbox.HealthAlive
}
