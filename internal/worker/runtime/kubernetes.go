package runtime

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"qarunner/internal/logger"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	testContainer = "test"
	filesVolume   = "tests"

	// Finished Jobs are garbage collected by the cluster after this long.
	jobTTLSeconds = int32(3600)
)

// pollInterval paces pod lookups while a run starts and finishes.
var pollInterval = 500 * time.Millisecond

// KubernetesConfig holds configuration for the Kubernetes runtime.
type KubernetesConfig struct {
	Namespace          string
	ServiceAccount     string
	DefaultCPULimit    string
	DefaultMemoryLimit string
}

func (c KubernetesConfig) withDefaults() KubernetesConfig {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.DefaultCPULimit == "" {
		c.DefaultCPULimit = "500m"
	}
	if c.DefaultMemoryLimit == "" {
		c.DefaultMemoryLimit = "256Mi"
	}
	return c
}

// KubernetesRuntime runs each test run as a batch Job. Generated test files
// travel in a ConfigMap of the same name, mounted at /work.
type KubernetesRuntime struct {
	clientset kubernetes.Interface
	config    KubernetesConfig
	log       *logger.Logger
}

// KubernetesHandle tracks one Job and, once scheduled, its pod.
type KubernetesHandle struct {
	clientset kubernetes.Interface
	namespace string
	jobName   string
	podName   string
	log       *logger.Logger
}

// NewKubernetesRuntime uses the in-cluster service account when available and
// otherwise the standard kubeconfig loading rules ($KUBECONFIG, ~/.kube/config).
func NewKubernetesRuntime(cfg KubernetesConfig, log *logger.Logger) (*KubernetesRuntime, error) {
	if log == nil {
		log = logger.NewNop()
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		log.Info("not running in a cluster, loading kubeconfig", "reason", err)
		loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(),
			&clientcmd.ConfigOverrides{},
		)
		if restCfg, err = loader.ClientConfig(); err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return newKubernetesRuntime(clientset, cfg, log), nil
}

func newKubernetesRuntime(clientset kubernetes.Interface, cfg KubernetesConfig, log *logger.Logger) *KubernetesRuntime {
	if log == nil {
		log = logger.NewNop()
	}
	return &KubernetesRuntime{
		clientset: clientset,
		config:    cfg.withDefaults(),
		log:       log.With("runtime", KindKubernetes),
	}
}

// jobName turns a run id into a DNS-1123 label prefixed with "qarunner-".
func jobName(id string) string {
	if id == "" {
		id = fmt.Sprint(time.Now().UnixNano())
	}
	name := "qarunner-" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(id))
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

func (k *KubernetesRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	name := jobName(opts.ID)
	ns := k.config.Namespace

	cms := k.clientset.CoreV1().ConfigMaps(ns)
	if _, err := cms.Create(ctx, k.filesConfigMap(name, opts.Files), metav1.CreateOptions{}); err != nil {
		return nil, fmt.Errorf("creating configmap %s: %w", name, err)
	}

	job, err := k.clientset.BatchV1().Jobs(ns).Create(ctx, k.jobManifest(name, opts), metav1.CreateOptions{})
	if err != nil {
		_ = cms.Delete(ctx, name, metav1.DeleteOptions{})
		return nil, fmt.Errorf("creating job %s: %w", name, err)
	}
	k.log.Info("test job created", "job", job.Name, "namespace", ns)

	return &KubernetesHandle{
		clientset: k.clientset,
		namespace: ns,
		jobName:   job.Name,
		log:       k.log.With("job", job.Name),
	}, nil
}

func (k *KubernetesRuntime) labels(name string) map[string]string {
	return map[string]string{labelManagedBy: "qarunner", labelRun: name}
}

func (k *KubernetesRuntime) filesConfigMap(name string, files map[string]string) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.config.Namespace, Labels: k.labels(name)},
		Data:       files,
	}
}

func (k *KubernetesRuntime) jobManifest(name string, opts StartOptions) *batchv1.Job {
	env := testEnv(opts.ID, containerWorkDir, "/tmp/results", opts.Env)
	vars := make([]corev1.EnvVar, 0, len(env))
	for _, key := range slices.Sorted(maps.Keys(env)) {
		vars = append(vars, corev1.EnvVar{Name: key, Value: env[key]})
	}

	podLabels := k.labels(name)
	podLabels["job-name"] = name

	pod := corev1.PodSpec{
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: k.config.ServiceAccount,
		Containers: []corev1.Container{{
			Name:       testContainer,
			Image:      opts.Image,
			Command:    opts.Command,
			Env:        vars,
			WorkingDir: containerWorkDir,
			Resources: corev1.ResourceRequirements{
				Limits: corev1.ResourceList{
					corev1.ResourceCPU:    resource.MustParse(k.config.DefaultCPULimit),
					corev1.ResourceMemory: resource.MustParse(k.config.DefaultMemoryLimit),
				},
			},
			VolumeMounts: []corev1.VolumeMount{{Name: filesVolume, MountPath: containerWorkDir}},
		}},
		Volumes: []corev1.Volume{{
			Name: filesVolume,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{LocalObjectReference: corev1.LocalObjectReference{Name: name}},
			},
		}},
	}

	// Reattempts belong to the job queue, never to the Job controller.
	backoff := int32(0)
	ttl := jobTTLSeconds
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.config.Namespace, Labels: k.labels(name)},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec:       pod,
			},
		},
	}
	if opts.Timeout > 0 {
		deadline := int64(opts.Timeout.Seconds())
		job.Spec.ActiveDeadlineSeconds = &deadline
	}
	return job
}

// Wait polls the Job's pod until it reaches a terminal phase.
func (h *KubernetesHandle) Wait(ctx context.Context) (ExitResult, error) {
	if err := h.resolvePod(ctx); err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}

	var result ExitResult
	err := wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		var done bool
		result, done = podResult(pod)
		return done, nil
	})
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	return result, nil
}

// podResult maps a terminal pod phase to an ExitResult.
func podResult(pod *corev1.Pod) (ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return ExitResult{}, true
	case corev1.PodFailed:
		res := ExitResult{ExitCode: -1}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name != "" && cs.Name != testContainer {
				continue
			}
			if term := cs.State.Terminated; term != nil {
				res.ExitCode = int(term.ExitCode)
				if term.Reason != "" {
					res.Error = fmt.Errorf("container terminated: %s", term.Reason)
				}
			}
			break
		}
		if res.Error == nil && pod.Status.Reason != "" {
			// DeadlineExceeded and evictions leave no container status behind.
			res.Error = fmt.Errorf("pod failed: %s", pod.Status.Reason)
		}
		return res, true
	default:
		return ExitResult{}, false
	}
}

func (h *KubernetesHandle) resolvePod(ctx context.Context) error {
	if h.podName != "" {
		return nil
	}
	name, err := h.waitForPod(ctx)
	if err != nil {
		return fmt.Errorf("no pod for job %s: %w", h.jobName, err)
	}
	h.podName = name
	return nil
}

// waitForPod returns the name of the first pod the Job controller creates.
func (h *KubernetesHandle) waitForPod(ctx context.Context) (string, error) {
	var name string
	err := wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
		pods, err := h.clientset.CoreV1().Pods(h.namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + h.jobName,
		})
		if err != nil {
			return false, err
		}
		if len(pods.Items) == 0 {
			return false, nil
		}
		name = pods.Items[0].Name
		return true, nil
	})
	return name, err
}

// waitForPodStarted returns once the pod is past Pending, so its logs exist.
func (h *KubernetesHandle) waitForPodStarted(ctx context.Context) error {
	return wait.PollUntilContextCancel(ctx, pollInterval, true, func(ctx context.Context) (bool, error) {
		pod, err := h.clientset.CoreV1().Pods(h.namespace).Get(ctx, h.podName, metav1.GetOptions{})
		if err != nil {
			return false, err
		}
		return pod.Status.Phase != corev1.PodPending && pod.Status.Phase != "", nil
	})
}

// Stop deletes the Job and, in the foreground, its pods.
func (h *KubernetesHandle) Stop(ctx context.Context) error {
	policy := metav1.DeletePropagationForeground
	if err := h.clientset.BatchV1().Jobs(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	}); err != nil {
		return fmt.Errorf("deleting job %s: %w", h.jobName, err)
	}
	h.log.Info("test job deleted")
	return nil
}

func (h *KubernetesHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	if err := h.resolvePod(ctx); err != nil {
		return nil, err
	}
	if err := h.waitForPodStarted(ctx); err != nil {
		return nil, err
	}
	return h.clientset.CoreV1().Pods(h.namespace).
		GetLogs(h.podName, &corev1.PodLogOptions{Container: testContainer, Follow: true}).
		Stream(ctx)
}

// ResultDir is always empty: result files stay in the pod.
func (h *KubernetesHandle) ResultDir() string {
	return ""
}

// Cleanup deletes the files ConfigMap. The Job itself expires via its TTL.
func (h *KubernetesHandle) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.clientset.CoreV1().ConfigMaps(h.namespace).Delete(ctx, h.jobName, metav1.DeleteOptions{}); err != nil {
		return fmt.Errorf("deleting configmap %s: %w", h.jobName, err)
	}
	return nil
}
