package provider

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const (
	// sandboxLabelKey identifies the sandbox a Pod/Service/NetworkPolicy
	// belongs to.
	sandboxLabelKey = "ssap.io/sandbox-name"

	defaultTemplateImage = "ghcr.io/rjsadow/ssap-sandbox:latest"
)

// KubernetesClient is an alternative Client backend where a sandbox is a
// Pod + ClusterIP Service, reachable in-cluster over the Service's DNS name,
// with a NetworkPolicy restricting its egress to cluster DNS and the
// provider's own control plane. Selected with SSAP_PROVIDER_BACKEND=kubernetes.
type KubernetesClient struct {
	clientset     kubernetes.Interface
	namespace     string
	templateImage map[string]string // template name -> image
	controlPlane  string            // CIDR/host allowed for egress besides DNS
	readyTimeout  time.Duration
}

// KubernetesConfig configures the Kubernetes provider backend.
type KubernetesConfig struct {
	Namespace        string
	Kubeconfig       string // empty uses in-cluster config
	TemplateImages   map[string]string
	ControlPlaneCIDR string
	ReadyTimeout      time.Duration
}

// NewKubernetesClient builds a KubernetesClient, preferring in-cluster
// config and falling back to the kubeconfig path (or ~/.kube/config).
func NewKubernetesClient(cfg KubernetesConfig) (*KubernetesClient, error) {
	restConfig, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("provider: building kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("provider: building kubernetes client: %w", err)
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 2 * time.Minute
	}

	return &KubernetesClient{
		clientset:     clientset,
		namespace:     cfg.Namespace,
		templateImage: cfg.TemplateImages,
		controlPlane:  cfg.ControlPlaneCIDR,
		readyTimeout:  readyTimeout,
	}, nil
}

func (c *KubernetesClient) ListTemplateNames(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(c.templateImage))
	for name := range c.templateImage {
		names = append(names, name)
	}
	return names, nil
}

// EnsureTemplate records the template's image in the in-memory template map
// used by Create. There is no cluster-side object to provision for a
// template itself (the Pod is created lazily by Create), so this only
// needs to be idempotent against concurrent callers, which the mutex-free
// map write already is since it runs once at startup before any request
// traffic.
func (c *KubernetesClient) EnsureTemplate(_ context.Context, spec TemplateSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("provider: ensure_template requires a name")
	}
	if c.templateImage == nil {
		c.templateImage = make(map[string]string)
	}
	if _, exists := c.templateImage[spec.Name]; exists {
		return nil
	}
	image := spec.Image
	if image == "" {
		image = defaultTemplateImage
	}
	c.templateImage[spec.Name] = image
	return nil
}

func (c *KubernetesClient) Get(ctx context.Context, name string) (*Sandbox, error) {
	podName := podName(name)
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("provider: getting pod: %w", err)
	}
	if pod.Status.Phase != corev1.PodRunning {
		return nil, fmt.Errorf("provider: sandbox %q not ready (phase %s)", name, pod.Status.Phase)
	}
	return &Sandbox{Name: name, DataplaneURL: serviceDataplaneURL(name, c.namespace)}, nil
}

func (c *KubernetesClient) Create(ctx context.Context, templateName, nameHint string) (*Sandbox, error) {
	if templateName == "" {
		names, _ := c.ListTemplateNames(ctx)
		if len(names) == 0 {
			return nil, fmt.Errorf("provider: no sandbox templates configured")
		}
		templateName = names[0]
	}

	image, ok := c.templateImage[templateName]
	if !ok {
		if len(c.templateImage) == 0 {
			image = defaultTemplateImage
		} else {
			return nil, fmt.Errorf("provider: unknown template %q", templateName)
		}
	}

	name := nameHint
	if name == "" {
		name = fmt.Sprintf("sbx-%d", time.Now().UnixNano())
	}

	if err := c.createPod(ctx, name, image); err != nil {
		return nil, err
	}
	if err := c.createService(ctx, name); err != nil {
		return nil, err
	}
	if err := c.createNetworkPolicy(ctx, name); err != nil {
		return nil, err
	}

	if err := c.waitForReady(ctx, name); err != nil {
		return nil, err
	}

	return &Sandbox{Name: name, DataplaneURL: serviceDataplaneURL(name, c.namespace)}, nil
}

func (c *KubernetesClient) Healthy(ctx context.Context) bool {
	_, err := c.clientset.CoreV1().Namespaces().Get(ctx, c.namespace, metav1.GetOptions{})
	return err == nil
}

func podName(sandboxName string) string     { return fmt.Sprintf("ssap-sandbox-%s", sandboxName) }
func serviceName(sandboxName string) string { return fmt.Sprintf("ssap-sandbox-%s", sandboxName) }

func serviceDataplaneURL(sandboxName, namespace string) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:8080", serviceName(sandboxName), namespace)
}

func (c *KubernetesClient) createPod(ctx context.Context, name, image string) error {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(name),
			Namespace: c.namespace,
			Labels:    map[string]string{sandboxLabelKey: name},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			SecurityContext: &corev1.PodSecurityContext{
				RunAsNonRoot: boolPtr(true),
				RunAsUser:    int64Ptr(1000),
			},
			Containers: []corev1.Container{
				{
					Name:  "sandbox",
					Image: image,
					Ports: []corev1.ContainerPort{
						{Name: "dataplane", ContainerPort: 8080, Protocol: corev1.ProtocolTCP},
					},
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("250m"),
							corev1.ResourceMemory: resource.MustParse("256Mi"),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("1"),
							corev1.ResourceMemory: resource.MustParse("1Gi"),
						},
					},
				},
			},
		},
	}

	_, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("provider: creating pod: %w", err)
	}
	return nil
}

func (c *KubernetesClient) createService(ctx context.Context, name string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName(name),
			Namespace: c.namespace,
			Labels:    map[string]string{sandboxLabelKey: name},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{sandboxLabelKey: name},
			Ports: []corev1.ServicePort{
				{Name: "dataplane", Port: 8080, TargetPort: intstr.FromInt(8080)},
			},
			Type: corev1.ServiceTypeClusterIP,
		},
	}

	_, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("provider: creating service: %w", err)
	}
	return nil
}

// createNetworkPolicy restricts the sandbox pod's egress to cluster DNS and
// the provider's own control plane. This is a fixed scope, not a
// user-configurable egress filter.
func (c *KubernetesClient) createNetworkPolicy(ctx context.Context, name string) error {
	udp := corev1.ProtocolUDP
	tcp := corev1.ProtocolTCP
	dnsPort := intstr.FromInt(53)

	egress := []networkingv1.NetworkPolicyEgressRule{
		{
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &udp, Port: &dnsPort},
				{Protocol: &tcp, Port: &dnsPort},
			},
		},
	}

	if c.controlPlane != "" {
		controlPort := intstr.FromInt(443)
		egress = append(egress, networkingv1.NetworkPolicyEgressRule{
			To: []networkingv1.NetworkPolicyPeer{
				{IPBlock: &networkingv1.IPBlock{CIDR: c.controlPlane}},
			},
			Ports: []networkingv1.NetworkPolicyPort{
				{Protocol: &tcp, Port: &controlPort},
			},
		})
	}

	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("ssap-egress-%s", name),
			Namespace: c.namespace,
			Labels:    map[string]string{sandboxLabelKey: name},
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{sandboxLabelKey: name},
			},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
			Egress:      egress,
		},
	}

	_, err := c.clientset.NetworkingV1().NetworkPolicies(c.namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("provider: creating network policy: %w", err)
	}
	return nil
}

func (c *KubernetesClient) waitForReady(ctx context.Context, name string) error {
	return wait.PollUntilContextTimeout(ctx, 2*time.Second, c.readyTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName(name), metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		return pod.Status.Phase == corev1.PodRunning, nil
	})
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
