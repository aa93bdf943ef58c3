package portforward

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
	"k8s.io/klog/v2"
)

// SPDYTunneler forwards through the API server's pods/portforward subresource.
type SPDYTunneler struct {
	config *rest.Config
	client kubernetes.Interface
	log    logr.Logger
}

// NewSPDYTunneler creates a tunneler for the cluster behind config.
func NewSPDYTunneler(config *rest.Config, client kubernetes.Interface, log logr.Logger) *SPDYTunneler {
	if log.GetSink() == nil {
		log = klog.Background()
	}
	return &SPDYTunneler{config: config, client: client, log: log.WithName("spdy")}
}

// Open resolves the target to a pod and starts forwarding spec.LocalPort on
// spec.BindAddress to it.
func (t *SPDYTunneler) Open(ctx context.Context, spec TunnelSpec) (Tunnel, error) {
	if spec.Protocol != "" && spec.Protocol != DefaultProtocol {
		return nil, fmt.Errorf("protocol %s is not supported, only %s", spec.Protocol, DefaultProtocol)
	}

	pod, podPort := spec.Name, spec.TargetPort
	if spec.Kind == Service {
		var err error
		pod, podPort, err = ResolveService(ctx, t.client, spec.Namespace, spec.Name, spec.TargetPort)
		if err != nil {
			return nil, err
		}
	}

	reqURL := t.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(spec.Namespace).
		Name(pod).
		SubResource("portforward").
		URL()

	transport, upgrader, err := spdy.RoundTripperFor(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create SPDY round tripper: %w", err)
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, reqURL)

	log := t.log.WithValues("target", spec.Key.String(), "pod", pod)
	tun := &spdyTunnel{
		pod:   pod,
		stop:  make(chan struct{}),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	ports := []string{fmt.Sprintf("%d:%d", spec.LocalPort, podPort)}
	fw, err := portforward.NewOnAddresses(dialer, []string{spec.BindAddress}, ports, tun.stop, tun.ready,
		&logWriter{log: log}, &logWriter{log: log, errors: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create port forwarder: %w", err)
	}

	go func() {
		err := fw.ForwardPorts()
		tun.finish(err)
	}()
	go func() {
		select {
		case <-ctx.Done():
			tun.Close()
		case <-tun.done:
		}
	}()
	return tun, nil
}

type spdyTunnel struct {
	pod   string
	stop  chan struct{}
	ready chan struct{}
	done  chan struct{}

	stopOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (t *spdyTunnel) Ready() <-chan struct{} { return t.ready }
func (t *spdyTunnel) Done() <-chan struct{}  { return t.done }
func (t *spdyTunnel) Pod() string            { return t.pod }

func (t *spdyTunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *spdyTunnel) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *spdyTunnel) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

// logWriter relays the forwarder's output lines to a logger.
type logWriter struct {
	log    logr.Logger
	errors bool
}

func (w *logWriter) Write(p []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(p))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if w.errors {
			w.log.Info("forwarder error output", "line", line)
		} else {
			w.log.V(4).Info(line)
		}
	}
	return len(p), nil
}

// ResolveService picks a ready pod behind the service and translates the
// service port into the pod's container port. Named target ports are looked
// up in the pod's containers. A port the service does not expose is used on
// the pod as is.
func ResolveService(ctx context.Context, client kubernetes.Interface, namespace, name string, port int) (string, int, error) {
	svc, err := client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("failed to get service %s/%s: %w", namespace, name, err)
	}
	if len(svc.Spec.Selector) == 0 {
		return "", 0, fmt.Errorf("service %s/%s has no selector, cannot find backing pods", namespace, name)
	}

	selector := labels.SelectorFromSet(svc.Spec.Selector)
	pods, err := client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", 0, fmt.Errorf("failed to list pods for service %s/%s: %w", namespace, name, err)
	}
	pod := pickReadyPod(pods.Items)
	if pod == nil {
		return "", 0, fmt.Errorf("no ready pods found for service %s/%s (selector: %s)", namespace, name, selector)
	}

	podPort := port
	for _, sp := range svc.Spec.Ports {
		if int(sp.Port) != port {
			continue
		}
		podPort, err = containerPort(pod, sp)
		if err != nil {
			return "", 0, fmt.Errorf("service %s/%s: %w", namespace, name, err)
		}
		break
	}
	return pod.Name, podPort, nil
}

// pickReadyPod returns the first running pod, by name, whose Ready condition is true.
func pickReadyPod(pods []corev1.Pod) *corev1.Pod {
	slices.SortFunc(pods, func(a, b corev1.Pod) int { return strings.Compare(a.Name, b.Name) })
	for i := range pods {
		p := &pods[i]
		if p.Status.Phase != corev1.PodRunning || p.DeletionTimestamp != nil {
			continue
		}
		for _, c := range p.Status.Conditions {
			if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
				return p
			}
		}
	}
	return nil
}

func containerPort(pod *corev1.Pod, sp corev1.ServicePort) (int, error) {
	switch sp.TargetPort.Type {
	case intstr.String:
		for _, c := range pod.Spec.Containers {
			for _, cp := range c.Ports {
				if cp.Name == sp.TargetPort.StrVal && (cp.Protocol == "" || cp.Protocol == sp.Protocol || sp.Protocol == "") {
					return int(cp.ContainerPort), nil
				}
			}
		}
		return 0, fmt.Errorf("pod %s has no container port named %q", pod.Name, sp.TargetPort.StrVal)
	default:
		if sp.TargetPort.IntVal == 0 {
			return int(sp.Port), nil
		}
		return int(sp.TargetPort.IntVal), nil
	}
}
