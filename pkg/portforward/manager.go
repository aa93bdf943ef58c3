package portforward

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/sttts/kcsync/pkg/resources"
)

const (
	DefaultBindAddress  = "127.0.0.1"
	DefaultReadyTimeout = 10 * time.Second
)

var errReadyTimeout = errors.New("timed out waiting for the tunnel to become ready")

type session struct {
	item   Item
	tunnel Tunnel
	cancel context.CancelFunc
	// gen increases on every start so monitors of old tunnels stand down.
	gen int
}

// Manager owns all port-forward sessions of a frame.
type Manager struct {
	tunneler     Tunneler
	log          logr.Logger
	bindAddress  string
	readyTimeout time.Duration
	sink         RecordSink

	mu       sync.Mutex
	sessions map[Key]*session

	subMu   sync.Mutex
	subs    map[int]func(Item)
	nextSub int
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(log logr.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithBindAddress sets the local address tunnels listen on.
func WithBindAddress(addr string) Option {
	return func(m *Manager) {
		if addr != "" {
			m.bindAddress = addr
		}
	}
}

// WithReadyTimeout bounds how long Open waits for a tunnel to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.readyTimeout = d
		}
	}
}

// WithRecordSink receives the session list after every change.
func WithRecordSink(sink RecordSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// NewManager creates a manager opening tunnels through t.
func NewManager(t Tunneler, opts ...Option) *Manager {
	m := &Manager{
		tunneler:     t,
		log:          klog.Background(),
		bindAddress:  DefaultBindAddress,
		readyTimeout: DefaultReadyTimeout,
		sessions:     map[Key]*session{},
		subs:         map[int]func(Item){},
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.WithName("portforward")
	return m
}

// BindAddress returns the local address tunnels listen on.
func (m *Manager) BindAddress() string { return m.bindAddress }

type openOptions struct {
	localPort int
	protocol  string
}

// OpenOption tunes a single Open call.
type OpenOption func(*openOptions)

// WithLocalPort asks for a specific local port. Another free port is used
// when it is taken.
func WithLocalPort(port int) OpenOption {
	return func(o *openOptions) { o.localPort = port }
}

// WithProtocol sets the protocol of the identity key, TCP by default.
func WithProtocol(protocol string) OpenOption {
	return func(o *openOptions) { o.protocol = strings.ToUpper(protocol) }
}

func checkTarget(target Target, targetPort int) error {
	switch {
	case target.Kind != Pod && target.Kind != Service:
		return fmt.Errorf("%w: unsupported target kind %q", resources.ErrValidationFailed, target.Kind)
	case target.Namespace == "" || target.Name == "":
		return fmt.Errorf("%w: target %s needs namespace and name", resources.ErrValidationFailed, target)
	case !validPort(targetPort):
		return fmt.Errorf("%w: invalid target port %d", resources.ErrValidationFailed, targetPort)
	}
	return nil
}

// Open starts a session to targetPort of target. It fails with a
// DuplicateSessionError when a session for the same key is not Closed.
// A tunnel that cannot be established is not an error: the session is
// returned as Disconnected with LastError set and can be retried.
func (m *Manager) Open(ctx context.Context, target Target, targetPort int, opts ...OpenOption) (Item, error) {
	o := openOptions{protocol: DefaultProtocol}
	for _, fn := range opts {
		fn(&o)
	}
	if err := checkTarget(target, targetPort); err != nil {
		return Item{}, err
	}
	key := Key{Target: target, TargetPort: targetPort, Protocol: o.protocol}

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok && s.item.Status != Closed {
		m.mu.Unlock()
		return Item{}, &DuplicateSessionError{Key: key}
	}
	s := &session{item: Item{Key: key, Status: Starting}}
	m.sessions[key] = s
	item := s.item
	m.mu.Unlock()

	m.log.V(2).Info("opening port-forward", "target", key.String(), "preferredPort", o.localPort)
	m.notify(item)
	return m.start(ctx, s, o.localPort)
}

// Retry restarts a Disconnected session, reusing its last local port if free.
func (m *Manager) Retry(ctx context.Context, item Item) (Item, error) {
	m.mu.Lock()
	s, ok := m.sessions[item.Key]
	if !ok {
		m.mu.Unlock()
		return Item{}, fmt.Errorf("%s: %w", item.Key, ErrNoSession)
	}
	if s.item.Status != Disconnected {
		cur := s.item
		m.mu.Unlock()
		return cur, fmt.Errorf("cannot retry %s in state %s", item.Key, cur.Status)
	}
	old, cancel := s.tunnel, s.cancel
	s.tunnel, s.cancel = nil, nil
	s.gen++
	s.item.Status = Starting
	s.item.LastError = nil
	preferred := s.item.LocalPort
	cur := s.item
	m.mu.Unlock()

	stopTunnel(old, cancel)
	m.notify(cur)
	return m.start(ctx, s, preferred)
}

func stopTunnel(t Tunnel, cancel context.CancelFunc) {
	if t != nil {
		t.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// start allocates a local port, opens the tunnel and waits for it to become
// ready. s is in state Starting.
func (m *Manager) start(ctx context.Context, s *session, preferred int) (Item, error) {
	m.mu.Lock()
	gen := s.gen
	m.mu.Unlock()

	port, err := m.allocatePort(s, preferred)
	if err != nil {
		return m.fail(s, gen, err), nil
	}

	m.mu.Lock()
	if !m.current(s, gen) {
		item := s.item
		m.mu.Unlock()
		return item, nil
	}
	s.item.LocalPort = port
	spec := TunnelSpec{Key: s.item.Key, LocalPort: port, BindAddress: m.bindAddress}
	m.mu.Unlock()

	// the tunnel lives until Close, independent of the caller's context
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t, err := m.tunneler.Open(tctx, spec)
	if err != nil {
		cancel()
		return m.fail(s, gen, err), nil
	}

	m.mu.Lock()
	if !m.current(s, gen) {
		// closed while we were connecting
		item := s.item
		m.mu.Unlock()
		stopTunnel(t, cancel)
		return item, nil
	}
	s.tunnel, s.cancel = t, cancel
	s.item.Pod = t.Pod()
	m.mu.Unlock()

	timer := time.NewTimer(m.readyTimeout)
	defer timer.Stop()
	select {
	case <-t.Ready():
	case <-t.Done():
		err := t.Err()
		if err == nil {
			err = errors.New("tunnel exited before it became ready")
		}
		return m.fail(s, gen, err), nil
	case <-timer.C:
		return m.fail(s, gen, errReadyTimeout), nil
	case <-ctx.Done():
		return m.fail(s, gen, ctx.Err()), ctx.Err()
	}

	m.mu.Lock()
	if !m.current(s, gen) {
		item := s.item
		m.mu.Unlock()
		return item, nil
	}
	s.item.Status = Active
	item := s.item
	m.mu.Unlock()

	m.log.Info("port-forward active", "target", item.Key.String(), "pod", item.Pod, "address", item.Address(m.bindAddress))
	go m.monitor(s, gen, t)
	m.changed(item)
	return item, nil
}

// current reports whether s is still the live session for its key at
// generation gen. Callers hold m.mu.
func (m *Manager) current(s *session, gen int) bool {
	return m.sessions[s.item.Key] == s && s.gen == gen && s.item.Status != Closed
}

// allocatePort returns preferred when it is valid, free and not used by
// another session, any free port otherwise.
func (m *Manager) allocatePort(s *session, preferred int) (int, error) {
	if validPort(preferred) && !m.portInUse(s, preferred) && portAvailable(m.bindAddress, preferred) {
		return preferred, nil
	}
	for range 8 {
		port, err := freePort(m.bindAddress)
		if err != nil {
			return 0, err
		}
		if !m.portInUse(s, port) {
			return port, nil
		}
	}
	return 0, errors.New("no free local port")
}

func (m *Manager) portInUse(self *session, port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s != self && s.item.LocalPort == port && s.item.Status != Closed {
			return true
		}
	}
	return false
}

// fail moves s to Disconnected and stops its tunnel.
func (m *Manager) fail(s *session, gen int, err error) Item {
	m.mu.Lock()
	if !m.current(s, gen) {
		item := s.item
		m.mu.Unlock()
		return item
	}
	t, cancel := s.tunnel, s.cancel
	s.tunnel, s.cancel = nil, nil
	s.item.Status = Disconnected
	s.item.LastError = err
	item := s.item
	m.mu.Unlock()

	stopTunnel(t, cancel)
	m.log.Info("port-forward disconnected", "target", item.Key.String(), "err", err)
	m.changed(item)
	return item
}

// monitor turns an unexpected tunnel exit into Disconnected.
func (m *Manager) monitor(s *session, gen int, t Tunnel) {
	<-t.Done()
	err := t.Err()
	if err == nil {
		err = errors.New("tunnel exited")
	}
	m.fail(s, gen, err)
}

// Close stops the session of item and forgets it. Closing an unknown or
// already closed session is a no-op.
func (m *Manager) Close(item Item) {
	m.mu.Lock()
	s, ok := m.sessions[item.Key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, item.Key)
	t, cancel := s.tunnel, s.cancel
	s.tunnel, s.cancel = nil, nil
	s.item.Status = Closed
	closed := s.item
	m.mu.Unlock()

	stopTunnel(t, cancel)
	m.log.V(2).Info("port-forward closed", "target", closed.Key.String())
	m.changed(closed)
}

// CloseAll closes every session. The caller does not wait for graceful
// tunnel shutdown.
func (m *Manager) CloseAll() {
	for _, item := range m.Items() {
		m.Close(item)
	}
}

// Items returns all sessions ordered by key.
func (m *Manager) Items() []Item {
	m.mu.Lock()
	out := make([]Item, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.item)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Item) int { return strings.Compare(a.Key.String(), b.Key.String()) })
	return out
}

// Get returns the session of key.
func (m *Manager) Get(key Key) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Item{}, false
	}
	return s.item, true
}

// Subscribe calls fn on every status change and returns its unsubscribe function.
func (m *Manager) Subscribe(fn func(Item)) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) notify(item Item) {
	m.subMu.Lock()
	subs := make([]func(Item), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(item)
	}
}

// changed notifies subscribers and hands the session list to the sink.
func (m *Manager) changed(item Item) {
	m.notify(item)
	if m.sink == nil {
		return
	}
	if err := m.sink.SaveRecords(m.Records()); err != nil {
		m.log.Error(err, "failed to save port-forward records")
	}
}

// Records returns the persisted form of all sessions.
func (m *Manager) Records() []Record {
	items := m.Items()
	out := make([]Record, 0, len(items))
	for _, it := range items {
		out = append(out, Record{
			Kind:       it.Kind,
			Namespace:  it.Namespace,
			Name:       it.Name,
			TargetPort: it.TargetPort,
			LocalPort:  it.LocalPort,
			Protocol:   it.Protocol,
		})
	}
	return out
}

// Restore opens a session per record. Records that fail validation or
// duplicate a live session are logged and skipped.
func (m *Manager) Restore(ctx context.Context, records []Record) []Item {
	var out []Item
	for _, r := range records {
		opts := []OpenOption{WithLocalPort(r.LocalPort)}
		if r.Protocol != "" {
			opts = append(opts, WithProtocol(r.Protocol))
		}
		target := Target{Kind: r.Kind, Namespace: r.Namespace, Name: r.Name}
		item, err := m.Open(ctx, target, r.TargetPort, opts...)
		if err != nil {
			m.log.Info("skipping port-forward record", "target", target.String(), "port", r.TargetPort, "err", err)
			continue
		}
		out = append(out, item)
	}
	return out
}
