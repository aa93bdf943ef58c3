package resources

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
)

// LoopState is the state of a watch loop.
type LoopState int

const (
	Idle LoopState = iota
	Connecting
	Streaming
	Reconnecting
)

func (s LoopState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case Streaming:
		return "Streaming"
	case Reconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("LoopState(%d)", int(s))
	}
}

// Backoff configures the reconnect delay of watch loops: Base doubles after
// every failed attempt up to Cap, and drops back to Base once a stream stayed
// up for ResetAfter.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	ResetAfter time.Duration
}

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second, ResetAfter: time.Minute}
}

func (b Backoff) steps() *wait.Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	return &wait.Backoff{
		Duration: b.Base,
		Factor:   2,
		Cap:      b.Cap,
		Steps:    math.MaxInt32,
	}
}

// watchLoop keeps one scope (a namespace, or "" for all) of a store current:
// it lists, hands the snapshot to the store, then streams events from the
// list's version until the stream fails, and starts over after a backoff.
type watchLoop struct {
	store *Store
	scope string
	log   logr.Logger

	// refs is guarded by store.loopMu.
	refs int

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     LoopState
	synced    bool
	lastErr   error
	attempted chan struct{}
	once      sync.Once
}

func newWatchLoop(s *Store, scope string) *watchLoop {
	return &watchLoop{
		store:     s,
		scope:     scope,
		log:       s.log.WithValues("namespace", scope),
		done:      make(chan struct{}),
		attempted: make(chan struct{}),
	}
}

func (l *watchLoop) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// stop cancels the loop and waits until it has exited. Queue work of the
// loop that is still running may outlive it.
func (l *watchLoop) stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// State returns the current loop state.
func (l *watchLoop) State() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *watchLoop) setState(s LoopState) {
	l.mu.Lock()
	old := l.state
	l.state = s
	l.mu.Unlock()
	if old != s {
		l.log.V(2).Info("watch loop state", "from", old.String(), "to", s.String())
	}
}

// finishAttempt records the outcome of a connect attempt.
func (l *watchLoop) finishAttempt(err error) {
	l.mu.Lock()
	if err == nil {
		l.synced = true
	}
	l.lastErr = err
	l.mu.Unlock()
	l.once.Do(func() { close(l.attempted) })
}

// waitAttempt blocks until the loop finished its first connect attempt and
// returns nil once a snapshot was applied, the last connect error otherwise.
func (l *watchLoop) waitAttempt(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.attempted:
	case <-l.done:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.synced {
		return nil
	}
	if l.lastErr != nil {
		return l.lastErr
	}
	return ErrStreamClosed
}

func (l *watchLoop) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(Idle)

	bo := l.store.backoff.steps()
	for {
		l.setState(Connecting)
		started, err := l.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if !started.IsZero() && l.store.now().Sub(started) >= l.store.backoff.ResetAfter {
			bo = l.store.backoff.steps()
		}

		l.setState(Reconnecting)
		if qerr := l.store.queue.runInterruptible(ctx, func() { l.store.markStale(l.scope) }); qerr != nil {
			return
		}
		delay := bo.Step()
		if IsRecoverable(err) {
			l.log.V(2).Info("watch interrupted, reconnecting", "err", err, "delay", delay)
		} else {
			l.log.Error(err, "watch failed, retrying", "delay", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.store.after(delay):
		}
	}
}

// connect lists, applies the snapshot and consumes the stream until it ends.
// It returns when streaming started, zero if it never did.
func (l *watchLoop) connect(ctx context.Context) (time.Time, error) {
	client := l.store.client
	collection := l.store.api.Collection(l.scope)

	list, err := client.List(ctx, collection)
	if err != nil {
		l.finishAttempt(err)
		return time.Time{}, err
	}
	if err := l.store.queue.runInterruptible(ctx, func() { l.store.applySnapshot(l.scope, list) }); err != nil {
		return time.Time{}, err
	}
	l.finishAttempt(nil)

	w, err := client.Watch(ctx, collection, list.ResourceVersion)
	if err != nil {
		return time.Time{}, err
	}
	defer w.Stop()

	l.setState(Streaming)
	started := l.store.now()
	for {
		select {
		case <-ctx.Done():
			return started, ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return started, ErrStreamClosed
			}
			if err := l.handle(ctx, ev); err != nil {
				return started, err
			}
		}
	}
}

// handle applies one raw stream event. Malformed objects are skipped; an
// error return ends the stream.
func (l *watchLoop) handle(ctx context.Context, ev watch.Event) error {
	switch ev.Type {
	case watch.Bookmark:
		return nil
	case watch.Error:
		status, _ := ev.Object.(*metav1.Status)
		if isWatchDecodeError(status) {
			l.log.Error(fmt.Errorf("%w: %s", ErrValidationFailed, status.Message), "skipping undecodable watch event")
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStreamClosed, apierrors.FromObject(ev.Object))
	case watch.Added, watch.Modified, watch.Deleted:
	default:
		l.log.V(2).Info("ignoring watch event", "type", ev.Type)
		return nil
	}

	obj, err := l.decode(ev.Object)
	if err != nil {
		l.log.Error(err, "skipping malformed watch object", "type", ev.Type)
		return nil
	}
	l.log.V(4).Info("watch event", "type", ev.Type, "link", obj.SelfLink(), "resourceVersion", obj.ResourceVersion())
	return l.store.queue.runInterruptible(ctx, func() { l.store.applyEvent(WatchEvent{Type: ev.Type, Object: obj}) })
}

func (l *watchLoop) decode(o runtime.Object) (*KubeObject, error) {
	var u *unstructured.Unstructured
	switch t := o.(type) {
	case *unstructured.Unstructured:
		u = t
	case nil:
		return nil, validationErrorf("watch event without object")
	default:
		m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(o)
		if err != nil {
			return nil, validationErrorf("convert %T: %v", o, err)
		}
		u = &unstructured.Unstructured{Object: m}
	}
	if u.GetKind() == "" {
		u = u.DeepCopy()
		u.SetGroupVersionKind(l.store.api.GroupVersionKind)
	}
	return NewKubeObject(l.store.api, u)
}

// isWatchDecodeError reports whether a stream error status only describes one
// event the client could not decode.
func isWatchDecodeError(status *metav1.Status) bool {
	if status == nil {
		return false
	}
	if strings.Contains(status.Message, "unable to decode an event from the watch stream") {
		return true
	}
	if status.Details != nil {
		for _, cause := range status.Details.Causes {
			if cause.Type == metav1.CauseTypeUnexpectedServerResponse || string(cause.Type) == "ClientWatchDecoding" {
				return true
			}
		}
	}
	return false
}

// IsRecoverable reports whether err is a stream or transport failure a loop recovers from.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrConnectionLost)
}
