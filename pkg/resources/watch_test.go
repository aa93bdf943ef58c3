package resources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	kctesting "github.com/sttts/kcsync/internal/testing"
)

const waitTimeout = 5 * time.Second

func nextWatcher(t *testing.T, fc *fakeClient) *watch.FakeWatcher {
	t.Helper()
	return kctesting.Receive(t, fc.watchers, waitTimeout, "watch to be opened")
}

func eventuallyVersions(t *testing.T, s *Store, want ...string) {
	t.Helper()
	kctesting.Eventually(t, waitTimeout, 5*time.Millisecond, func() bool {
		return cmp.Equal(want, versions(s))
	}, "cache did not reach expected versions")
}

func TestWatchLoopListsThenStreams(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient(configMapAPI, configMap("ns", "a", "1"))
	fc.setList("10", configMap("ns", "a", "1"))
	s := newTestStore(t, fc)

	if err := s.LoadAll(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"ns/a@1"}, versions(s)); diff != "" {
		t.Fatalf("snapshot not applied (-want +got):\n%s", diff)
	}

	w := nextWatcher(t, fc)
	if rv := fc.lastWatchRV(); rv != "10" {
		t.Fatalf("expected watch from list version 10, got %q", rv)
	}
	kctesting.Eventually(t, waitTimeout, 5*time.Millisecond, func() bool {
		return s.LoopState("") == Streaming
	}, "loop not streaming")

	w.Add(kctesting.ConfigMap("ns", "b", "11", nil))
	w.Modify(kctesting.ConfigMap("ns", "a", "12", nil))
	eventuallyVersions(t, s, "ns/a@12", "ns/b@11")

	w.Delete(kctesting.ConfigMap("ns", "b", "13", nil))
	eventuallyVersions(t, s, "ns/a@12")
}

func TestWatchLoopReconnectsAfterStreamEnds(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient(configMapAPI)
	fc.setList("1", configMap("ns", "a", "1"))
	s := newTestStore(t, fc)

	stale := make(chan struct{}, 4)
	defer s.Subscribe(func(ev StoreEvent) {
		if ev.Type == Stale {
			stale <- struct{}{}
		}
	})()

	if err := s.LoadAll(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	w := nextWatcher(t, fc)

	fc.setList("5", configMap("ns", "a", "3"), configMap("ns", "c", "4"))
	w.Stop()

	kctesting.Receive(t, stale, waitTimeout, "stale notification")
	w2 := nextWatcher(t, fc)
	if rv := fc.lastWatchRV(); rv != "5" {
		t.Fatalf("expected watch from relist version 5, got %q", rv)
	}
	eventuallyVersions(t, s, "ns/a@3", "ns/c@4")
	if s.Stale() {
		t.Fatalf("store still stale after resync")
	}

	w2.Add(kctesting.ConfigMap("ns", "d", "6", nil))
	eventuallyVersions(t, s, "ns/a@3", "ns/c@4", "ns/d@6")
}

func TestWatchLoopReconnectsOnErrorEvent(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	s := newTestStore(t, fc)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	w := nextWatcher(t, fc)
	w.Error(&metav1.Status{Status: metav1.StatusFailure, Code: http.StatusGone, Reason: metav1.StatusReasonExpired, Message: "too old resource version"})
	nextWatcher(t, fc)
	if n := fc.listCount(); n < 2 {
		t.Fatalf("expected a relist, got %d lists", n)
	}
}

func TestWatchLoopSkipsMalformedEvents(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	s := newTestStore(t, fc)
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	w := nextWatcher(t, fc)

	noName := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   map[string]any{"namespace": "ns"},
	}}
	badLabels := kctesting.ConfigMap("ns", "bad", "2", nil)
	badLabels.Object["metadata"].(map[string]any)["labels"] = "not-a-map"

	w.Add(noName)
	w.Add(badLabels)
	w.Error(&metav1.Status{Status: metav1.StatusFailure, Message: "unable to decode an event from the watch stream: boom"})
	w.Add(kctesting.ConfigMap("ns", "good", "3", nil))

	eventuallyVersions(t, s, "ns/good@3")
	select {
	case extra := <-fc.watchers:
		t.Fatalf("malformed events caused a reconnect: %v", extra)
	default:
	}
}

func TestWatchLoopReleaseStopsStream(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	s := newTestStore(t, fc)

	cancel1 := s.Watch("ns")
	cancel2 := s.Watch("ns")
	w := nextWatcher(t, fc)
	kctesting.Eventually(t, waitTimeout, 5*time.Millisecond, func() bool {
		return s.LoopState("ns") == Streaming
	}, "loop not streaming")

	cancel1()
	cancel1()
	if w.IsStopped() {
		t.Fatalf("stream stopped while a subscriber remains")
	}
	cancel2()
	if !w.IsStopped() {
		t.Fatalf("stream not stopped after last unsubscribe")
	}
	if st := s.LoopState("ns"); st != Idle {
		t.Fatalf("expected Idle, got %s", st)
	}
}

func TestWatchCancelFromSubscriber(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	s := newTestStore(t, fc)

	var cancel func()
	cancelled := make(chan struct{})
	defer s.Subscribe(func(ev StoreEvent) {
		if ev.Type == Added && ev.Object.Name() == "stop" {
			cancel()
			close(cancelled)
		}
	})()

	cancel = s.Watch("ns")
	w := nextWatcher(t, fc)
	w.Add(kctesting.ConfigMap("ns", "stop", "2", nil))

	kctesting.Receive(t, cancelled, waitTimeout, "subscriber to cancel its watch")
	kctesting.Eventually(t, waitTimeout, 5*time.Millisecond, func() bool {
		return w.IsStopped()
	}, "stream not stopped")
	if st := s.LoopState("ns"); st != Idle {
		t.Fatalf("expected Idle, got %s", st)
	}

	// the queue is still usable
	if err := s.ApplyEvent(context.Background(), WatchEvent{Type: watch.Added, Object: configMap("ns", "b", "3")}); err != nil {
		t.Fatalf("apply after cancel: %v", err)
	}
}

func TestLoadAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient(configMapAPI)
	s := newTestStore(t, fc)
	for i := 0; i < 3; i++ {
		if err := s.LoadAll(ctx); err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
	}
	nextWatcher(t, fc)
	if n := fc.listCount(); n != 1 {
		t.Fatalf("expected one list, got %d", n)
	}
	select {
	case <-fc.watchers:
		t.Fatalf("second watch opened")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoadAllSeveralNamespaces(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	fc.setList("1", configMap("a", "x", "1"), configMap("b", "y", "1"), configMap("c", "z", "1"))
	s := newTestStore(t, fc)
	if err := s.LoadAll(context.Background(), "a", "b", "a"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]string{"a/x@1", "b/y@1"}, versions(s)); diff != "" {
		t.Fatalf("unexpected cache (-want +got):\n%s", diff)
	}
	if n := fc.listCount(); n != 2 {
		t.Fatalf("expected one list per namespace, got %d", n)
	}
}

func TestLoadAllReportsFirstConnectError(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	fc.setListErr(&RequestFailedError{StatusCode: http.StatusForbidden, Message: "forbidden"})
	s := newTestStore(t, fc)

	err := s.LoadAll(context.Background())
	if !IsRequestFailed(err, http.StatusForbidden) {
		t.Fatalf("expected 403, got %v", err)
	}

	// the loop keeps retrying and recovers once the list succeeds
	fc.setList("2", configMap("ns", "a", "2"))
	eventuallyVersions(t, s, "ns/a@2")
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load after recovery: %v", err)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	bo := Backoff{Base: time.Second, Cap: 4 * time.Second}.steps()
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, bo.Step())
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected delays (-want +got):\n%s", diff)
	}
}

func TestWatchLoopBackoffResetsAfterLongStream(t *testing.T) {
	fc := newFakeClient(configMapAPI)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, fc, WithClock(clock.Now), WithBackoff(Backoff{Base: time.Millisecond, Cap: time.Second, ResetAfter: time.Minute}))
	delays := make(chan time.Duration, 16)
	s.after = func(d time.Duration) <-chan time.Time {
		delays <- d
		return time.After(0)
	}
	if err := s.LoadAll(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	closeStream := func(w *watch.FakeWatcher) time.Duration {
		t.Helper()
		w.Stop()
		return kctesting.Receive(t, delays, waitTimeout, "reconnect delay")
	}

	// short streams keep doubling
	if d := closeStream(nextWatcher(t, fc)); d != time.Millisecond {
		t.Fatalf("first delay %s, want 1ms", d)
	}
	if d := closeStream(nextWatcher(t, fc)); d != 2*time.Millisecond {
		t.Fatalf("second delay %s, want 2ms", d)
	}

	// a stream that stayed up for ResetAfter starts over at Base
	w := nextWatcher(t, fc)
	w.Add(kctesting.ConfigMap("ns", "a", "2", nil))
	eventuallyVersions(t, s, "ns/a@2")
	clock.Step(2 * time.Minute)
	if d := closeStream(w); d != time.Millisecond {
		t.Fatalf("delay after long stream %s, want 1ms", d)
	}
	if d := closeStream(nextWatcher(t, fc)); d != 2*time.Millisecond {
		t.Fatalf("delay after reset %s, want 2ms", d)
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrStreamClosed, true},
		{fmt.Errorf("%w: too old resource version", ErrStreamClosed), true},
		{classifyError(errors.New("dial tcp: connection refused")), true},
		{&RequestFailedError{StatusCode: http.StatusForbidden, Message: "forbidden"}, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := IsRecoverable(tt.err); got != tt.want {
			t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsWatchDecodeError(t *testing.T) {
	if isWatchDecodeError(nil) {
		t.Fatalf("nil status is not a decode error")
	}
	if isWatchDecodeError(&metav1.Status{Message: "too old resource version"}) {
		t.Fatalf("expiry reported as decode error")
	}
	st := &metav1.Status{Details: &metav1.StatusDetails{Causes: []metav1.StatusCause{{Type: "ClientWatchDecoding"}}}}
	if !isWatchDecodeError(st) {
		t.Fatalf("decoding cause not detected")
	}
}
