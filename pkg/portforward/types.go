// Package portforward manages local TCP tunnels into pods and services.
// Sessions are deduplicated by target identity; the manager is the only owner
// of the local ports it binds.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// TargetKind is the kind of object a session forwards to.
type TargetKind string

const (
	Pod     TargetKind = "Pod"
	Service TargetKind = "Service"
)

// ParseTargetKind accepts "pod", "po", "service", "svc" in any case.
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(s) {
	case "pod", "pods", "po":
		return Pod, nil
	case "service", "services", "svc":
		return Service, nil
	}
	return "", fmt.Errorf("unsupported target kind %q", s)
}

// Status is the lifecycle state of a session.
//
//	Starting -> Active -> Disconnected -> Starting (retry)
//	Active -> Closed, Disconnected -> Closed
type Status string

const (
	Starting     Status = "Starting"
	Active       Status = "Active"
	Disconnected Status = "Disconnected"
	Closed       Status = "Closed"
)

// DefaultProtocol is the only protocol the SPDY transport forwards.
const DefaultProtocol = "TCP"

var (
	// ErrDuplicateSession is matched by DuplicateSessionError.
	ErrDuplicateSession = errors.New("duplicate port-forward session")
	// ErrNoSession is returned for operations on unknown or closed sessions.
	ErrNoSession = errors.New("no such port-forward session")
)

// DuplicateSessionError is returned by Open when a live session exists for the key.
type DuplicateSessionError struct {
	Key Key
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("port-forward to %s already exists", e.Key)
}

func (e *DuplicateSessionError) Is(target error) bool {
	return target == ErrDuplicateSession
}

// Target names the pod or service to forward to.
type Target struct {
	Kind      TargetKind
	Namespace string
	Name      string
}

func (t Target) String() string {
	return fmt.Sprintf("%s/%s/%s", strings.ToLower(string(t.Kind)), t.Namespace, t.Name)
}

// Key is the identity of a session. At most one session that is not Closed
// exists per key.
type Key struct {
	Target
	TargetPort int
	Protocol   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%s", k.Target, k.TargetPort, k.Protocol)
}

// Item is a snapshot of one session.
type Item struct {
	Key
	LocalPort int
	Status    Status
	// Pod is the pod actually connected to; it differs from Name for services.
	Pod       string
	LastError error
}

// Address returns the local address the session listens on.
func (i Item) Address(bindAddress string) string {
	return fmt.Sprintf("%s:%d", bindAddress, i.LocalPort)
}

// Record is the persisted form of a session.
type Record struct {
	Kind       TargetKind `json:"kind"`
	Namespace  string     `json:"namespace"`
	Name       string     `json:"name"`
	TargetPort int        `json:"targetPort"`
	LocalPort  int        `json:"localPort,omitempty"`
	Protocol   string     `json:"protocol,omitempty"`
}

// RecordSink stores the session list, e.g. to restore it on the next start.
type RecordSink interface {
	SaveRecords(records []Record) error
}

// TunnelSpec describes one tunnel to open.
type TunnelSpec struct {
	Key
	LocalPort   int
	BindAddress string
}

// Tunnel is a running forwarder. Ready is closed once the local listener
// accepts connections, Done once the forwarder exited. Close is idempotent.
type Tunnel interface {
	Ready() <-chan struct{}
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed.
	Err() error
	// Pod is the pod the tunnel connects to.
	Pod() string
	Close()
}

// Tunneler opens tunnels. The tunnel must outlive ctx; ctx only bounds setup.
type Tunneler interface {
	Open(ctx context.Context, spec TunnelSpec) (Tunnel, error)
}
