package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sttts/kcsync/pkg/portforward"
)

type portSpec struct {
	local    int
	remote   int
	protocol string
}

// parsePortSpec parses [LOCAL:]REMOTE[/PROTOCOL]. A bare REMOTE prefers the
// same local port, an empty LOCAL picks a free one.
func parsePortSpec(s string) (portSpec, error) {
	var ps portSpec
	if rest, proto, ok := strings.Cut(s, "/"); ok {
		s, ps.protocol = rest, strings.ToUpper(proto)
	}
	local, remote, hasLocal := strings.Cut(s, ":")
	if !hasLocal {
		remote = local
	}
	r, err := strconv.Atoi(remote)
	if err != nil || r < 1 || r > 65535 {
		return ps, fmt.Errorf("invalid remote port in %q", s)
	}
	ps.remote = r
	switch {
	case !hasLocal:
		ps.local = r
	case local != "":
		l, err := strconv.Atoi(local)
		if err != nil || l < 1 || l > 65535 {
			return ps, fmt.Errorf("invalid local port in %q", s)
		}
		ps.local = l
	}
	return ps, nil
}

// parseTarget parses TYPE/NAME or NAME, which is a pod.
func parseTarget(s, namespace string) (portforward.Target, error) {
	kind, name := portforward.Pod, s
	if k, n, ok := strings.Cut(s, "/"); ok {
		var err error
		if kind, err = portforward.ParseTargetKind(k); err != nil {
			return portforward.Target{}, err
		}
		name = n
	}
	if name == "" {
		return portforward.Target{}, fmt.Errorf("missing name in %q", s)
	}
	return portforward.Target{Kind: kind, Namespace: namespace, Name: name}, nil
}

func newPortForwardCommand(o *rootOptions) *cobra.Command {
	var (
		restore   bool
		reconnect time.Duration
	)
	cmd := &cobra.Command{
		Use:     "port-forward TYPE/NAME [LOCAL:]REMOTE[/PROTOCOL]...",
		Aliases: []string{"pf"},
		Short:   "Forward local ports to a pod or service until interrupted",
		Example: `  kcsync port-forward svc/grafana 3000:80 -n monitoring
  kcsync port-forward my-pod :8080
  kcsync port-forward --restore`,
		Args: func(cmd *cobra.Command, args []string) error {
			if restore {
				return nil
			}
			return cobra.MinimumNArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			f, defaultNS, err := o.connect()
			if err != nil {
				return err
			}
			m := f.PortForwards()

			unsubscribe := m.Subscribe(func(it portforward.Item) {
				reportItem(o, m.BindAddress(), it)
				if it.Status == portforward.Disconnected && reconnect > 0 {
					time.AfterFunc(reconnect, func() { retry(ctx, o, m, it) })
				}
			})
			defer unsubscribe()

			if restore {
				if o.records == nil {
					return errors.New("--restore needs portForward.recordsFile in the config")
				}
				records, err := loadRecords(o.records.path)
				if err != nil {
					return fmt.Errorf("failed to read port-forward records: %w", err)
				}
				m.Restore(ctx, records)
			}

			if len(args) > 0 {
				ns := o.namespace()
				if ns == "" {
					ns = defaultNS
				}
				target, err := parseTarget(args[0], ns)
				if err != nil {
					return err
				}
				for _, arg := range args[1:] {
					ps, err := parsePortSpec(arg)
					if err != nil {
						return err
					}
					opts := []portforward.OpenOption{portforward.WithLocalPort(ps.local)}
					if ps.protocol != "" {
						opts = append(opts, portforward.WithProtocol(ps.protocol))
					}
					if _, err := m.Open(ctx, target, ps.remote, opts...); err != nil {
						return err
					}
				}
			}

			if len(m.Items()) == 0 {
				return errors.New("nothing to forward")
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&restore, "restore", false, "reopen the port-forwards saved in portForward.recordsFile")
	cmd.Flags().DurationVar(&reconnect, "reconnect", 2*time.Second, "delay before reopening a disconnected port-forward, 0 disables")
	return cmd
}

func retry(ctx context.Context, o *rootOptions, m *portforward.Manager, it portforward.Item) {
	if ctx.Err() != nil {
		return
	}
	if _, err := m.Retry(ctx, it); err != nil {
		o.log.V(2).Info("not retrying port-forward", "target", it.Key.String(), "err", err)
	}
}

func reportItem(o *rootOptions, bind string, it portforward.Item) {
	switch it.Status {
	case portforward.Active:
		via := ""
		if it.Kind == portforward.Service {
			via = " via pod " + it.Pod
		}
		fmt.Fprintf(o.out, "Forwarding from %s -> %s%s\n", it.Address(bind), it.Key, via)
	case portforward.Disconnected:
		fmt.Fprintf(o.out, "Disconnected %s: %v\n", it.Key, it.LastError)
	case portforward.Closed:
		fmt.Fprintf(o.out, "Closed %s\n", it.Key)
	}
}
