package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sttts/kcsync/pkg/patch"
	"github.com/sttts/kcsync/pkg/resources"
)

func newWatchCommand(o *rootOptions) *cobra.Command {
	var diff, raw bool
	cmd := &cobra.Command{
		Use:   "watch RESOURCE",
		Short: "Follow the store of a resource kind and print every change",
		Example: `  kcsync watch configmaps -n default --diff
  kcsync watch nodes
  kcsync watch deployments.apps --diff --raw`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := o.connect()
			if err != nil {
				return err
			}
			api, err := f.ResolveAPI(args[0])
			if err != nil {
				return err
			}
			s, err := f.StoreForAPI(api)
			if err != nil {
				return err
			}
			ns := o.namespace()
			if !api.Namespaced {
				ns = ""
			}

			p := &eventPrinter{w: o.out, diff: diff, raw: raw, last: map[string]*resources.KubeObject{}}
			unsubscribe := s.Subscribe(p.print)
			defer unsubscribe()

			cancel := s.Watch(ns)
			defer cancel()
			o.log.Info("watching", "resource", api.Resource, "namespace", ns)

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&diff, "diff", false, "print a JSON patch for every modification")
	cmd.Flags().BoolVar(&raw, "raw", false, "with --diff, include status and server-managed metadata in the patch")
	return cmd
}

// eventPrinter prints store events. It is only called from the store's
// queue, so last needs no lock.
type eventPrinter struct {
	w    io.Writer
	diff bool
	raw  bool
	last map[string]*resources.KubeObject
}

func (p *eventPrinter) print(ev resources.StoreEvent) {
	switch ev.Type {
	case resources.Synced, resources.Stale:
		scope := ev.Namespace
		if scope == "" {
			scope = "<all>"
		}
		fmt.Fprintf(p.w, "%-8s %s\n", strings.ToUpper(string(ev.Type)), scope)
		return
	case resources.Reset:
		clear(p.last)
		fmt.Fprintln(p.w, "RESET")
		return
	}

	o := ev.Object
	id := o.Name()
	if o.Namespace() != "" {
		id = o.Namespace() + "/" + o.Name()
	}
	fmt.Fprintf(p.w, "%-8s %s rv=%s\n", strings.ToUpper(string(ev.Type)), id, o.ResourceVersion())

	prev := p.last[o.SelfLink()]
	if ev.Type == resources.Deleted {
		delete(p.last, o.SelfLink())
		return
	}
	p.last[o.SelfLink()] = o
	if !p.diff || ev.Type != resources.Modified || prev == nil {
		return
	}
	compute := patch.Compute
	if p.raw {
		compute = patch.ComputeRaw
	}
	ops, err := compute(prev.Object(), o.Object())
	switch {
	case err != nil:
		fmt.Fprintf(p.w, "         <diff failed: %v>\n", err)
	case len(ops) > 0:
		fmt.Fprintf(p.w, "         %s\n", ops.String())
	}
}
