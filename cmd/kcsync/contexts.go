package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sttts/kcsync/pkg/kubeconfig"
)

func newContextsCommand(o *rootOptions) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "List the contexts of all kubeconfigs in ~/.kube",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				var err error
				if dir, err = kubeconfig.DefaultDir(); err != nil {
					return err
				}
			}
			m := kubeconfig.NewManager()
			if err := m.Discover(dir); err != nil {
				return err
			}
			return printContexts(o.out, m.Contexts())
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to search for kubeconfigs (default: $HOME/.kube)")
	return cmd
}

func printContexts(w io.Writer, contexts []*kubeconfig.Context) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CURRENT\tNAME\tCLUSTER\tSERVER\tNAMESPACE\tKUBECONFIG")
	for _, c := range contexts {
		current := ""
		if c.Current {
			current = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", current, c.Name, c.Cluster, c.Server, c.Namespace, c.Kubeconfig.Path)
	}
	return tw.Flush()
}
