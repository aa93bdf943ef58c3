package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sttts/kcsync/pkg/namespaces"
)

func newNamespacesCommand(o *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:     "namespaces",
		Aliases: []string{"ns", "tree"},
		Short:   "Print the namespace hierarchy built from SubnamespaceAnchors",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := o.connect()
			if err != nil {
				return err
			}
			b, err := f.Namespaces(cmd.Context())
			if err != nil {
				return err
			}
			printTree(o.out, b.Tree())
			if !follow {
				return nil
			}

			unsubscribe := b.Subscribe(func(roots []*namespaces.Node) {
				fmt.Fprintln(o.out, "---")
				printTree(o.out, roots)
			})
			defer unsubscribe()
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "reprint the hierarchy on every change")
	return cmd
}

func printTree(w io.Writer, roots []*namespaces.Node) {
	for _, n := range namespaces.Flatten(roots) {
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", n.Depth), n.Name())
	}
}
