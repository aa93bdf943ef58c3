package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sttts/kcsync/internal/cluster"
	"github.com/sttts/kcsync/pkg/resources"
)

func newGetCommand(o *rootOptions) *cobra.Command {
	var (
		output string
		live   bool
	)
	cmd := &cobra.Command{
		Use:   "get RESOURCE [NAME]",
		Short: "Load a resource kind into the store and print it",
		Example: `  kcsync get pods -n kube-system
  kcsync get deployments.apps my-app -o yaml
  kcsync get ns
  kcsync get cm kube-root-ca.crt -n default --live`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := parseOutput(output)
			if err != nil {
				return err
			}
			f, defaultNS, err := o.connect()
			if err != nil {
				return err
			}
			var name string
			if len(args) == 2 {
				name = args[1]
			}
			if live && name == "" {
				return errors.New("--live needs a NAME")
			}
			load := loadObjects
			if live {
				load = fetchObject
			}
			api, objs, err := load(cmd.Context(), f, args[0], o.namespace(), defaultNS, name)
			if err != nil {
				return err
			}
			return printObjects(o.out, format, api, objs, time.Now())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output format: wide, name, yaml or json")
	cmd.Flags().BoolVar(&live, "live", false, "read the named object from the server instead of loading the store")
	return cmd
}

// loadObjects loads the kind named by resource and returns the cached
// objects of namespace, or the single object called name. A name lookup
// of a namespaced kind without a namespace uses defaultNS.
func loadObjects(ctx context.Context, f *cluster.Frame, resource, namespace, defaultNS, name string) (resources.API, []*resources.KubeObject, error) {
	api, err := f.ResolveAPI(resource)
	if err != nil {
		return api, nil, err
	}
	s, err := f.StoreForAPI(api)
	if err != nil {
		return api, nil, err
	}
	if !api.Namespaced {
		namespace = ""
	} else if name != "" && namespace == "" {
		namespace = defaultNS
	}
	if err := s.LoadAll(ctx, namespace); err != nil {
		return api, nil, fmt.Errorf("failed to load %s: %w", api.Resource, err)
	}

	if name != "" {
		obj, ok := s.GetByName(name, namespace)
		if !ok {
			return api, nil, fmt.Errorf("%s %q: %w", api.Resource, name, resources.ErrNotFound)
		}
		return api, []*resources.KubeObject{obj}, nil
	}
	if namespace != "" {
		return api, s.ItemsIn(namespace), nil
	}
	return api, s.Items(), nil
}

// fetchObject reads the single object called name from the server.
func fetchObject(ctx context.Context, f *cluster.Frame, resource, namespace, defaultNS, name string) (resources.API, []*resources.KubeObject, error) {
	api, err := f.ResolveAPI(resource)
	if err != nil {
		return api, nil, err
	}
	if api.Namespaced && namespace == "" {
		namespace = defaultNS
	}
	obj, err := f.Fetch(ctx, api, namespace, name)
	if err != nil {
		return api, nil, err
	}
	return api, []*resources.KubeObject{obj}, nil
}
