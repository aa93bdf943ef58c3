package kubeconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// Kubeconfig represents a kubeconfig file
type Kubeconfig struct {
	Path   string
	Config *api.Config
}

// Context represents a Kubernetes context
type Context struct {
	Name       string
	Cluster    string
	Server     string
	Namespace  string
	User       string
	Current    bool
	Kubeconfig *Kubeconfig
}

// Manager handles kubeconfig discovery
type Manager struct {
	kubeconfigs []*Kubeconfig
	contexts    []*Context
}

// NewManager creates a new kubeconfig manager
func NewManager() *Manager {
	return &Manager{}
}

// DefaultDir returns ~/.kube.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".kube"), nil
}

// Discover loads every kubeconfig file in dir. Files that are not
// kubeconfigs are skipped. The file named "config" comes first.
func (m *Manager) Discover(dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("kube directory does not exist: %s", dir)
	}

	var found []*Kubeconfig
	mainConfigPath := filepath.Join(dir, "config")
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Skip hidden directories like .kube/cache
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") || d.Name() == "cache" || d.Name() == "http-cache" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		config, err := clientcmd.LoadFromFile(path)
		if err != nil || len(config.Contexts) == 0 {
			// Not a valid kubeconfig, skip
			return nil
		}
		found = append(found, &Kubeconfig{Path: path, Config: config})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk kube directory: %w", err)
	}

	slices.SortStableFunc(found, func(a, b *Kubeconfig) int {
		switch {
		case a.Path == mainConfigPath:
			return -1
		case b.Path == mainConfigPath:
			return 1
		}
		return strings.Compare(a.Path, b.Path)
	})
	m.kubeconfigs = found
	m.buildContexts()
	return nil
}

// Add registers an already loaded kubeconfig.
func (m *Manager) Add(kc *Kubeconfig) {
	m.kubeconfigs = append(m.kubeconfigs, kc)
	m.buildContexts()
}

// buildContexts builds the context list from kubeconfigs
func (m *Manager) buildContexts() {
	m.contexts = nil
	for _, kubeconfig := range m.kubeconfigs {
		names := make([]string, 0, len(kubeconfig.Config.Contexts))
		for name := range kubeconfig.Config.Contexts {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			c := kubeconfig.Config.Contexts[name]
			namespace := c.Namespace
			if namespace == "" {
				namespace = "default"
			}
			var server string
			if cl, ok := kubeconfig.Config.Clusters[c.Cluster]; ok {
				server = cl.Server
			}
			m.contexts = append(m.contexts, &Context{
				Name:       name,
				Cluster:    c.Cluster,
				Server:     server,
				Namespace:  namespace,
				User:       c.AuthInfo,
				Current:    kubeconfig.Config.CurrentContext == name,
				Kubeconfig: kubeconfig,
			})
		}
	}
}

// Kubeconfigs returns all discovered kubeconfigs
func (m *Manager) Kubeconfigs() []*Kubeconfig {
	return m.kubeconfigs
}

// Contexts returns all discovered contexts
func (m *Manager) Contexts() []*Context {
	return m.contexts
}

// ContextByName finds a context by name. With several kubeconfigs defining
// the name, the first one wins.
func (m *Manager) ContextByName(name string) *Context {
	for _, ctx := range m.contexts {
		if ctx.Name == name {
			return ctx
		}
	}
	return nil
}

// CurrentContext returns the current context of the first kubeconfig that has one.
func (m *Manager) CurrentContext() *Context {
	for _, ctx := range m.contexts {
		if ctx.Current {
			return ctx
		}
	}
	return nil
}

// RESTConfig creates a REST config for a context
func (c *Context) RESTConfig() (*rest.Config, error) {
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: c.Kubeconfig.Path},
		&clientcmd.ConfigOverrides{CurrentContext: c.Name},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create client config for %s: %w", c.Name, err)
	}
	return config, nil
}

// Resolve returns the kubeconfig path and context name to use. An empty path
// follows $KUBECONFIG and ~/.kube/config; an empty context name selects the
// current context of that file.
func Resolve(path, contextName string) (string, string, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if path != "" {
		rules.ExplicitPath = path
	}
	raw, err := rules.Load()
	if err != nil {
		return "", "", fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	if contextName == "" {
		contextName = raw.CurrentContext
	}
	if contextName == "" {
		return "", "", errors.New("no context given and kubeconfig has no current context")
	}
	if _, ok := raw.Contexts[contextName]; !ok {
		return "", "", fmt.Errorf("context %q not found in kubeconfig", contextName)
	}
	if path == "" {
		path = rules.GetDefaultFilename()
	}
	return path, contextName, nil
}

// DefaultNamespace returns the namespace configured for a context, or "default".
func DefaultNamespace(path, contextName string) string {
	ns, _, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: path},
		&clientcmd.ConfigOverrides{CurrentContext: contextName},
	).Namespace()
	if err != nil || ns == "" {
		return "default"
	}
	return ns
}
