package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	klog "k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/sttts/kcsync/internal/cluster"
	"github.com/sttts/kcsync/pkg/appconfig"
	"github.com/sttts/kcsync/pkg/kubeconfig"
	"github.com/sttts/kcsync/pkg/portforward"
	"github.com/sttts/kcsync/pkg/resources"
)

// rootOptions is shared by all subcommands.
type rootOptions struct {
	v *viper.Viper

	cfg     *appconfig.Config
	log     logr.Logger
	pool    *cluster.Pool
	records *fileSink

	out io.Writer
}

func newRootOptions(out io.Writer) *rootOptions {
	return &rootOptions{v: viper.New(), out: out}
}

// execute runs the command line in args. Frames and port-forwards are torn
// down afterwards, also when the command failed.
func execute(ctx context.Context, o *rootOptions, args []string) error {
	cmd := newRootCommand(o)
	cmd.SetArgs(args)
	defer o.shutdown()
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kcsync",
		Short:         "Keep a live, watch-backed view of Kubernetes resources",
		Long:          `kcsync lists and watches Kubernetes resources through a local store that stays in sync with the API server, shows the namespace hierarchy and manages port-forwards.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.complete()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("kubeconfig", "", "path to kubeconfig file (default: $KUBECONFIG or $HOME/.kube/config)")
	flags.String("context", "", "kubeconfig context to use (default: current context)")
	flags.StringP("namespace", "n", "", "namespace (default: all namespaces, or the context namespace for port-forward)")
	flags.String("config", "", "path to the kcsync config file (default: $HOME/.kcsync/config.yaml)")
	flags.IntP("verbosity", "v", 0, "log verbosity, e.g. 2 for state changes and 4 for every event")
	for _, name := range []string{"kubeconfig", "context", "namespace", "config", "verbosity"} {
		_ = o.v.BindPFlag(name, flags.Lookup(name))
	}
	o.v.SetEnvPrefix("KCSYNC")
	o.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	o.v.AutomaticEnv()

	cmd.AddCommand(
		newContextsCommand(o),
		newGetCommand(o),
		newWatchCommand(o),
		newNamespacesCommand(o),
		newPortForwardCommand(o),
	)
	return cmd
}

func (o *rootOptions) complete() error {
	o.log = setupLogging(o.v.GetInt("verbosity"))

	var err error
	if p := o.v.GetString("config"); p != "" {
		o.cfg, err = appconfig.LoadFrom(p)
	} else {
		o.cfg, err = appconfig.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if o.v.GetString("kubeconfig") == "" && o.cfg.Kubernetes.Kubeconfig != "" {
		o.v.Set("kubeconfig", o.cfg.Kubernetes.Kubeconfig)
	}

	o.pool = cluster.NewPool(o.cfg.Kubernetes.Clusters.TTL.Duration, nil, o.frameOptions()...)
	o.pool.Start()
	return nil
}

// shutdown closes every frame. The records file is frozen first so closing
// the sessions keeps the saved list.
func (o *rootOptions) shutdown() {
	if o.records != nil {
		o.records.freeze()
	}
	if o.pool != nil {
		o.pool.Stop()
	}
}

func (o *rootOptions) frameOptions() []cluster.Option {
	b := o.cfg.Watch.Backoff
	opts := []cluster.Option{
		cluster.WithLogger(o.log),
		cluster.WithStoreOptions(
			resources.WithLogger(o.log),
			resources.WithPendingTTL(o.cfg.Store.PendingTTL.Duration),
			resources.WithBackoff(resources.Backoff{Base: b.Base.Duration, Cap: b.Cap.Duration, ResetAfter: b.ResetAfter.Duration}),
		),
	}
	pf := []portforward.Option{
		portforward.WithBindAddress(o.cfg.PortForward.BindAddress),
		portforward.WithReadyTimeout(o.cfg.PortForward.ReadyTimeout.Duration),
	}
	if o.cfg.PortForward.RecordsFile != "" {
		o.records = &fileSink{path: expandHome(o.cfg.PortForward.RecordsFile)}
		pf = append(pf, portforward.WithRecordSink(o.records))
	}
	return append(opts, cluster.WithPortForwardOptions(pf...))
}

// connect returns the frame of the selected kubeconfig context and its
// default namespace.
func (o *rootOptions) connect() (*cluster.Frame, string, error) {
	path, contextName, err := kubeconfig.Resolve(o.v.GetString("kubeconfig"), o.v.GetString("context"))
	if err != nil {
		return nil, "", err
	}
	f, err := o.pool.Get(cluster.Key{KubeconfigPath: path, ContextName: contextName})
	if err != nil {
		return nil, "", err
	}
	o.log.V(2).Info("connected", "context", contextName, "kubeconfig", path)
	return f, kubeconfig.DefaultNamespace(path, contextName), nil
}

func (o *rootOptions) namespace() string {
	return o.v.GetString("namespace")
}

// setupLogging configures controller-runtime and klog to share a zap logger
// on stderr.
func setupLogging(verbosity int) logr.Logger {
	logger := zap.New(
		zap.UseDevMode(verbosity > 0),
		zap.WriteTo(os.Stderr),
		zap.Level(zapcore.Level(-verbosity)),
	)
	ctrl.SetLogger(logger)
	klog.SetLogger(logger)
	return logger
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return home + string(os.PathSeparator) + rest
		}
	}
	return p
}
