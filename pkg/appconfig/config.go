package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	yaml "sigs.k8s.io/yaml"
)

type ClustersConfig struct {
	// TTL closes a cluster connection after this long without use.
	TTL metav1.Duration `json:"ttl"`
}

type KubernetesConfig struct {
	Kubeconfig string         `json:"kubeconfig,omitempty"`
	Clusters   ClustersConfig `json:"clusters"`
}

type BackoffConfig struct {
	Base       metav1.Duration `json:"base"`
	Cap        metav1.Duration `json:"cap"`
	ResetAfter metav1.Duration `json:"resetAfter"`
}

type WatchConfig struct {
	Backoff BackoffConfig `json:"backoff"`
}

type StoreConfig struct {
	// PendingTTL bounds how long an unconfirmed local write shadows the server.
	PendingTTL metav1.Duration `json:"pendingTTL"`
}

type PortForwardConfig struct {
	BindAddress  string          `json:"bindAddress"`
	ReadyTimeout metav1.Duration `json:"readyTimeout"`
	// RecordsFile keeps the open port-forwards across restarts. Empty disables it.
	RecordsFile string `json:"recordsFile,omitempty"`
}

type Config struct {
	Kubernetes  KubernetesConfig  `json:"kubernetes"`
	Watch       WatchConfig       `json:"watch"`
	Store       StoreConfig       `json:"store"`
	PortForward PortForwardConfig `json:"portForward"`
}

func Default() *Config {
	return &Config{
		Kubernetes: KubernetesConfig{Clusters: ClustersConfig{TTL: metav1.Duration{Duration: 2 * time.Minute}}},
		Watch: WatchConfig{Backoff: BackoffConfig{
			Base:       metav1.Duration{Duration: time.Second},
			Cap:        metav1.Duration{Duration: 30 * time.Second},
			ResetAfter: metav1.Duration{Duration: time.Minute},
		}},
		Store: StoreConfig{PendingTTL: metav1.Duration{Duration: 30 * time.Second}},
		PortForward: PortForwardConfig{
			BindAddress:  "127.0.0.1",
			ReadyTimeout: metav1.Duration{Duration: 10 * time.Second},
		},
	}
}

// Path returns ~/.kcsync/config.yaml.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".kcsync", "config.yaml"), nil
}

// Load reads ~/.kcsync/config.yaml if present, otherwise returns defaults.
func Load() (*Config, error) {
	p, err := Path()
	if err != nil {
		return Default(), err
	}
	return LoadFrom(p)
}

// LoadFrom reads the config at p on top of the defaults. A missing file
// yields the defaults. Unknown keys are rejected.
func LoadFrom(p string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return Default(), fmt.Errorf("parse %s: %w", p, err)
	}
	normalize(cfg)
	return cfg, nil
}

// normalize replaces zero or negative values with the defaults.
func normalize(cfg *Config) {
	def := Default()
	fill := func(d *metav1.Duration, fallback metav1.Duration) {
		if d.Duration <= 0 {
			*d = fallback
		}
	}
	fill(&cfg.Kubernetes.Clusters.TTL, def.Kubernetes.Clusters.TTL)
	fill(&cfg.Watch.Backoff.Base, def.Watch.Backoff.Base)
	fill(&cfg.Watch.Backoff.Cap, def.Watch.Backoff.Cap)
	fill(&cfg.Watch.Backoff.ResetAfter, def.Watch.Backoff.ResetAfter)
	fill(&cfg.Store.PendingTTL, def.Store.PendingTTL)
	fill(&cfg.PortForward.ReadyTimeout, def.PortForward.ReadyTimeout)
	if cfg.Watch.Backoff.Cap.Duration < cfg.Watch.Backoff.Base.Duration {
		cfg.Watch.Backoff.Cap = cfg.Watch.Backoff.Base
	}
	cfg.PortForward.BindAddress = strings.TrimSpace(cfg.PortForward.BindAddress)
	if cfg.PortForward.BindAddress == "" {
		cfg.PortForward.BindAddress = def.PortForward.BindAddress
	}
}

// Save writes the config to ~/.kcsync/config.yaml, creating the directory if needed.
func Save(cfg *Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(p, cfg)
}

// SaveTo writes the config to p.
func SaveTo(p string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
