package main

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chakabnb/offline-proxy/internal/config"
	"github.com/chakabnb/offline-proxy/internal/store"
	"github.com/chakabnb/offline-proxy/internal/worker"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "offline-proxy",
		Short: "Offline-first caching proxy for the chakabnb site",
		Long: `offline-proxy precaches a fixed manifest of site resources into a
versioned cache generation and serves intercepted requests cache-first.
When the network is unreachable, navigations degrade to the cached home
document. Superseded generations are pruned on activation.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "configs/config.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(serveCmd(), installCmd(), activateCmd(), generationsCmd(), clearCmd())

	if err := root.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := store.Open(cfg.Cache.Backend, cfg.Cache.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	return st, nil
}

// newWorker builds a worker serving the given generation on top of an
// already open store. The tag is usually cfg's own version; it differs when
// serving falls back to an older complete generation.
func newWorker(cfg *config.Config, st store.Store, version string) (*worker.Worker, error) {
	origin, err := cfg.Origin()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.FetchTimeout()
	if err != nil {
		return nil, err
	}

	opts := worker.Options{
		Version:  version,
		Origin:   origin,
		Fallback: cfg.Site.Fallback,
		Manifest: cfg.Site.Manifest,
	}
	return worker.New(opts, st, &http.Client{Timeout: timeout}), nil
}
