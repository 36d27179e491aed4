package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chakabnb/offline-proxy/internal/config"
	"github.com/chakabnb/offline-proxy/internal/proxy"
	"github.com/chakabnb/offline-proxy/internal/store"
	"github.com/chakabnb/offline-proxy/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Precache the configured generation and serve the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			w, err := newWorker(cfg, st, cfg.Site.Version)
			if err != nil {
				return err
			}

			if err := w.Install(cmd.Context()); err != nil {
				// The failed generation was dropped; serve the newest
				// complete one instead. With nothing stored there is
				// nothing to serve.
				prev, perr := worker.LatestComplete(st)
				if perr != nil || prev == "" {
					return fmt.Errorf("precache failed with no previous generation available: %w", err)
				}
				logrus.Errorf("Precache of %s failed, serving generation %s: %v", cfg.Site.Version, prev, err)
				if w, err = newWorker(cfg, st, prev); err != nil {
					return err
				}
			} else if err := w.Activate(); err != nil {
				return err
			}

			srv := proxy.New(cfg, w)

			stop := make(chan struct{})
			defer close(stop)
			go watchForUpdates(cfgFile, stop, srv, st)

			return srv.Start()
		},
	}
}

// watchForUpdates reinstalls and activates a new generation whenever a
// config reload carries a bumped version tag. The swap happens before the
// old generation is pruned, so no request is served from a generation
// mid-deletion.
func watchForUpdates(path string, stop <-chan struct{}, srv *proxy.Server, st store.Store) {
	err := config.Watch(path, stop, func(next *config.Config) {
		current := srv.Worker().Generation()
		if next.Site.Version == current {
			logrus.Debugf("Config reloaded, generation %s unchanged", current)
			return
		}

		logrus.Infof("Generation bump detected: %s -> %s", current, next.Site.Version)

		w, err := newWorker(next, st, next.Site.Version)
		if err != nil {
			logrus.Errorf("Rejecting new generation %s: %v", next.Site.Version, err)
			return
		}
		if err := w.Install(context.Background()); err != nil {
			logrus.Errorf("Precache of %s failed, keeping %s: %v", next.Site.Version, current, err)
			return
		}

		srv.Swap(w)

		if err := w.Activate(); err != nil {
			logrus.Errorf("Activation of %s failed: %v", next.Site.Version, err)
		}
	})
	if err != nil {
		logrus.Errorf("Config watcher stopped: %v", err)
	}
}
