package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Precache the configured generation and exit",
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
			return w.Install(cmd.Context())
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Prune every generation superseded by the configured one",
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
			return w.Activate()
		},
	}
}

func generationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List stored cache generations",
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

			gens, err := st.Generations()
			if err != nil {
				return err
			}

			if len(gens) == 0 {
				fmt.Println("no generations stored")
				return nil
			}
			for _, gen := range gens {
				marker := " "
				if gen == cfg.Site.Version {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, gen)
			}
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every stored cache generation",
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

			gens, err := st.Generations()
			if err != nil {
				return err
			}
			for _, gen := range gens {
				if err := st.DropGeneration(gen); err != nil {
					return err
				}
				logrus.Infof("Dropped generation %s", gen)
			}
			return nil
		},
	}
}
