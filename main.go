// Command nat2d runs the NAT-traversal and dynamic-DNS maintenance daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nat2d/config"
	"nat2d/core"
	"nat2d/routers"
	"nat2d/supervisor"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "nat2d",
	Short: "nat2d maintains NAT port mappings and keeps DNS records pointed at them",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to the configuration file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "raise log verbosity and start the status panel on 127.0.0.1:9981")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	core.InitLogger(debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("nat2d: %w", err)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return fmt.Errorf("nat2d: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if debug {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := routers.Run(ctx, "127.0.0.1:9981", sup); err != nil {
				logrus.WithError(err).Error("status panel stopped")
			}
		}()
	}

	err = sup.Run(ctx)
	wg.Wait()
	return err
}
