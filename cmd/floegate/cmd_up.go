package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/floegate/floegate/internal/agent"
	"github.com/floegate/floegate/internal/config"
	"github.com/floegate/floegate/internal/control"
	"github.com/floegate/floegate/internal/hostnet"
	"github.com/floegate/floegate/internal/portal"
	"github.com/floegate/floegate/internal/tunnel"
)

var upTunName string

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Connect to the portal and bring the tunnels up",
	Long: `Start the floegate agent: create the TUN device, connect to the
portal, and establish tunnels to gateways as traffic demands them.

Requires root privileges for TUN device creation:
  sudo floegate up`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upTunName, "tun", "", "TUN interface name (default: floegate0)")
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tun, err := tunnel.Open(upTunName, tunnel.DefaultMTU, globalLogger)
	if err != nil {
		return err
	}

	sock, err := hostnet.Listen(globalLogger)
	if err != nil {
		_ = tun.Close()
		return err
	}

	portalClient := portal.NewClient(portal.ClientConfig{
		URL:       cfg.Portal.URL,
		Token:     cfg.Portal.Token,
		PublicKey: config.PublicKey(cfg.Device.PrivateKey).String(),
		Logger:    globalLogger,
		Reconnect: true,
	})

	a := agent.New(cfg, portalClient, sock, tun, hostnet.NewDNS(0, globalLogger), globalLogger)

	ctl := control.NewServer(control.ResolveSocketPath(), a.Status, globalLogger)
	if err := ctl.Start(); err != nil {
		globalLogger.Warn("control server unavailable", "error", err)
	} else {
		defer func() { _ = ctl.Stop() }()
	}

	globalLogger.Info("starting floegate", "config", resolvedConfigPath())

	if err := a.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("floegate stopped")
			return nil
		}
		return err
	}
	return nil
}
