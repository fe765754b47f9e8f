package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/floegate/floegate/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running agent's tunnels",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := control.QueryStatus(control.ResolveSocketPath(), 3*time.Second)
		if err != nil {
			return err
		}

		fmt.Printf("device:  %s\n", status.Device)
		fmt.Printf("portal:  %s\n", status.PortalURL)
		fmt.Printf("uptime:  %s\n", time.Duration(status.UptimeSeconds*float64(time.Second)).Round(time.Second))
		fmt.Printf("routes:  %d installed\n", len(status.Routes))

		if len(status.Gateways) == 0 {
			fmt.Println("tunnels: none")
			return nil
		}
		fmt.Println("tunnels:")
		for _, gw := range status.Gateways {
			fmt.Printf("  %s  %-12s %-14s tx %d pkts  rx %d pkts\n",
				gw.ID, gw.State, gw.PeerSocket, gw.PacketsSent, gw.PacketsReceived)
		}
		return nil
	},
}
