package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/floegate/floegate/internal/config"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new device private key",
	Long: `Generate a new Curve25519 private key and print it as base64.
Store it under device.private_key in the secrets file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := config.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		fmt.Println(key.String())
		return nil
	},
}
