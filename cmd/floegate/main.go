// Command floegate is the zero-trust network access client: it maintains
// authenticated, end-to-end encrypted tunnels from this device to the
// gateways fronting the resources the portal has authorized.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/floegate/floegate/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "floegate",
	Short: "Zero-trust network access client",
	Long: `floegate connects this device to private resources through
authenticated, end-to-end encrypted WireGuard tunnels, bootstrapped
over ICE with TURN fallback. Access policy comes from the portal.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/floegate/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the floegate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// resolvedConfigPath returns the --config flag or the default path.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	path, _ := config.DefaultConfigPath()
	return path
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
