package command

// root.go defines the root command for the sharedws CLI.
// set up the global flags here.

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sharedws/internal/client"
	"sharedws/internal/config"
)

var (
	brokerURL string        // Global flag for the broker websocket URL
	timeout   time.Duration // per request timeout
	token     string        // optional bearer token sent on the handshake
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sharedws",
	Short: "sharedws - talk to a shared websocket broker",
	Long: `sharedws attaches to a running broker as one more client context.
Every client shares the broker's single upstream connection, so this tool can:
- Send a request and print the correlated response
- Listen for events pushed by the upstream or by the broker itself

Use "sharedws command --help" to see all available commands.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err) // Print error to standard error
		os.Exit(1)
	}
}

func init() {
	// Global persistent flags = available to all subcommands
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", defaultBrokerURL(), "broker websocket URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", defaultTimeout(), "request timeout")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token for the broker handshake")
}

// BROKER_URL wins over the compiled in default
func defaultBrokerURL() string {
	if url := os.Getenv("BROKER_URL"); url != "" {
		return url
	}
	return "ws://127.0.0.1:8090/ws"
}

// REQUEST_TIMEOUT, from the environment or .env, replaces client.DefaultTimeout
func defaultTimeout() time.Duration {
	cfg, err := config.LoadConfig()
	if err != nil || cfg.RequestTimeout <= 0 {
		return client.DefaultTimeout
	}
	return cfg.RequestTimeout
}
