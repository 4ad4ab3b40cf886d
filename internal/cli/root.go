// Package cli implements fleetctl, the operator's command line for the
// master API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/worldland/gpu-fleet/internal/client"
)

const (
	defaultMasterURL = "http://localhost:8000"
	masterURLEnv     = "FLEET_MASTER_URL"
)

var (
	settings = viper.New()

	masterFlag  string
	timeoutFlag time.Duration
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Operate a GPU fleet through its master",
	Long: `fleetctl talks to the fleet master's REST API.

The master URL comes from --master, then $FLEET_MASTER_URL, then
http://localhost:8000.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&masterFlag, "master", defaultMasterURL, "master base URL")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "print raw JSON instead of tables")

	_ = settings.BindPFlag("master", rootCmd.PersistentFlags().Lookup("master"))
	_ = settings.BindEnv("master", masterURLEnv)
	settings.SetDefault("master", defaultMasterURL)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitCodeError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(ExitCode(err))
	}
}

func masterClient() *client.MasterClient {
	return client.NewMasterClient(settings.GetString("master"), timeoutFlag)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
