package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/infrastructure/signal"
	"voicemesh/pkg/config"
	"voicemesh/pkg/logger"
	"voicemesh/pkg/retry"
	"voicemesh/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagServer   string
	flagName     string
	flagRole     string
	flagLogLevel string
	flagConfig   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voicepeer",
	Short: "Headless voice room client",
	Long: `voicepeer connects to a voicemesh signaling server, lists the voice rooms
and joins one, exchanging audio directly with every other member.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagServer, "server", "s", "ws://localhost:3000/ws", "signaling server websocket URL")
	rootCmd.PersistentFlags().StringVarP(&flagName, "name", "n", "Anonymous", "display name")
	rootCmd.PersistentFlags().StringVar(&flagRole, "role", "student", "role: student or teacher")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file with webrtc and session settings")

	rootCmd.PersistentPreRunE = validateFlags
	rootCmd.AddCommand(roomsCmd, joinCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func validateFlags(cmd *cobra.Command, args []string) error {
	if err := validation.ValidateURL(flagServer); err != nil {
		return fmt.Errorf("--server: %w", err)
	}
	if err := validation.ValidateDisplayName(flagName); err != nil {
		return fmt.Errorf("--name: %w", err)
	}
	if err := validation.ValidateRole(flagRole); err != nil {
		return fmt.Errorf("--role: %w", err)
	}
	return nil
}

func newLogger() *zap.Logger {
	return logger.NewWithFormat(flagLogLevel, "console")
}

// connect dials the signaling server, retrying while it is unreachable.
func connect(ctx context.Context, log *zap.Logger) (*signal.Client, error) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 4
	cfg.InitialDelay = 500 * time.Millisecond

	return retry.RetryWithResult(ctx, cfg, func() (*signal.Client, error) {
		return signal.Dial(ctx, signal.ClientConfig{
			URL:  flagServer,
			Name: flagName,
			Role: domain.ParseRole(flagRole),
		}, log)
	})
}

// loadConfig reads the optional config file. Without --config the built-in
// defaults apply.
func loadConfig() (*config.Config, error) {
	if flagConfig == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(flagConfig)
}
