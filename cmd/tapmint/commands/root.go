package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/layer-3/tapmint"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// EnvRelay and EnvAddress provide defaults for the persistent flags
const (
	EnvRelay   = "TAPMINT_RELAY"
	EnvAddress = "TAPMINT_ADDRESS"

	defaultRelay = "http://127.0.0.1:9000"
)

var (
	relayURL string
	address  string
	logLevel string

	sessionID string
	ticket    string

	client *tapmint.HTTPClient
	logger *zap.Logger
)

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tapmint",
		Short:         "Pair with someone nearby, swap emojis and mint the moment",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.New(logging.Config{Level: logLevel, Format: "console"})
			if err != nil {
				return err
			}
			client = tapmint.NewClient(relayURL, nil)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&relayURL, "relay", envOr(EnvRelay, defaultRelay), "relay base URL")
	root.PersistentFlags().StringVar(&address, "address", os.Getenv(EnvAddress), "your wallet address")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		createCmd(),
		joinCmd(),
		sendCmd(),
		listenCmd(),
		qrCmd(),
		mintCmd(),
		leaveCmd(),
		demoCmd(),
	)
	return root
}

// sessionFlags adds the flags identifying an existing membership
func sessionFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	cmd.Flags().StringVar(&ticket, "ticket", "", "session ticket")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("ticket")
}

func membership() *tapmint.Membership {
	return &tapmint.Membership{
		Session: &core.Session{ID: sessionID},
		Ticket:  ticket,
	}
}

func requireAddress() error {
	if address == "" {
		return errors.New("an address is required: pass --address or set " + EnvAddress)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to print result: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
