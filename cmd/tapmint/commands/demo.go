package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/layer-3/tapmint/adapters/capability"
	"github.com/layer-3/tapmint/adapters/contract"
	"github.com/layer-3/tapmint/adapters/ipfs"
	"github.com/layer-3/tapmint/adapters/pubsub"
	"github.com/layer-3/tapmint/adapters/store"
	"github.com/layer-3/tapmint/core"
	"github.com/layer-3/tapmint/internal/config"
	"github.com/layer-3/tapmint/internal/logging"
	"github.com/layer-3/tapmint/ports"
	"github.com/layer-3/tapmint/service"
	"github.com/spf13/cobra"
)

const (
	demoAlice = "0xA11CE00000000000000000000000000000000001"
	demoBob   = "0xB0B0000000000000000000000000000000000002"
)

func demoCmd() *cobra.Command {
	var aliceEmoji, bobEmoji string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two participants in process through a QR pairing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runDemo(ctx, cmd.OutOrStdout(), cfg.Session, aliceEmoji, bobEmoji)
		},
	}

	cmd.Flags().StringVar(&aliceEmoji, "alice", "🦄", "emoji Alice sends")
	cmd.Flags().StringVar(&bobEmoji, "bob", "🌈", "emoji Bob sends")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, timings config.SessionConfig, aliceEmoji, bobEmoji string) error {
	return runDemoWithScreen(ctx, out, timings, aliceEmoji, bobEmoji, make(chan string, 1))
}

// runDemoWithScreen runs the demo with Bob's camera reading from screen; a
// payload that does not fit on screen is never seen
func runDemoWithScreen(ctx context.Context, out io.Writer, timings config.SessionConfig, aliceEmoji, bobEmoji string, screen chan string) error {
	pipes := pubsub.NewInProcess(logging.NewWatermillLogger(logger))
	defer pipes.Close()

	kv := store.NewMemoryStore()
	bus := service.NewBus(pipes.Publisher, pipes.Subscriber, pipes.Retainer, kv, service.BusConfig{
		Freshness: timings.Freshness.Duration,
		Retention: timings.Retention.Duration,
		Logger:    logger,
	})
	defer bus.Close()
	registry := service.NewRegistry(kv, bus, nil, service.RegistryConfig{
		MaxAge: timings.MaxAge.Duration,
		Logger: logger,
	})

	participant := func(address string) service.ControllerConfig {
		return service.ControllerConfig{
			LocalAddress:   address,
			AcquireTimeout: timings.AcquireTimeout.Duration,
			ErrorReset:     timings.ErrorReset.Duration,
			Logger:         logger,
		}
	}

	alice := service.NewController(registry, bus, nil, participant(demoAlice))
	bob := service.NewController(registry, bus, []ports.Capability{
		capability.NewQRScanner(screenCamera{frames: screen}, capability.QRConfig{Logger: logger}),
	}, participant(demoBob))

	ready := make(chan service.MintRequest, 2)
	alice.OnMintReady(func(req service.MintRequest) { ready <- req })
	bob.OnMintReady(func(req service.MintRequest) { ready <- req })

	session, err := alice.Enter(ctx, service.EnterOptions{Method: core.MethodQR})
	if err != nil {
		return err
	}
	payload, err := capability.EncodeQRPayload(demoAlice, session.ID, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Alice opened %s and shows:\n", session.ID)
	if err := printQR(out, payload); err != nil {
		return err
	}

	select {
	case screen <- payload:
	default:
	}
	if _, err := bob.Connect(ctx, core.MethodQR); err != nil {
		return fmt.Errorf("bob could not connect: %w", err)
	}
	fmt.Fprintln(out, "Bob scanned the code and joined")

	if err := alice.SendEmoji(ctx, aliceEmoji); err != nil {
		return err
	}
	if err := bob.SendEmoji(ctx, bobEmoji); err != nil {
		return err
	}

	mint := service.NewMintService(ipfs.NewPinataUploader(ipfs.Config{Logger: logger}), contract.NewDryRunMinter(logger), logger)
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return errors.New("emoji exchange did not complete")
		case req := <-ready:
			fmt.Fprintf(out, "%s is ready to mint: sent %s, received %s\n", req.LocalAddress, req.SentEmoji, req.ReceivedEmoji)
			result, err := mint.Mint(ctx, req)
			if err != nil {
				return err
			}
			if err := printJSON(out, result); err != nil {
				return err
			}
		}
	}

	alice.Leave(ctx)
	bob.Leave(ctx)
	return nil
}

// screenCamera hands over whatever the other participant puts on screen
type screenCamera struct {
	frames chan string
}

func (c screenCamera) Available() bool {
	return true
}

func (c screenCamera) Open(context.Context) (capability.FrameDecoder, error) {
	return c, nil
}

func (c screenCamera) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case frame := <-c.frames:
		return frame, nil
	}
}

func (c screenCamera) Close() error {
	return nil
}
