package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/layer-3/tapmint"
	"github.com/layer-3/tapmint/adapters/capability"
	"github.com/layer-3/tapmint/core"
	"github.com/spf13/cobra"
)

func createCmd() *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a session on the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAddress(); err != nil {
				return err
			}
			m, err := core.ParseMethod(method)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			member, err := client.CreateSession(ctx, m, address)
			if err != nil {
				return err
			}
			if err := printMembership(cmd.OutOrStdout(), member); err != nil {
				return err
			}

			if m != core.MethodQR {
				return nil
			}
			payload, err := client.QR(ctx, member)
			if err != nil {
				return err
			}
			return printQR(cmd.OutOrStdout(), payload)
		},
	}

	cmd.Flags().StringVar(&method, "method", string(core.MethodQR), "connection method: bluetooth, nfc or qr")
	return cmd
}

func joinCmd() *cobra.Command {
	var scan bool

	cmd := &cobra.Command{
		Use:   "join [session-id]",
		Short: "Join a session by id or by scanning its QR payload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAddress(); err != nil {
				return err
			}

			ctx := cmd.Context()
			var id string
			switch {
			case scan:
				peer, err := scanPeer(ctx, cmd.InOrStdin())
				if err != nil {
					return err
				}
				if err := peer.Validate(address, time.Now()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Found %s\n", peer.Address)
				id = peer.SessionID
			case len(args) == 1:
				id = args[0]
			default:
				return errors.New("pass a session id or --scan")
			}

			member, err := client.JoinSession(ctx, id, address)
			if err != nil {
				return err
			}
			return printMembership(cmd.OutOrStdout(), member)
		},
	}

	cmd.Flags().BoolVar(&scan, "scan", false, "read QR payloads from stdin, one per line")
	return cmd
}

func qrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Show the invitation QR code for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := client.QR(cmd.Context(), membership())
			if err != nil {
				return err
			}
			return printQR(cmd.OutOrStdout(), payload)
		},
	}
	sessionFlags(cmd)
	return cmd
}

func leaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "End a session for both participants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.Leave(cmd.Context(), membership()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Disconnected")
			return nil
		},
	}
	sessionFlags(cmd)
	return cmd
}

func printMembership(w io.Writer, m *tapmint.Membership) error {
	fmt.Fprintf(w, "Session: %s (%s)\n", m.Session.ID, m.Session.Method)
	fmt.Fprintf(w, "Ticket:  %s\n", m.Ticket)
	return nil
}

func printQR(w io.Writer, payload string) error {
	art, err := capability.RenderQRText(payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, art)
	fmt.Fprintln(w, payload)
	return nil
}

// scanPeer runs the QR scanner over lines read from r, so a payload can be
// piped from a camera tool or pasted by hand
func scanPeer(ctx context.Context, r io.Reader) (*core.PeerDescriptor, error) {
	scanner := capability.NewQRScanner(lineCamera{r: r}, capability.QRConfig{
		Timeout: 5 * time.Minute,
		Logger:  logger,
	})
	return scanner.Acquire(ctx)
}

// lineCamera treats each input line as one decoded camera frame
type lineCamera struct {
	r io.Reader
}

func (c lineCamera) Available() bool {
	return c.r != nil
}

func (c lineCamera) Open(ctx context.Context) (capability.FrameDecoder, error) {
	if c.r == os.Stdin {
		fmt.Fprintln(os.Stderr, "Paste the QR payload and press enter:")
	}

	d := &lineDecoder{lines: make(chan string), done: make(chan struct{})}
	go func() {
		defer close(d.lines)
		sc := bufio.NewScanner(c.r)
		for sc.Scan() {
			select {
			case d.lines <- sc.Text():
			case <-d.done:
				return
			}
		}
	}()
	return d, nil
}

type lineDecoder struct {
	lines chan string
	done  chan struct{}
}

func (d *lineDecoder) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-d.lines:
		if !ok {
			return "", io.EOF
		}
		if line == "" {
			return "", capability.ErrNoCode
		}
		return line, nil
	}
}

func (d *lineDecoder) Close() error {
	close(d.done)
	return nil
}
