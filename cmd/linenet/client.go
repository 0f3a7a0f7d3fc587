package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-linenet/command"
	"github.com/cyberinferno/go-linenet/discovery"
	"github.com/cyberinferno/go-linenet/driver"
	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/tcpclient"
	"github.com/cyberinferno/go-linenet/transport"
)

var (
	clientAddress string
	clientCmdName string
	clientLinger  time.Duration
)

var errConnectFailed = errors.New("could not connect")

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Connect to a server and exchange messages over stdin/stdout",
	Long: `Connect to a server and send every stdin line as one message.

Without --address the server is found by broadcasting a discovery probe on
udp_port; the answer is cached per cache.backend. Received messages are
printed to stdout. End of input closes the session once --linger has
passed, so queued lines are still written.`,
	Example: `  linenet client --address 127.0.0.1:9901
  linenet client --cmd echo
  echo '{"cmd":"clients","data":""}' | linenet client`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runClient(ctx, os.Stdin)
	},
}

func init() {
	clientCmd.Flags().StringVarP(&clientAddress, "address", "a", "", "server host:port; discovered when empty")
	clientCmd.Flags().StringVar(&clientCmdName, "cmd", "", "wrap each line as the data of this command")
	clientCmd.Flags().DurationVar(&clientLinger, "linger", 0, "time to keep running after end of input (default settle_delay + 1s)")
}

func runClient(ctx context.Context, in io.Reader) error {
	b := discovery.NewBroadcaster(cfg.DiscoveryConfig(), discovery.Callbacks{}, log)
	defer b.Shutdown()

	res, closeStore := newResolver(cfg, b)
	defer closeStore()

	endpoint, discovered, err := clientEndpoint(ctx, res.Resolve)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	session := tcpclient.NewSession(cfg.ClientConfig(), tcpclient.Callbacks{
		OnMessageReceived: func(text string) error {
			printMessage(">", text)
			return nil
		},
		OnConnectionOpen:   func() { printOK("connected to %s", endpoint) },
		OnConnectionClosed: func() { printInfo("connection to %s closed", endpoint) },
		OnConnectionFailToOpen: func() {
			if discovered {
				// the cached announcement may be stale
				_ = res.Invalidate(context.Background(), cfg.UDPPort)
			}
			cancel(fmt.Errorf("%w to %s", errConnectFailed, endpoint))
		},
	}, log)
	defer session.Close()

	session.Connect(endpoint)

	go func() {
		if err := pumpInput(in, session); err != nil {
			log.Warn("reading input failed", logger.Field{Key: "error", Value: err})
		}

		linger := clientLinger
		if linger <= 0 {
			linger = cfg.SettleDelay + time.Second
		}
		select {
		case <-ctx.Done():
		case <-time.After(linger):
		}
		cancel(nil)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx, cfg.TickInterval, session) })
	if err := g.Wait(); err != nil {
		return err
	}

	_ = session.Close()
	driver.Drain(session)

	if err := context.Cause(ctx); errors.Is(err, errConnectFailed) {
		return err
	}
	return nil
}

func clientEndpoint(ctx context.Context, resolve func(context.Context, uint16) (discovery.Announcement, error)) (transport.Endpoint, bool, error) {
	if clientAddress != "" {
		ep, err := transport.ParseEndpoint(clientAddress)
		return ep, false, err
	}

	printInfo("looking for a server on udp port %d", cfg.UDPPort)
	ann, err := resolve(ctx, cfg.UDPPort)
	if err != nil {
		return transport.Endpoint{}, false, err
	}

	ep, err := ann.Endpoint()
	if err != nil {
		return transport.Endpoint{}, false, err
	}

	printOK("found %s at %s", ann.Name, ann.Address)
	return ep, true, nil
}

func pumpInput(in io.Reader, session *tcpclient.Session) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), transport.DefaultMaxLineSize)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if clientCmdName != "" {
			wrapped, err := command.Encode(clientCmdName, line)
			if err != nil {
				return err
			}
			line = wrapped
		}

		session.Send(line)
	}

	return scanner.Err()
}
