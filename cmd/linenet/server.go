package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-linenet/command"
	"github.com/cyberinferno/go-linenet/discovery"
	"github.com/cyberinferno/go-linenet/driver"
	"github.com/cyberinferno/go-linenet/logger"
	"github.com/cyberinferno/go-linenet/tcpserver"
)

var (
	serverPort uint16
	serverName string
	noDiscover bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run a server and answer discovery probes",
	Long: `Run a TCP server that admits up to max_connections clients.

Messages are JSON envelopes {"cmd": ..., "data": ...}. The server handles:
  echo       reply to the sender with the same data
  broadcast  relay the data to every connected client
  clients    reply with the number of admitted clients

Anything else is logged and dropped.`,
	Example: `  linenet server
  linenet server --port 7000 --name arena
  LINENET_MAX_CONNECTIONS=8 linenet server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.TCPPort = serverPort
		}
		if cmd.Flags().Changed("name") {
			cfg.Name = serverName
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func init() {
	serverCmd.Flags().Uint16VarP(&serverPort, "port", "p", 0, "TCP port (overrides tcp_port)")
	serverCmd.Flags().StringVar(&serverName, "name", "", "server name in announcements (overrides name)")
	serverCmd.Flags().BoolVar(&noDiscover, "no-discover", false, "do not answer UDP discovery probes")
}

func runServer(ctx context.Context) error {
	var srv *tcpserver.Server
	router := newServerRouter(func() *tcpserver.Server { return srv })

	srv = tcpserver.NewServer(cfg.ServerConfig(log), tcpserver.Callbacks{
		OnServerStarted: func() { printOK("server %s listening on %s", cfg.Name, srv.Addr()) },
		OnServerStopped: func() { printInfo("server stopped") },
		OnServerFailed:  func(err error) { printErr("server failed: %v", err) },
		OnClientConnected: func(id uint32) {
			printOK("client %d connected (%d/%d)", id, srv.AdmittedCount(), cfg.MaxConnections)
		},
		OnClientDisconnected: func(id uint32) { printInfo("client %d disconnected", id) },
		OnMessageReceived: func(id uint32, text string) error {
			printMessage(fmt.Sprintf("[%d]", id), text)
			return router.Dispatch(id, text)
		},
	}, log)

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	tickers := []driver.Ticker{srv}

	if !noDiscover {
		responder, err := startResponder(srv.Addr())
		if err != nil {
			return err
		}
		defer responder.Close()
		tickers = append(tickers, responder)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return driver.Run(gctx, cfg.TickInterval, tickers...) })

	if err := g.Wait(); err != nil {
		return err
	}

	srv.Stop()
	driver.Drain(tickers...)
	return nil
}

func startResponder(listener net.Addr) (*discovery.Responder, error) {
	ann := discovery.NewAnnouncement(cfg.Name, discovery.AdvertisedAddress(listener, cfg.AdvertisedHost()))
	reply, err := ann.Encode()
	if err != nil {
		return nil, err
	}

	var responder *discovery.Responder
	responder = discovery.NewResponder(cfg.ResponderConfig(), discovery.ResponderCallbacks{
		OnOpen: func() { printOK("answering discovery on udp %s as %s", responder.Addr(), ann.Address) },
		OnRequest: func(from net.Addr, text string) {
			if text != discovery.ProbeMessage {
				return
			}
			log.Debug("probe answered", logger.Field{Key: "from", Value: from.String()})
			if err := responder.Reply(from, reply); err != nil {
				log.Warn("probe reply failed", logger.Field{Key: "error", Value: err})
			}
		},
	}, log)

	if err := responder.Start(); err != nil {
		return nil, fmt.Errorf("start discovery responder: %w", err)
	}

	return responder, nil
}

// newServerRouter registers the built-in commands. server is resolved lazily
// because the router is built before the server it replies through.
func newServerRouter(server func() *tcpserver.Server) *command.Router[uint32] {
	router := command.NewRouter[uint32]()

	router.Register("echo", func(id uint32, env command.Envelope) error {
		return server().SendToClient(id, mustEncode(env))
	})

	router.Register("broadcast", func(id uint32, env command.Envelope) error {
		server().SendToAll(mustEncode(env))
		return nil
	})

	router.Register("clients", func(id uint32, env command.Envelope) error {
		reply, err := command.Encode(env.Cmd, server().AdmittedCount())
		if err != nil {
			return err
		}
		return server().SendToClient(id, reply)
	})

	return router
}

// mustEncode re-encodes an envelope that was just decoded.
func mustEncode(env command.Envelope) string {
	text, err := env.Encode()
	if err != nil {
		panic(err)
	}
	return text
}
