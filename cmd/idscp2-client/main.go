// Command idscp2-client opens an IDSCP2 connection and exchanges messages.
//
// Usage:
//
//	idscp2-client --config consumer.yaml --connect provider:29292 [--send type=text]
//	idscp2-client --config consumer.yaml --discover [--instance provider]
//
// Without --send the client starts an interactive shell. With --discover the
// server is located via mDNS; only servers whose advertised RAT schemes
// negotiate with the local configuration are considered.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/idscp2/idscp2-go/cmd/idscp2-client/interactive"
	"github.com/idscp2/idscp2-go/pkg/config"
	"github.com/idscp2/idscp2-go/pkg/discovery"
	"github.com/idscp2/idscp2-go/pkg/idscp2"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
	},
	&cli.StringFlag{
		Name:  "connect",
		Usage: "server address host:port (overrides the configuration)",
	},
	&cli.BoolFlag{
		Name:  "discover",
		Usage: "locate the server via mDNS",
	},
	&cli.StringFlag{
		Name:  "instance",
		Usage: "mDNS instance name to connect to when discovering",
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: time.Minute,
		Usage: "bound on discovery plus handshake",
	},
	&cli.StringSliceFlag{
		Name:  "send",
		Usage: "send type=text and exit instead of starting the shell (repeatable)",
	},
	&cli.DurationFlag{
		Name:  "wait",
		Value: time.Second,
		Usage: "time to wait for replies after --send",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "log level: debug, info, warn or error (overrides the configuration)",
	},
	&cli.StringFlag{
		Name:  "protocol-log",
		Usage: "write the CBOR protocol log to this file (overrides the configuration)",
	},
	&cli.StringFlag{
		Name:  "protocol-log-dir",
		Usage: "write one CBOR protocol log per connection into this directory (overrides the configuration)",
	},
}

func main() {
	app := &cli.App{
		Name:   "idscp2-client",
		Usage:  "Connect to an IDSCP2 server",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	f := config.Default()
	if path := cCtx.String("config"); path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return err
		}
	}
	if v := cCtx.String("connect"); v != "" {
		f.Connect = v
	}
	if v := cCtx.String("log-level"); v != "" {
		f.Log.Level = v
	}
	if v := cCtx.String("protocol-log"); v != "" {
		f.Log.ProtocolLog = v
	}
	if v := cCtx.String("protocol-log-dir"); v != "" {
		f.Log.ProtocolLogDir = v
	}

	messages, err := parseMessages(cCtx.StringSlice("send"))
	if err != nil {
		return err
	}

	peer, err := config.Build(f, os.Stderr)
	if err != nil {
		return err
	}
	defer peer.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dial(ctx, cCtx, f, peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	if len(messages) == 0 {
		return runShell(ctx, conn, peer.Logger)
	}

	conn.AddGenericMessageListener(printer(os.Stdout))
	for _, m := range messages {
		sendCtx, cancel := context.WithTimeout(ctx, interactive.SendTimeout)
		err := conn.Send(sendCtx, m.dataType, []byte(m.text))
		cancel()
		if err != nil {
			return err
		}
		peer.Logger.Info("message sent", "type", m.dataType, "size", len(m.text))
	}

	select {
	case <-time.After(cCtx.Duration("wait")):
	case <-ctx.Done():
	}
	return nil
}

func runShell(ctx context.Context, conn *idscp2.Connection, logger *slog.Logger) error {
	shell, err := interactive.New(conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.AddGenericMessageListener(printer(shell.Stdout()))
	conn.AddConnectionListener(closeListener{cancel: cancel, logger: logger, conn: conn})

	shell.Run(ctx, cancel)
	return nil
}

// dial resolves the server address and connects.
func dial(ctx context.Context, cCtx *cli.Context, f *config.File, peer *config.Peer) (*idscp2.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cCtx.Duration("timeout"))
	defer cancel()

	address := f.Connect
	if cCtx.Bool("discover") {
		match := discovery.ByCompatibility(f.Rat.Supported, f.Rat.Expected)
		if name := cCtx.String("instance"); name != "" {
			byName := discovery.ByInstance(name)
			compatible := match
			match = func(s *discovery.Service) bool { return byName(s) && compatible(s) }
		}
		browser := discovery.NewMDNSBrowser(discovery.DefaultBrowserConfig())
		defer browser.Stop()

		svc, err := browser.Find(ctx, match)
		if err != nil {
			return nil, fmt.Errorf("no compatible server found: %w", err)
		}
		address = svc.Address()
		peer.Logger.Info("server discovered", "instance", svc.Instance, "address", address)
	}
	if address == "" {
		return nil, fmt.Errorf("%w: no server address, use --connect or --discover", config.ErrInvalid)
	}

	cfg := idscp2.DefaultClientConfig()
	cfg.TLSConfig = peer.TLS
	cfg.Connection = peer.Connection
	client, err := idscp2.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := client.Connect(ctx, address)
	if err != nil {
		return nil, err
	}
	prover, verifier := conn.Schemes()
	peer.Logger.Info("connection established",
		"conn_id", conn.ID(), "address", address, "prover", prover, "verifier", verifier)
	return conn, nil
}

type message struct {
	dataType string
	text     string
}

// parseMessages parses repeated type=text flags.
func parseMessages(values []string) ([]message, error) {
	out := make([]message, 0, len(values))
	for _, v := range values {
		dataType, text, ok := strings.Cut(v, "=")
		if !ok || dataType == "" {
			return nil, fmt.Errorf("%w: --send %q, want type=text", config.ErrInvalid, v)
		}
		out = append(out, message{dataType: dataType, text: text})
	}
	return out, nil
}

func printer(w io.Writer) idscp2.MessageListener {
	return idscp2.MessageListenerFunc(func(_ *idscp2.Connection, dataType string, payload []byte) {
		fmt.Fprintf(w, "<- %s: %s\n", dataType, payload)
	})
}

// closeListener ends the shell when the server closes the connection.
type closeListener struct {
	cancel context.CancelFunc
	logger *slog.Logger
	conn   *idscp2.Connection
}

func (l closeListener) OnError(err error) {
	var closeErr *idscp2.CloseError
	if errors.As(err, &closeErr) {
		l.logger.Warn("connection failed", "cause", closeErr.Cause.String(), "error", err)
		return
	}
	l.logger.Warn("connection failed", "error", err)
}

func (l closeListener) OnClose() {
	l.logger.Info("connection closed", "conn_id", l.conn.ID())
	l.cancel()
}
