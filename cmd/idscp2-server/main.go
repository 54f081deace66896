// Command idscp2-server runs an IDSCP2 connector accepting connections.
//
// Usage:
//
//	idscp2-server --config provider.yaml [--echo]
//
// The configuration file format is documented in package config. Without
// --config the server listens on :29292 with the null DAPS and the Dummy RAT
// scheme, which needs --cert and --key at minimum.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/idscp2/idscp2-go/pkg/config"
	"github.com/idscp2/idscp2-go/pkg/discovery"
	"github.com/idscp2/idscp2-go/pkg/idscp2"
	"github.com/idscp2/idscp2-go/pkg/transport"
	"github.com/idscp2/idscp2-go/pkg/wire"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
	},
	&cli.StringFlag{
		Name:  "listen",
		Usage: "address to listen on (overrides the configuration)",
	},
	&cli.StringFlag{
		Name:  "cert",
		Usage: "PEM certificate file (overrides the configuration)",
	},
	&cli.StringFlag{
		Name:  "key",
		Usage: "PEM private key file (overrides the configuration)",
	},
	&cli.StringFlag{
		Name:  "ca",
		Usage: "PEM CA bundle verifying client certificates (overrides the configuration)",
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
	&cli.BoolFlag{
		Name:  "advertise",
		Usage: "advertise the server via mDNS",
	},
	&cli.BoolFlag{
		Name:  "echo",
		Usage: "send every received message back to its sender",
	},
}

func main() {
	app := &cli.App{
		Name:   "idscp2-server",
		Usage:  "Accept attested IDSCP2 connections",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadFile(cCtx *cli.Context) (*config.File, error) {
	f := config.Default()
	if path := cCtx.String("config"); path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if v := cCtx.String("listen"); v != "" {
		f.Listen = v
	}
	if v := cCtx.String("cert"); v != "" {
		f.TLS.Cert = v
	}
	if v := cCtx.String("key"); v != "" {
		f.TLS.Key = v
	}
	if v := cCtx.String("ca"); v != "" {
		f.TLS.CA = v
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
	if cCtx.Bool("advertise") {
		f.Discovery.Enabled = true
	}
	return f, f.Validate()
}

func run(cCtx *cli.Context) error {
	f, err := loadFile(cCtx)
	if err != nil {
		return err
	}
	peer, err := config.Build(f, os.Stderr)
	if err != nil {
		return err
	}
	defer peer.Close()

	logger := peer.Logger
	if len(peer.TLS.Certificate.Certificate) == 0 {
		return fmt.Errorf("%w: the server needs a certificate and key", config.ErrInvalid)
	}

	cfg := idscp2.DefaultServerConfig()
	cfg.Address = f.Listen
	cfg.TLSConfig = peer.TLS
	cfg.Connection = peer.Connection

	events := &serverEvents{logger: logger, echo: cCtx.Bool("echo")}
	server, err := idscp2.NewServer(cfg, events)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("IDSCP2 server started",
		"address", server.Addr().String(),
		"supported_rat", f.Rat.Supported,
		"expected_rat", f.Rat.Expected)

	if f.Discovery.Enabled {
		advertiser, err := advertise(ctx, f, peer, server.Addr())
		if err != nil {
			logger.Warn("mDNS advertising failed", "error", err)
		} else {
			defer advertiser.Stop()
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", "connections", server.ConnectionCount())
	return server.Terminate()
}

func advertise(ctx context.Context, f *config.File, peer *config.Peer, addr net.Addr) (discovery.Advertiser, error) {
	info := &discovery.ServerInfo{
		Instance:     f.Discovery.Instance,
		Version:      wire.ProtocolVersion,
		SupportedRat: f.Rat.Supported,
		ExpectedRat:  f.Rat.Expected,
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		info.Port = uint16(tcp.Port)
	}
	if leaf, err := transport.LeafCertificate(peer.TLS.Certificate); err == nil {
		if info.ConnectorID, err = discovery.ConnectorID(leaf); err != nil {
			return nil, err
		}
		if info.Instance == "" {
			info.Instance = transport.PeerName(leaf)
		}
	}
	if info.Instance == "" {
		info.Instance = "idscp2-" + info.ConnectorID
	}

	a := discovery.NewMDNSAdvertiser(discovery.DefaultAdvertiserConfig())
	if err := a.Advertise(ctx, info); err != nil {
		return nil, err
	}
	return a, nil
}

// echoTimeout bounds an echo reply that waits out a re-attestation.
const echoTimeout = 30 * time.Second

// serverEvents logs connection lifecycle and optionally echoes messages.
type serverEvents struct {
	logger *slog.Logger
	echo   bool
}

func (e *serverEvents) OnConnect(c *idscp2.Connection) {
	e.logger.Info("connection accepted",
		"conn_id", c.ID(),
		"remote", c.RemoteAddr().String(),
		"peer", transport.PeerName(c.PeerCertificate()))

	c.AddGenericMessageListener(idscp2.MessageListenerFunc(func(c *idscp2.Connection, dataType string, payload []byte) {
		e.logger.Info("message received", "conn_id", c.ID(), "type", dataType, "size", len(payload))
		if !e.echo {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), echoTimeout)
		defer cancel()
		if err := c.Send(ctx, dataType, payload); err != nil {
			e.logger.Warn("echo failed", "conn_id", c.ID(), "error", err)
		}
	}))
}

func (e *serverEvents) OnClose(c *idscp2.Connection) {
	attrs := []any{"conn_id", c.ID()}
	if reason := c.CloseReason(); reason != nil {
		attrs = append(attrs, "reason", reason.Error())
	}
	e.logger.Info("connection closed", attrs...)
}

func (e *serverEvents) OnError(err error) {
	e.logger.Warn("incoming connection failed", "error", err)
}
