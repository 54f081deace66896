// Command idscp2-log views and analyzes IDSCP2 protocol log files.
//
// Log files are written by idscp2-server and idscp2-client when the
// configuration sets log.protocol_log or the --protocol-log flag is given.
// With log.protocol_log_dir each connection gets its own file; every command
// also accepts that directory in place of a file.
//
// Usage:
//
//	idscp2-log <command> [flags] <file.ilog|dir>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON lines or CSV
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View the attestation layer of one connection
//	idscp2-log view --layer attestation --conn-id 3f2a9c1e-... provider.ilog
//
//	# Show every CLOSE message
//	idscp2-log view --type close provider.ilog
//
//	# Server side of one connection from a per-connection directory
//	idscp2-log view --role server --conn-id 3f2a9c1e-... /var/log/idscp2/sessions
//
//	# Export to CSV
//	idscp2-log export --format csv provider.ilog > provider.csv
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/idscp2/idscp2-go/cmd/idscp2-log/commands"
	"github.com/idscp2/idscp2-go/pkg/log"
)

var filterFlags = []cli.Flag{
	&cli.StringFlag{Name: "conn-id", Usage: "filter by connection ID"},
	&cli.StringFlag{Name: "peer", Usage: "filter by peer identity"},
	&cli.StringFlag{Name: "role", Usage: "filter by local role (server, client)"},
	&cli.StringFlag{Name: "layer", Usage: "filter by layer (transport, wire, protocol, attestation)"},
	&cli.StringFlag{Name: "direction", Usage: "filter by direction (in, out)"},
	&cli.StringFlag{Name: "category", Usage: "filter by category (message, state, error)"},
	&cli.StringFlag{Name: "type", Usage: "filter by message type (hello, close, dat, rat_prover, data, ...)"},
	&cli.StringFlag{Name: "time-start", Usage: "only events at or after this RFC 3339 time"},
	&cli.StringFlag{Name: "time-end", Usage: "only events before this RFC 3339 time"},
}

func main() {
	app := &cli.App{
		Name:      "idscp2-log",
		Usage:     "IDSCP2 protocol log analyzer",
		ArgsUsage: "<file.ilog>",
		Commands: []*cli.Command{
			{
				Name:      "view",
				Usage:     "View log file in human-readable format",
				ArgsUsage: "<file.ilog>",
				Flags:     filterFlags,
				Action: withFilter(func(cCtx *cli.Context, path string, f log.Filter) error {
					return commands.RunView(path, f, os.Stdout)
				}),
			},
			{
				Name:      "export",
				Usage:     "Export log file to JSON lines or CSV",
				ArgsUsage: "<file.ilog>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "format", Value: "jsonl", Usage: "output format (jsonl, csv)"},
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output file (default: stdout)"},
				}, filterFlags...),
				Action: withFilter(func(cCtx *cli.Context, path string, f log.Filter) error {
					var w io.Writer = os.Stdout
					if output := cCtx.String("output"); output != "" {
						file, err := os.Create(output)
						if err != nil {
							return fmt.Errorf("failed to create output file: %w", err)
						}
						defer file.Close()
						w = file
					}
					return commands.RunExport(path, f, cCtx.String("format"), w)
				}),
			},
			{
				Name:      "filter",
				Usage:     "Filter log file and write to new file",
				ArgsUsage: "<file.ilog>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "output log file"},
				}, filterFlags...),
				Action: withFilter(func(cCtx *cli.Context, path string, f log.Filter) error {
					n, err := commands.RunFilter(path, f, cCtx.String("output"))
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "Wrote %d events to %s\n", n, cCtx.String("output"))
					return nil
				}),
			},
			{
				Name:      "stats",
				Usage:     "Show statistics about the log file",
				ArgsUsage: "<file.ilog>",
				Flags:     filterFlags,
				Action: withFilter(func(cCtx *cli.Context, path string, f log.Filter) error {
					return commands.RunStats(path, f, os.Stdout)
				}),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withFilter reads the log path argument and the shared filter flags.
func withFilter(fn func(cCtx *cli.Context, path string, f log.Filter) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		if cCtx.NArg() < 1 {
			return fmt.Errorf("log file path required")
		}
		opts := commands.FilterOptions{
			ConnID:      cCtx.String("conn-id"),
			PeerID:      cCtx.String("peer"),
			Role:        cCtx.String("role"),
			Layer:       cCtx.String("layer"),
			Direction:   cCtx.String("direction"),
			Category:    cCtx.String("category"),
			MessageType: cCtx.String("type"),
			TimeStart:   cCtx.String("time-start"),
			TimeEnd:     cCtx.String("time-end"),
		}
		f, err := commands.BuildFilter(opts)
		if err != nil {
			return err
		}
		return fn(cCtx, cCtx.Args().First(), f)
	}
}
