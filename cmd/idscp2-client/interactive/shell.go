// Package interactive implements the command shell of idscp2-client.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/idscp2/idscp2-go/pkg/fsm"
	"github.com/idscp2/idscp2-go/pkg/idscp2"
)

// SendTimeout bounds a send while the connection re-attests.
const SendTimeout = 30 * time.Second

// Session is the part of a connection the shell drives.
type Session interface {
	ID() string
	State() fsm.State
	Schemes() (prover, verifier string)
	PeerDat() idscp2.Dat
	DotGraph() string
	Send(ctx context.Context, dataType string, payload []byte) error
	RepeatRat() error
	Close() error
}

// Shell reads commands from a terminal and applies them to a session.
type Shell struct {
	sess Session
	rl   *readline.Instance
	out  io.Writer
}

// New creates a shell on the terminal.
func New(sess Session) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "idscp2> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("send"),
			readline.PcItem("rerat"),
			readline.PcItem("state"),
			readline.PcItem("schemes"),
			readline.PcItem("dat"),
			readline.PcItem("dot"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{sess: sess, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that does not interfere with the prompt. Use it
// for logs and received messages.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.rl.Close() })
	defer stop()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if s.Execute(ctx, line) {
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) (quit bool) {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()

	case "send", "s":
		s.cmdSend(ctx, input, args)

	case "rerat":
		if err := s.sess.RepeatRat(); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(s.out, "Re-attestation requested")

	case "state":
		fmt.Fprintf(s.out, "Connection %s: %s\n", s.sess.ID(), s.sess.State())

	case "schemes":
		prover, verifier := s.sess.Schemes()
		fmt.Fprintf(s.out, "Prover:   %s\nVerifier: %s\n", orNone(prover), orNone(verifier))

	case "dat":
		dat := s.sess.PeerDat()
		if len(dat.Token) == 0 {
			fmt.Fprintln(s.out, "No peer DAT")
			return false
		}
		fmt.Fprintf(s.out, "Peer DAT: %d bytes, expires %s (in %s)\n",
			len(dat.Token), dat.ExpiresAt.Format(time.RFC3339), time.Until(dat.ExpiresAt).Round(time.Second))

	case "dot":
		fmt.Fprintln(s.out, s.sess.DotGraph())

	case "close", "quit", "exit", "q":
		if err := s.sess.Close(); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
		fmt.Fprintln(s.out, "Connection closed")
		return true

	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

// cmdSend sends the rest of the line after the type as payload.
func (s *Shell) cmdSend(ctx context.Context, input string, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: send <type> [text]")
		return
	}
	dataType := args[0]

	var payload string
	if len(args) > 1 {
		rest := strings.TrimSpace(input[strings.Index(input, " ")+1:])
		payload = strings.TrimSpace(strings.TrimPrefix(rest, dataType))
	}

	ctx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	if err := s.sess.Send(ctx, dataType, []byte(payload)); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Sent %s (%d bytes)\n", dataType, len(payload))
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
IDSCP2 Client Commands:
  send <type> [text]  - Send a message with the given type
  rerat               - Request a repeated remote attestation
  state               - Show the protocol state
  schemes             - Show the negotiated RAT schemes
  dat                 - Show the verified peer DAT
  dot                 - Print the state machine as Graphviz
  help                - Show this help
  quit                - Close the connection and exit`)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
