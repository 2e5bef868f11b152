package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/royalnet/internal/link"
	"github.com/danmuck/royalnet/internal/logging"
	"github.com/danmuck/royalnet/internal/protocol"
)

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(out)
	var lf linkFlags
	lf.register(fs)

	switch cmd {
	case "request":
		to := fs.String("to", "", "destination link name")
		data := fs.String("data", "null", "request payload as JSON")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if !json.Valid([]byte(*data)) {
			return fmt.Errorf("-data is not valid JSON: %s", *data)
		}
		return withLink(ctx, lf, nil, func(l *link.Link) error {
			raw, err := l.Request(ctx, *to, json.RawMessage(*data))
			if err != nil {
				return err
			}
			if msg, ok := protocol.DecodeFailure(raw); ok {
				return fmt.Errorf("%s failed: %s", strings.TrimSpace(*to), msg)
			}
			return printJSON(out, raw)
		})
	case "clients":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return withLink(ctx, lf, nil, func(l *link.Link) error {
			raw, err := l.Request(ctx, protocol.ServerName, protocol.Control{Op: protocol.ControlClients})
			if err != nil {
				return err
			}
			var list protocol.ClientList
			if err := json.Unmarshal(raw, &list); err != nil {
				return fmt.Errorf("decode client list: %w", err)
			}
			for _, name := range list.Clients {
				fmt.Fprintln(out, name)
			}
			return nil
		})
	case "ping":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		return withLink(ctx, lf, nil, func(l *link.Link) error {
			raw, err := l.Request(ctx, protocol.ServerName, protocol.Control{Op: protocol.ControlPing})
			if err != nil {
				return err
			}
			var pong protocol.Pong
			if err := json.Unmarshal(raw, &pong); err != nil || !pong.Pong {
				return fmt.Errorf("unexpected ping reply: %s", raw)
			}
			fmt.Fprintln(out, "pong")
			return nil
		})
	case "serve":
		if err := fs.Parse(rest); err != nil {
			return err
		}
		cfg, err := lf.resolve()
		if err != nil {
			return err
		}
		l, err := link.New(cfg, echo{})
		if err != nil {
			return err
		}
		return l.Run(ctx)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// withLink connects a link for the duration of fn.
func withLink(ctx context.Context, lf linkFlags, handler link.Handler, fn func(*link.Link) error) error {
	cfg, err := lf.resolve()
	if err != nil {
		return err
	}
	l, err := link.New(cfg, handler)
	if err != nil {
		return err
	}
	defer l.Close()
	if err := l.Connect(ctx); err != nil {
		return err
	}
	return fn(l)
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Fprintln(out, "null")
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(out, string(raw))
		return err
	}
	_, err := fmt.Fprintln(out, buf.String())
	return err
}

// echo answers every request with its own payload.
type echo struct{}

func (echo) Handle(_ context.Context, msg link.Message) (any, error) {
	logger := logging.Component("royalnetctl")
	logger.Info().
		Str("source", msg.Source).
		Str("nonce", msg.Nonce).
		Int("bytes", len(msg.Payload)).
		Msg("echo")
	return msg.Payload, nil
}
