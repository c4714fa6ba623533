// Command goveectl sends one request to a goveed gateway and prints the reply.
//
//	goveectl getDevices
//	goveectl devStatus AA:BB:CC:DD
//	goveectl onOff AA:BB:CC:DD 1
//	goveectl colorTemp AA:BB:CC:DD '{"level":80,"colorTemInKelvin":2700}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trymwestin/goveed/internal/core/protocol"
	"github.com/trymwestin/goveed/internal/core/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("goveectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	urls := fs.String("u", "ws://localhost:4245/", "comma-separated gateway URLs, tried in order")
	timeout := fs.Duration("t", 10*time.Second, "overall request timeout")
	verbose := fs.Bool("v", false, "log connection attempts")
	if err := fs.Parse(args); err != nil {
		return err
	}

	frame, err := buildFrame(fs.Args())
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	dialer := transport.NewFallbackDialer(
		transport.NewDialer(transport.DefaultOptions(), log),
		strings.Split(*urls, ","),
		log,
	)
	conn, err := dialer.DialAny(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.CloseWithReason(transport.CloseNormal, "")
		_ = conn.Close()
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return err
	}
	reply, err := conn.Recv(ctx)
	if err != nil {
		return fmt.Errorf("waiting for reply: %w", err)
	}

	fmt.Fprintln(stdout, string(reply))
	return replyError(reply)
}

// buildFrame turns "cmd [deviceId [data]]" into a request frame. data is
// either a JSON value or, for onOff and level, a bare integer.
func buildFrame(args []string) ([]byte, error) {
	if len(args) == 0 {
		return nil, errors.New("usage: goveectl [flags] <command> [deviceId] [data]")
	}
	cmd := protocol.Command(args[0])
	if !cmd.Valid() {
		return nil, fmt.Errorf("unknown command %q", args[0])
	}

	msg := map[string]any{"cmd": cmd}
	if cmd == protocol.CmdGetDevices {
		if len(args) > 1 {
			return nil, errors.New("getDevices takes no arguments")
		}
		return json.Marshal(map[string]any{"msg": msg})
	}

	if len(args) < 2 {
		return nil, fmt.Errorf("%s needs a device id", cmd)
	}
	msg["deviceId"] = args[1]

	switch {
	case len(args) == 2 && cmd == protocol.CmdDevStatus:
		msg["data"] = map[string]any{}
	case len(args) == 3:
		var data any
		if err := json.Unmarshal([]byte(args[2]), &data); err != nil {
			return nil, fmt.Errorf("data for %s: %w", cmd, err)
		}
		msg["data"] = data
	default:
		return nil, fmt.Errorf("%s needs a device id and data", cmd)
	}
	return json.Marshal(map[string]any{"msg": msg})
}

// replyError reports an error reply so the exit status reflects it.
func replyError(frame []byte) error {
	var env struct {
		Msg struct {
			Error string `json:"error"`
		} `json:"msg"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("malformed reply: %w", err)
	}
	if env.Msg.Error != "" {
		return errors.New(env.Msg.Error)
	}
	return nil
}
