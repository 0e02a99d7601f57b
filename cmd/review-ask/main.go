// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Review-ask sends a question to the reviewer through the review relay
// and blocks until the reply arrives, then prints it. It runs inside a
// tenant environment and exits 0 with the reply on stdout, or 1 on any
// failure (send rejected, timeout, push channel lost).
//
//	review-ask "Is it safe to drop the legacy table?"
//	echo "long question" | review-ask -
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/reviewrelay/lib/version"
	"github.com/bureau-foundation/reviewrelay/relayclient"
)

func main() {
	if err := run(os.Args[1:], os.LookupEnv, os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	vmUser      string
	relay       string
	target      string
	timeout     string
	quiet       bool
	showVersion bool
}

func run(args []string, lookup func(string) (string, bool), stdin io.Reader, stdout, stderr io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("review-ask", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.vmUser, "vm-user", "", "tenant identity (default $VM_USER, then $USER)")
	flagSet.StringVar(&opts.relay, "relay", "", "relay address: host, host:port, or http(s)://host:port (default $RELAY_HOST:$RELAY_PORT)")
	flagSet.StringVar(&opts.target, "target", "", `recipient: "reviewer" or a chat user ID (default "reviewer")`)
	flagSet.StringVar(&opts.timeout, "timeout", "", "how long to wait for a reply, as a duration or seconds (default $REPLY_TIMEOUT, then 30m)")
	flagSet.BoolVarP(&opts.quiet, "quiet", "q", false, "print only the reply")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintln(stderr, "Usage: review-ask [flags] <message...>")
		fmt.Fprintln(stderr, "       review-ask [flags] -    (read the message from stdin)")
		fmt.Fprintln(stderr)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		version.Print("review-ask")
		return nil
	}

	display := relayclient.NewDisplay(stdout, stderr, opts.quiet)

	config, err := resolveConfig(opts, lookup)
	if err != nil {
		display.Error(err)
		return err
	}
	message, err := readMessage(flagSet.Args(), stdin)
	if err != nil {
		display.Error(err)
		return err
	}

	client, err := relayclient.New(config.BaseURL())
	if err != nil {
		display.Error(err)
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ask, err := relayclient.NewAsk(relayclient.AskConfig{
		Client:   client,
		VMUser:   config.VMUser,
		Target:   config.Target,
		Message:  message,
		Timeout:  config.ReplyTimeout,
		Observer: display.Observe,
		Logger:   logger,
	})
	if err != nil {
		display.Error(err)
		return err
	}

	reply, err := ask.Run(context.Background())
	if err != nil {
		display.Error(err)
		return err
	}
	display.Reply(reply)
	return nil
}

// resolveConfig layers flags over the environment.
func resolveConfig(opts options, lookup func(string) (string, bool)) (relayclient.Config, error) {
	config, err := relayclient.ConfigFromEnvironment(lookup)
	if err != nil {
		return relayclient.Config{}, err
	}
	if opts.vmUser != "" {
		config.VMUser = opts.vmUser
	}
	if opts.relay != "" {
		if err := config.SetRelay(opts.relay); err != nil {
			return relayclient.Config{}, err
		}
	}
	if opts.target != "" {
		config.Target = opts.target
	}
	if opts.timeout != "" {
		timeout, err := relayclient.ParseTimeout(opts.timeout)
		if err != nil {
			return relayclient.Config{}, fmt.Errorf("--timeout: %w", err)
		}
		config.ReplyTimeout = timeout
	}
	if err := config.Validate(); err != nil {
		return relayclient.Config{}, err
	}
	return config, nil
}

// readMessage joins the positional arguments, or reads stdin when the
// only argument is "-".
func readMessage(args []string, stdin io.Reader) (string, error) {
	var message string
	switch {
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading message from stdin: %w", err)
		}
		message = string(data)
	default:
		message = strings.Join(args, " ")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New("no message: pass it as arguments or use - to read stdin")
	}
	return message, nil
}
