// Package main is the entry point for quicmux-forward, a small TCP<->QUIC
// bridge demonstrating the quicmux connection driver and stream multiplexer.
package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/quicmux/quicmux/cmd/quicmux-forward/dial"
	"github.com/quicmux/quicmux/cmd/quicmux-forward/listen"
	"github.com/quicmux/quicmux/pkg/log"
)

func main() {
	app := &cli.Command{
		Name:        "quicmux-forward",
		Description: "Bridge local TCP connections over a quicmux QUIC connection",
		Commands: []*cli.Command{
			listen.GetCommand(),
			dial.GetCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger := log.NewLogger(false)
		logger.ErrorMsg("Run: %s\n", err)
		os.Exit(1)
	}
}
