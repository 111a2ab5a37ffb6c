// Package listen implements quicmux-forward's "listen" command: bind a
// QUIC endpoint and forward every stream a peer opens to a fixed local TCP
// target.
package listen

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/quicmux/quicmux/cmd/quicmux-forward/shared"
	"github.com/quicmux/quicmux/pkg/config"
	"github.com/quicmux/quicmux/pkg/debugfeed"
	"github.com/quicmux/quicmux/pkg/forward"
	"github.com/quicmux/quicmux/pkg/log"
)

// ForwardToFlag is the name of the flag giving the TCP address dialed for
// every stream a peer opens.
const ForwardToFlag = "forward-to"

// GetCommand returns the "listen" command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Bind a QUIC endpoint and forward every peer stream to a local TCP address",
		Flags: getFlags(),
		Action: func(parent context.Context, cmd *cli.Command) error {
			ctx, cancel := context.WithCancel(parent)
			defer cancel()
			shared.SetupSignalHandling(cancel)

			forwardTo := cmd.String(ForwardToFlag)
			if forwardTo == "" {
				return fmt.Errorf("'--%s' is required", ForwardToFlag)
			}

			verbose := cmd.Bool(shared.VerboseFlag)
			cfg := config.Transport{
				Host:             cmd.String(shared.HostFlag),
				Port:             int(cmd.Int(shared.PortFlag)),
				IdentitySeed:     cmd.String(shared.IdentitySeedFlag),
				HandshakeTimeout: time.Duration(cmd.Int(shared.HandshakeTimeoutFlag)) * time.Millisecond,
				MaxIdleTimeout:   time.Duration(cmd.Int(shared.MaxIdleTimeoutFlag)) * time.Millisecond,
				KeepAlive:        time.Duration(cmd.Int(shared.KeepAliveFlag)) * time.Millisecond,
				MaxConnections:   int(cmd.Int(shared.MaxConnectionsFlag)),
				AcceptQueueSize:  int(cmd.Int(shared.AcceptQueueSizeFlag)),
				Verbose:          verbose,
				Logger:           log.NewLogger(verbose),
			}
			if errs := config.Validate(&cfg); len(errs) > 0 {
				cfg.Logger.ErrorMsg("Argument validation errors:")
				for _, err := range errs {
					cfg.Logger.ErrorMsg(" - %s", err)
				}
				return fmt.Errorf("exiting")
			}

			var feed *debugfeed.Feed
			if addr := cmd.String(shared.DebugFeedFlag); addr != "" {
				feed = debugfeed.New(cfg.Logger)
				go func() {
					if err := feed.ListenAndServe(ctx, addr); err != nil {
						cfg.Logger.ErrorMsg("debug feed: %s\n", err)
					}
				}()
			}

			return forward.Listen(ctx, forward.ListenConfig{
				Transport: cfg,
				ForwardTo: forwardTo,
				Feed:      feed,
			})
		},
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  shared.HostFlag,
			Usage: "Local host to bind the QUIC socket to (empty binds all interfaces)",
			Value: "",
		},
		&cli.IntFlag{
			Name:     shared.PortFlag,
			Usage:    "Local UDP port to bind the QUIC socket to",
			Value:    0,
			Required: true,
		},
		&cli.StringFlag{
			Name:     ForwardToFlag,
			Usage:    "TCP address dialed for every peer-opened stream, e.g. 127.0.0.1:8080",
			Required: true,
		},
		&cli.IntFlag{
			Name:  shared.MaxConnectionsFlag,
			Usage: "Maximum concurrent QUIC connections",
			Value: 100,
		},
		&cli.IntFlag{
			Name:  shared.AcceptQueueSizeFlag,
			Usage: "Backlog of accepted-but-undrained QUIC connections",
			Value: 16,
		},
	}
	return append(flags, shared.GetCommonFlags()...)
}
