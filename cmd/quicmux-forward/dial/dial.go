// Package dial implements quicmux-forward's "dial" command: connect once
// to a remote quicmux-forward listener and bridge every locally accepted
// TCP connection to its own muxer stream.
package dial

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/quicmux/quicmux/cmd/quicmux-forward/shared"
	"github.com/quicmux/quicmux/pkg/config"
	"github.com/quicmux/quicmux/pkg/debugfeed"
	"github.com/quicmux/quicmux/pkg/forward"
	"github.com/quicmux/quicmux/pkg/log"
)

// ListenFlag is the name of the flag giving the local TCP address to
// accept connections on, one muxer stream per accepted connection.
const ListenFlag = "listen"

// GetCommand returns the "dial" command.
func GetCommand() *cli.Command {
	return &cli.Command{
		Name:      "dial",
		Usage:     "Connect to a remote quicmux-forward listener and bridge local TCP connections to it",
		ArgsUsage: "host:port",
		Flags:     getFlags(),
		Action: func(parent context.Context, cmd *cli.Command) error {
			ctx, cancel := context.WithCancel(parent)
			defer cancel()
			shared.SetupSignalHandling(cancel)

			args := cmd.Args()
			if args.Len() != 1 {
				return fmt.Errorf("must provide exactly one argument, got %d (%s)", args.Len(), strings.Join(args.Slice(), ", "))
			}
			remoteAddr := args.Get(0)

			listenAddr := cmd.String(ListenFlag)
			if listenAddr == "" {
				return fmt.Errorf("'--%s' is required", ListenFlag)
			}

			verbose := cmd.Bool(shared.VerboseFlag)
			cfg := config.Transport{
				IdentitySeed:     cmd.String(shared.IdentitySeedFlag),
				HandshakeTimeout: time.Duration(cmd.Int(shared.HandshakeTimeoutFlag)) * time.Millisecond,
				MaxIdleTimeout:   time.Duration(cmd.Int(shared.MaxIdleTimeoutFlag)) * time.Millisecond,
				KeepAlive:        time.Duration(cmd.Int(shared.KeepAliveFlag)) * time.Millisecond,
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

			return forward.Dial(ctx, forward.DialConfig{
				Transport:  cfg,
				RemoteAddr: remoteAddr,
				ListenAddr: listenAddr,
				Feed:       feed,
			})
		},
	}
}

func getFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     ListenFlag,
			Usage:    "Local TCP address to accept connections on, e.g. 127.0.0.1:8080",
			Required: true,
		},
	}
	return append(flags, shared.GetCommonFlags()...)
}
